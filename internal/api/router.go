package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"servermgr/internal/core"
	"servermgr/internal/store"
	"servermgr/internal/wol"
)

// Options configures the HTTP API.
type Options struct {
	Addr      string
	AuthToken string
	Location  *time.Location
	// DefaultTimeout applies to tasks created without a timeout, in seconds.
	DefaultTimeout int
	RetentionDays  int
	InstanceID     string
	// RunRate and RunBurst limit manual executions. RunRate <= 0 disables the limit.
	RunRate     float64
	RunBurst    int
	WOLPort     int
	PingTimeout time.Duration
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	waker      *wol.Waker
	logger     *slog.Logger
	opts       Options
	runLimiter *rate.Limiter
	startedAt  time.Time
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, st *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = core.DefaultTimeoutSeconds
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	limit := rate.Inf
	if opts.RunRate > 0 {
		limit = rate.Limit(opts.RunRate)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      st,
		scheduler:  scheduler,
		waker:      wol.NewWaker(opts.WOLPort),
		logger:     logger,
		opts:       opts,
		runLimiter: rate.NewLimiter(limit, max(opts.RunBurst, 1)),
		startedAt:  time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "servermgr.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.opts.MCP != nil {
		s.router.Handle("/mcp", AuthMiddleware(s.opts.AuthToken)(s.opts.MCP))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(s.opts.AuthToken))

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/toggle", s.handleToggleTask)
				r.With(RateLimit(s.runLimiter)).Post("/execute", s.handleExecuteTask)
				r.Get("/executions", s.handleListTaskExecutions)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Delete("/", s.handleDeleteExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/cancel", s.handleCancelExecution)
		})

		r.Get("/scheduler/jobs", s.handleSchedulerJobs)
		r.Post("/scheduler/reload", s.handleSchedulerReload)
		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/status", s.handleStatus)
		r.Post("/maintenance/cleanup", s.handleCleanup)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Get("/{deviceID}", s.handleGetDevice)
			r.Put("/{deviceID}", s.handleUpdateDevice)
			r.Delete("/{deviceID}", s.handleDeleteDevice)
		})
		r.Post("/wol/wake", s.handleWake)
		r.Post("/wol/ping/{deviceID}", s.handlePing)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok", map[string]any{
		"scheduler_running": s.scheduler.Running(),
	})
}
