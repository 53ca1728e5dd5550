package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"servermgr/internal/api"
	"servermgr/internal/config"
	"servermgr/internal/core"
	"servermgr/internal/logging"
	"servermgr/internal/manifest"
	servermgrmcp "servermgr/internal/mcp"
	"servermgr/internal/notify"
	"servermgr/internal/store"
	"servermgr/internal/telemetry"
)

var version = "dev"

const (
	modeHTTP = "http"
	modeMCP  = "mcp"
	modeBoth = "both"

	maintenanceInterval = 24 * time.Hour
	metricInterval      = 30 * time.Second
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	location, err := cfg.Location()
	if err != nil {
		log.Fatalf("failed to load timezone: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// stdout carries the MCP protocol in stdio modes.
	logOut := os.Stdout
	if cfg.Server.Mode != modeHTTP {
		logOut = os.Stderr
	}
	var (
		extraHandlers     []slog.Handler
		shutdownTelemetry = func(context.Context) error { return nil }
	)
	if cfg.Telemetry {
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "telemetry.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("failed to open telemetry log: %v", err)
		}
		defer f.Close()
		shutdownTelemetry, err = telemetry.Setup(ctx, f, metricInterval)
		if err != nil {
			log.Fatalf("failed to set up telemetry: %v", err)
		}
		extraHandlers = append(extraHandlers, otelslog.NewHandler(telemetry.InstrumentationName))
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, extraHandlers...)
	slog.SetDefault(logger)

	storeInst, err := store.Open(ctx, store.Options{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN,
		DataDir: cfg.DataDir,
	})
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	if cfg.Scheduler.RecoverOnStart {
		n, err := storeInst.RecoverInterrupted(ctx, time.Now())
		if err != nil {
			logger.Error("recover interrupted executions", "err", err)
		} else if n > 0 {
			logger.Warn("marked interrupted executions failed", "count", n)
		}
	}

	observers := buildObservers(cfg, logger)
	instanceID := core.NewInstanceID()
	executor := core.NewExecutor(storeInst, logger, core.ExecutorOptions{
		Shell:       cfg.Scheduler.Shell,
		OutputLimit: cfg.Scheduler.OutputLimit,
		InstanceID:  instanceID,
		Observers:   observers,
	})
	scheduler := core.NewScheduler(storeInst, executor, logger, core.SchedulerOptions{
		Location:     location,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
		Observers:    observers,
	})

	scheduler.Start(ctx)
	logger.Info("servermgr started", "version", version, "instance_id", instanceID, "mode", cfg.Server.Mode,
		"db_driver", storeInst.Driver, "data_dir", cfg.DataDir)

	if cfg.Scheduler.TasksFile != "" {
		syncer := manifest.NewSyncer(storeInst, scheduler, logger)
		go func() {
			if err := syncer.Watch(ctx, cfg.Scheduler.TasksFile); err != nil {
				logger.Error("task manifest watcher stopped", "path", cfg.Scheduler.TasksFile, "err", err)
			}
		}()
	}
	go runMaintenance(ctx, storeInst, cfg.Log.RetentionDays, logger)

	mcpServer := servermgrmcp.NewServer(storeInst, scheduler, logger, servermgrmcp.Options{
		Version:        version,
		Location:       location,
		DefaultTimeout: cfg.Scheduler.TaskTimeout,
	})

	errCh := make(chan error, 2)
	var httpServer *api.Server
	if cfg.Server.Mode == modeHTTP || cfg.Server.Mode == modeBoth {
		httpServer = api.NewServer(api.Options{
			Addr:           cfg.Server.Addr,
			AuthToken:      cfg.Server.AuthToken,
			Location:       location,
			DefaultTimeout: cfg.Scheduler.TaskTimeout,
			RetentionDays:  cfg.Log.RetentionDays,
			InstanceID:     instanceID,
			RunRate:        cfg.Server.RunRate,
			RunBurst:       cfg.Server.RunBurst,
			WOLPort:        cfg.WOL.Port,
			PingTimeout:    time.Duration(cfg.WOL.PingTimeout) * time.Second,
			MCP:            mcpServer.Handler(),
		}, storeInst, scheduler, logger)
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	if cfg.Server.Mode == modeMCP || cfg.Server.Mode == modeBoth {
		go func() {
			err := mcpServer.ServeStdio(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				errCh <- err
			case cfg.Server.Mode == modeMCP:
				// stdin closed: the client is gone.
				errCh <- nil
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	scheduler.Stop()
	drainExecutions(shutdownCtx, executor, logger)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "err", err)
	}
	logger.Info("shutdown complete")
}

func buildObservers(cfg *config.Config, logger *slog.Logger) []core.Observer {
	var observers []core.Observer
	if cfg.Telemetry {
		metrics, err := telemetry.NewMetrics()
		if err != nil {
			logger.Error("create metrics", "err", err)
		} else {
			observers = append(observers, metrics)
		}
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL != "" {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Error("create bark notifier", "err", err)
		} else {
			observers = append(observers, notify.NewFailureObserver(bark, logger))
		}
	}
	return observers
}

// drainExecutions waits for in-flight executions, which stop once the
// scheduler context is done, to write their terminal records.
func drainExecutions(ctx context.Context, executor *core.Executor, logger *slog.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		ids := executor.RunningExecutionIDs()
		if len(ids) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn("executions still running at shutdown", "execution_ids", ids)
			return
		case <-ticker.C:
		}
	}
}

// runMaintenance deletes finished executions older than retentionDays once
// at startup and then daily.
func runMaintenance(ctx context.Context, st *store.Store, retentionDays int, logger *slog.Logger) {
	if retentionDays <= 0 {
		return
	}
	cleanup := func() {
		cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		n, err := st.CleanupExecutions(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("cleanup executions", "err", err)
			}
			return
		}
		if n > 0 {
			logger.Info("old executions removed", "count", n, "retention_days", retentionDays)
		}
	}
	cleanup()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
