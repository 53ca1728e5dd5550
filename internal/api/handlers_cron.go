package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"servermgr/internal/core"
)

type cronPreviewRequest struct {
	Expression string `json:"cron_expression"`
	Base       string `json:"base,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid      bool     `json:"valid"`
	Normalized string   `json:"normalized,omitempty"`
	NextTimes  []string `json:"next_times,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type jobResponse struct {
	TaskID       int64  `json:"task_id"`
	Name         string `json:"name"`
	Trigger      string `json:"trigger"`
	NextFireTime string `json:"next_fire_time"`
}

type statusResponse struct {
	SchedulerRunning bool                         `json:"scheduler_running"`
	InstanceID       string                       `json:"instance_id"`
	Timezone         string                       `json:"timezone"`
	UptimeSeconds    int64                        `json:"uptime_seconds"`
	ScheduledJobs    int                          `json:"scheduled_jobs"`
	RunningTaskIDs   []int64                      `json:"running_task_ids"`
	TotalTasks       int                          `json:"total_tasks"`
	EnabledTasks     int                          `json:"enabled_tasks"`
	Executions       map[core.ExecutionStatus]int `json:"executions"`
}

// handleCronPreview reports whether an expression parses and, if so, its
// next fire times in the configured timezone.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	expr := strings.TrimSpace(req.Expression)
	if expr == "" {
		writeError(w, http.StatusBadRequest, "cron_expression is required")
		return
	}
	trigger, err := core.ParseCron(expr, s.opts.Location)
	if err != nil {
		writeJSON(w, http.StatusOK, "invalid cron expression", cronPreviewResponse{Valid: false, Error: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 20 {
		count = 5
	}
	base := time.Now().In(s.opts.Location)
	if req.Base != "" {
		parsed, err := time.Parse(time.RFC3339, req.Base)
		if err != nil {
			writeError(w, http.StatusBadRequest, "base must be RFC3339")
			return
		}
		base = parsed.In(s.opts.Location)
	}

	times := core.NextOccurrences(trigger, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.In(s.opts.Location).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, "", cronPreviewResponse{Valid: true, Normalized: trigger.Expression(), NextTimes: formatted})
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.ListScheduled()
	res := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, jobResponse{
			TaskID:       j.TaskID,
			Name:         j.Name,
			Trigger:      j.Trigger,
			NextFireTime: formatTime(j.NextFireTime),
		})
	}
	writeJSON(w, http.StatusOK, "", res)
}

func (s *Server) handleSchedulerReload(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ReloadAll(r.Context()); err != nil {
		s.logger.Error("reload schedule", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to reload schedule")
		return
	}
	writeJSON(w, http.StatusOK, "schedule reloaded", map[string]int{"jobs": len(s.scheduler.ListScheduled())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, enabled, err := s.store.CountTasks(r.Context())
	if err != nil {
		s.logger.Error("count tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	counts, err := s.store.CountExecutions(r.Context())
	if err != nil {
		s.logger.Error("count executions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	running := s.scheduler.ListRunningTaskIDs(r.Context())
	if running == nil {
		running = []int64{}
	}
	writeJSON(w, http.StatusOK, "", statusResponse{
		SchedulerRunning: s.scheduler.Running(),
		InstanceID:       s.opts.InstanceID,
		Timezone:         s.opts.Location.String(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ScheduledJobs:    len(s.scheduler.ListScheduled()),
		RunningTaskIDs:   running,
		TotalTasks:       total,
		EnabledTasks:     enabled,
		Executions:       counts,
	})
}

// handleCleanup removes finished executions older than ?days=.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.opts.RetentionDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := s.store.CleanupExecutions(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("cleanup executions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to clean up executions")
		return
	}
	s.logger.Info("executions cleaned up", "days", days, "deleted", deleted)
	writeJSON(w, http.StatusOK, "cleanup finished", map[string]any{"days": days, "deleted": deleted})
}
