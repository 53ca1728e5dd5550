package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"servermgr/internal/core"
	"servermgr/internal/store"
)

const (
	runtimeDisabled       = "disabled"
	runtimeEnabledStopped = "enabled_stopped"
	runtimeEnabledRunning = "enabled_running"
)

type createTaskRequest struct {
	Name            string  `json:"name"`
	TaskType        string  `json:"task_type"`
	Command         string  `json:"command"`
	Description     *string `json:"description"`
	CronExpression  *string `json:"cron_expression"`
	IntervalSeconds *int    `json:"interval_seconds"`
	TimeoutSeconds  *int    `json:"timeout_seconds"`
	MaxRetries      *int    `json:"max_retries"`
	Enabled         *bool   `json:"enabled"`
}

// An empty cron_expression or a zero interval_seconds clears the field.
type updateTaskRequest struct {
	Name            *string `json:"name"`
	Command         *string `json:"command"`
	Description     *string `json:"description"`
	CronExpression  *string `json:"cron_expression"`
	IntervalSeconds *int    `json:"interval_seconds"`
	TimeoutSeconds  *int    `json:"timeout_seconds"`
	MaxRetries      *int    `json:"max_retries"`
	Enabled         *bool   `json:"enabled"`
}

type taskResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	TaskType        string  `json:"task_type"`
	Command         string  `json:"command"`
	Description     *string `json:"description,omitempty"`
	Enabled         bool    `json:"enabled"`
	CronExpression  *string `json:"cron_expression,omitempty"`
	IntervalSeconds *int    `json:"interval_seconds,omitempty"`
	TimeoutSeconds  int     `json:"timeout_seconds"`
	MaxRetries      int     `json:"max_retries"`
	RuntimeStatus   string  `json:"runtime_status"`
	LastRunAt       *string `json:"last_run_at,omitempty"`
	NextRunAt       *string `json:"next_run_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Command = strings.TrimSpace(req.Command)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TaskType != "" && req.TaskType != core.TaskTypeShell {
		writeError(w, http.StatusBadRequest, "task_type must be shell")
		return
	}
	cronExpr := trimmedOrNil(req.CronExpression)
	if msg := s.validateSchedule(cronExpr, req.IntervalSeconds, req.TimeoutSeconds, req.MaxRetries); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	task := &core.Task{
		Name:            req.Name,
		TaskType:        core.TaskTypeShell,
		Command:         req.Command,
		Description:     trimmedOrNil(req.Description),
		Enabled:         req.Enabled == nil || *req.Enabled,
		CronExpression:  cronExpr,
		TimeoutSeconds:  s.opts.DefaultTimeout,
		IntervalSeconds: positiveOrNil(req.IntervalSeconds),
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
		task.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if task.Enabled {
		task.NextRunAt = s.scheduler.ScheduleTask(r.Context(), task)
	}
	writeJSON(w, http.StatusCreated, "task created", s.taskToResponse(r.Context(), task, nil))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	running := s.runningSet(r.Context())
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(r.Context(), t, running))
	}
	writeJSON(w, http.StatusOK, "", res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, "", s.taskToResponse(r.Context(), task, nil))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	var upd core.TaskUpdate
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		upd.Name = &name
	}
	if req.Command != nil {
		cmd := strings.TrimSpace(*req.Command)
		if cmd == "" {
			writeError(w, http.StatusBadRequest, "command cannot be empty")
			return
		}
		upd.Command = &cmd
	}
	if req.Description != nil {
		desc := strings.TrimSpace(*req.Description)
		upd.Description = &desc
	}
	if req.CronExpression != nil {
		if cronExpr := trimmedOrNil(req.CronExpression); cronExpr == nil {
			upd.ClearCron = true
		} else {
			upd.CronExpression = cronExpr
		}
	}
	if req.IntervalSeconds != nil {
		if *req.IntervalSeconds == 0 {
			upd.ClearInterval = true
		} else {
			upd.IntervalSeconds = req.IntervalSeconds
		}
	}
	if msg := s.validateSchedule(upd.CronExpression, upd.IntervalSeconds, req.TimeoutSeconds, req.MaxRetries); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.TimeoutSeconds != nil {
		timeout := *req.TimeoutSeconds
		if timeout == 0 {
			timeout = s.opts.DefaultTimeout
		}
		upd.TimeoutSeconds = &timeout
	}
	upd.MaxRetries = req.MaxRetries
	upd.Enabled = req.Enabled

	if err := s.store.UpdateTask(r.Context(), task.ID, upd); err != nil {
		s.writeTaskError(w, "update task", task.ID, err)
		return
	}
	s.respondRescheduled(w, r, task.ID, "task updated")
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	enabled := !task.Enabled
	if err := s.store.UpdateTask(r.Context(), task.ID, core.TaskUpdate{Enabled: &enabled}); err != nil {
		s.writeTaskError(w, "toggle task", task.ID, err)
		return
	}
	msg := "task disabled"
	if enabled {
		msg = "task enabled"
	}
	s.respondRescheduled(w, r, task.ID, msg)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.scheduler.UnscheduleTask(r.Context(), task.ID)
	if err := s.store.DeleteTask(r.Context(), task.ID); err != nil {
		s.writeTaskError(w, "delete task", task.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, "task deleted", map[string]int64{"id": task.ID})
}

// handleExecuteTask starts the task in the background and returns the
// execution id. With ?wait=true it blocks until the process exits.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(r, "taskID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	run, err := s.scheduler.RunNow(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrTaskRunning):
			writeError(w, http.StatusConflict, "task is already running")
		default:
			s.writeTaskError(w, "execute task", taskID, err)
		}
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-run.Done():
			writeJSON(w, http.StatusOK, "execution finished", executionToResponse(run.Wait()))
		case <-r.Context().Done():
		}
		return
	}
	writeJSON(w, http.StatusAccepted, "execution started", map[string]int64{
		"execution_id": run.ID,
		"task_id":      run.TaskID,
	})
}

func (s *Server) handleListTaskExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), store.DefaultTaskExecutionLimit)
	execs, err := s.store.ListExecutionsByTask(r.Context(), task.ID, limit)
	if err != nil {
		s.logger.Error("list task executions", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, "", executionsToResponse(execs))
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	taskID, ok := pathID(r, "taskID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "get task", taskID, err)
		return nil, false
	}
	return task, true
}

func (s *Server) writeTaskError(w http.ResponseWriter, op string, taskID int64, err error) {
	if errors.Is(err, core.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error(op, "task_id", taskID, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

// respondRescheduled re-reads the task, applies its schedule and writes it.
func (s *Server) respondRescheduled(w http.ResponseWriter, r *http.Request, taskID int64, msg string) {
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "reload task", taskID, err)
		return
	}
	task.NextRunAt = s.scheduler.ScheduleTask(r.Context(), task)
	writeJSON(w, http.StatusOK, msg, s.taskToResponse(r.Context(), task, nil))
}

func (s *Server) validateSchedule(cronExpr *string, interval, timeout, retries *int) string {
	if cronExpr != nil {
		if _, err := core.ParseCron(*cronExpr, s.opts.Location); err != nil {
			return "invalid cron expression: " + err.Error()
		}
	}
	if interval != nil && *interval < 0 {
		return "interval_seconds must be positive"
	}
	if timeout != nil && *timeout < 0 {
		return "timeout_seconds must be non-negative"
	}
	if retries != nil && *retries < 0 {
		return "max_retries must be non-negative"
	}
	return ""
}

func (s *Server) runningSet(ctx context.Context) map[int64]bool {
	set := make(map[int64]bool)
	for _, id := range s.scheduler.ListRunningTaskIDs(ctx) {
		set[id] = true
	}
	return set
}

// taskToResponse renders task. running may be nil, in which case the
// scheduler is asked directly.
func (s *Server) taskToResponse(ctx context.Context, task *core.Task, running map[int64]bool) taskResponse {
	status := runtimeDisabled
	if task.Enabled {
		isRunning := false
		if running != nil {
			isRunning = running[task.ID]
		} else {
			isRunning = s.scheduler.IsRunning(ctx, task.ID)
		}
		status = runtimeEnabledStopped
		if isRunning {
			status = runtimeEnabledRunning
		}
	}
	return taskResponse{
		ID:              task.ID,
		Name:            task.Name,
		TaskType:        task.TaskType,
		Command:         task.Command,
		Description:     task.Description,
		Enabled:         task.Enabled,
		CronExpression:  task.CronExpression,
		IntervalSeconds: task.IntervalSeconds,
		TimeoutSeconds:  task.TimeoutSeconds,
		MaxRetries:      task.MaxRetries,
		RuntimeStatus:   status,
		LastRunAt:       formatTimePtr(task.LastRunAt),
		NextRunAt:       formatTimePtr(task.NextRunAt),
		CreatedAt:       formatTime(task.CreatedAt),
		UpdatedAt:       formatTime(task.UpdatedAt),
	}
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func positiveOrNil(v *int) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}
