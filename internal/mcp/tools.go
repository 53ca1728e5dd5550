package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"servermgr/internal/core"
	"servermgr/internal/store"
)

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseString(request, "filter", "all")
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	running := make(map[int64]bool)
	for _, id := range s.scheduler.ListRunningTaskIDs(ctx) {
		running[id] = true
	}

	var b strings.Builder
	n := 0
	for _, t := range tasks {
		if (filter == "enabled" && !t.Enabled) || (filter == "disabled" && t.Enabled) {
			continue
		}
		n++
		fmt.Fprintf(&b, "[%d] %s (%s)\n", t.ID, t.Name, runtimeStatus(t, running[t.ID]))
		fmt.Fprintf(&b, "  Schedule: %s\n", scheduleText(t))
		fmt.Fprintf(&b, "  Command: %s\n", truncateString(t.Command, 80))
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRunAt))
		}
		b.WriteString("\n")
	}
	if n == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%s", n, b.String())), nil
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %d\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Status: %s\n", runtimeStatus(task, s.scheduler.IsRunning(ctx, task.ID)))
	fmt.Fprintf(&b, "Command: %s\n", task.Command)
	if task.Description != nil {
		fmt.Fprintf(&b, "Description: %s\n", *task.Description)
	}
	fmt.Fprintf(&b, "Schedule: %s\n", scheduleText(task))
	fmt.Fprintf(&b, "Timeout: %d seconds\n", task.TimeoutSeconds)
	fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(task.LastRunAt))
	fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(task.NextRunAt))
	fmt.Fprintf(&b, "Created: %s\n", s.formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	command := strings.TrimSpace(mcp.ParseString(request, "command", ""))
	if name == "" || command == "" {
		return mcp.NewToolResultError("name and command are required"), nil
	}

	task := &core.Task{
		Name:           name,
		TaskType:       core.TaskTypeShell,
		Command:        command,
		Enabled:        mcp.ParseBoolean(request, "enabled", true),
		TimeoutSeconds: s.opts.DefaultTimeout,
	}
	if cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron_expression", "")); cronExpr != "" {
		if _, err := core.ParseCron(cronExpr, s.opts.Location); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
		task.CronExpression = &cronExpr
	}
	if interval := int(mcp.ParseFloat64(request, "interval_seconds", 0)); interval > 0 {
		task.IntervalSeconds = &interval
	}
	if timeout := int(mcp.ParseFloat64(request, "timeout_seconds", 0)); timeout > 0 {
		task.TimeoutSeconds = timeout
	}
	if desc := strings.TrimSpace(mcp.ParseString(request, "description", "")); desc != "" {
		task.Description = &desc
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	if task.Enabled {
		task.NextRunAt = s.scheduler.ScheduleTask(ctx, task)
	}
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name, "source", "mcp")

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %d\nSchedule: %s\nNext run: %s",
		task.ID, scheduleText(task), s.formatTime(task.NextRunAt))), nil
}

func (s *Server) handleToggleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	enabled := !task.Enabled
	if err := s.store.UpdateTask(ctx, task.ID, core.TaskUpdate{Enabled: &enabled}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	task.Enabled = enabled
	next := s.scheduler.ScheduleTask(ctx, task)
	if !enabled {
		return mcp.NewToolResultText(fmt.Sprintf("Task %d disabled", task.ID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %d enabled\nNext run: %s", task.ID, s.formatTime(next))), nil
}

func (s *Server) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	s.scheduler.UnscheduleTask(ctx, task.ID)
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	s.logger.Info("task deleted", "task_id", task.ID, "source", "mcp")
	return mcp.NewToolResultText(fmt.Sprintf("Task %d deleted", task.ID)), nil
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))
	run, err := s.scheduler.RunNow(ctx, taskID)
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID)), nil
	case errors.Is(err, core.ErrTaskRunning):
		return mcp.NewToolResultError(fmt.Sprintf("task %d is already running", taskID)), nil
	case err != nil:
		s.logger.Error("run task now", "task_id", taskID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}

	if !mcp.ParseBoolean(request, "wait", false) {
		return mcp.NewToolResultText(fmt.Sprintf("Task started\nExecution ID: %d", run.ID)), nil
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return mcp.NewToolResultText(fmt.Sprintf("Task still running\nExecution ID: %d", run.ID)), nil
	}
	return mcp.NewToolResultText(s.executionDetail(run.Wait())), nil
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID := int64(mcp.ParseFloat64(request, "execution_id", 0))
	if _, err := s.store.GetExecution(ctx, execID); err != nil {
		if errors.Is(err, core.ErrExecutionNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %d", execID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load execution: %v", err)), nil
	}
	if !s.scheduler.CancelExecution(ctx, execID) {
		return mcp.NewToolResultError(fmt.Sprintf("execution %d is not running", execID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution %d cancelled", execID)), nil
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))

	var (
		execs []*core.Execution
		err   error
	)
	if taskID > 0 {
		execs, err = s.store.ListExecutionsByTask(ctx, taskID, limit)
	} else {
		execs, err = s.store.ListExecutions(ctx, store.ExecutionQuery{
			Limit:  limit,
			Search: mcp.ParseString(request, "search", ""),
		})
	}
	if err != nil {
		s.logger.Error("list executions", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d executions:\n\n", len(execs))
	for _, e := range execs {
		fmt.Fprintf(&b, "[%d] %s %s\n", e.ID, e.TaskName, e.Status)
		fmt.Fprintf(&b, "  Started: %s\n", s.formatTime(e.StartedAt))
		if e.DurationSeconds != nil {
			fmt.Fprintf(&b, "  Duration: %.2fs\n", *e.DurationSeconds)
		}
		if e.ExitCode != nil {
			fmt.Fprintf(&b, "  Exit code: %d\n", *e.ExitCode)
		}
		if e.ErrorMessage != nil {
			fmt.Fprintf(&b, "  Error: %s\n", truncateString(*e.ErrorMessage, 120))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron_expression", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 20 {
		count = 5
	}
	trigger, err := core.ParseCron(expr, s.opts.Location)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\nNext %d fire times (%s):\n", trigger.Expression(), count, s.opts.Location)
	for i, t := range core.NextOccurrences(trigger, time.Now().In(s.opts.Location), count) {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// loadTask resolves the task_id argument. On failure the returned result
// carries the error for the caller.
func (s *Server) loadTask(ctx context.Context, request mcp.CallToolRequest) (*core.Task, *mcp.CallToolResult) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err))
	}
	return task, nil
}

func (s *Server) executionDetail(e *core.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution %d: %s\n", e.ID, e.Status)
	if e.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *e.ExitCode)
	}
	if e.DurationSeconds != nil {
		fmt.Fprintf(&b, "Duration: %.2fs\n", *e.DurationSeconds)
	}
	if e.ErrorMessage != nil {
		fmt.Fprintf(&b, "Error: %s\n", *e.ErrorMessage)
	}
	if e.Stdout != nil && *e.Stdout != "" {
		fmt.Fprintf(&b, "\nStdout:\n%s\n", *e.Stdout)
	}
	if e.Stderr != nil && *e.Stderr != "" {
		fmt.Fprintf(&b, "\nStderr:\n%s\n", *e.Stderr)
	}
	return b.String()
}

func (s *Server) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.opts.Location).Format("2006-01-02 15:04:05")
}

func scheduleText(t *core.Task) string {
	switch {
	case t.CronExpression != nil:
		return "cron " + *t.CronExpression
	case t.IntervalSeconds != nil:
		return fmt.Sprintf("every %ds", *t.IntervalSeconds)
	default:
		return "manual"
	}
}

func runtimeStatus(t *core.Task, running bool) string {
	switch {
	case !t.Enabled:
		return "disabled"
	case running:
		return "enabled_running"
	default:
		return "enabled_stopped"
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
