package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SchedulerOptions configures the coordinator.
type SchedulerOptions struct {
	Location     *time.Location
	MisfireGrace time.Duration
	Observers    []Observer
}

// Scheduler ties the registry, the executor and the ledger together. Only
// one Scheduler should exist per ledger.
type Scheduler struct {
	ledger   Ledger
	executor *Executor
	logger   *slog.Logger
	location *time.Location
	registry *Registry
	obs      observers
	now      func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context

	missMu      sync.Mutex
	missLimiter map[int64]*rate.Limiter
}

// NewScheduler constructs a stopped scheduler.
func NewScheduler(ledger Ledger, executor *Executor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		ledger:      ledger,
		executor:    executor,
		logger:      logger,
		location:    loc,
		obs:         observers(opts.Observers),
		now:         time.Now,
		missLimiter: make(map[int64]*rate.Limiter),
	}
	s.registry = NewRegistry(logger, opts.MisfireGrace, s.handleFiring, s.handleSkip)
	return s
}

// Start marks the scheduler running and schedules every enabled task. ctx is
// used for firings and ledger writes made on their behalf. Calling Start
// twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()
	s.logger.Info("scheduler started", "timezone", s.location.String())

	if err := s.ReloadAll(ctx); err != nil {
		s.logger.Error("initial schedule load", "err", err)
	}
}

// Stop removes every job handle. Executions already in flight keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.registry.Clear()
	s.logger.Info("scheduler stopped")
}

// Running reports whether Start was called without a later Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleTask creates or replaces the job handle of task and persists the
// next fire time. Disabled, manual-only or misconfigured tasks end up
// without a handle and with a cleared next fire time. It never fails; the
// returned time is nil when the task is not scheduled.
func (s *Scheduler) ScheduleTask(ctx context.Context, task *Task) *time.Time {
	if !s.Running() {
		return nil
	}
	if !task.Enabled {
		s.UnscheduleTask(ctx, task.ID)
		return nil
	}
	trigger, err := ResolveTrigger(task, s.now(), s.location)
	if err != nil {
		s.registry.Unschedule(task.ID)
		if errors.Is(err, ErrNoTrigger) {
			s.logger.Debug("task has no trigger, manual only", "task_id", task.ID)
		} else {
			s.logger.Error("invalid schedule, task left unscheduled", "task_id", task.ID, "err", err)
		}
		s.persistNextRun(ctx, task.ID, time.Time{})
		return nil
	}
	next, err := s.registry.Schedule(task.ID, task.Name, trigger)
	if err != nil {
		s.logger.Error("schedule task", "task_id", task.ID, "trigger", trigger.String(), "err", err)
		s.persistNextRun(ctx, task.ID, time.Time{})
		return nil
	}
	s.persistNextRun(ctx, task.ID, next)
	s.logger.Info("task scheduled", "task_id", task.ID, "trigger", trigger.String(), "next_run_at", next)
	return &next
}

// UnscheduleTask removes the handle of taskID and clears its next fire time.
func (s *Scheduler) UnscheduleTask(ctx context.Context, taskID int64) {
	if !s.Running() {
		return
	}
	if s.registry.Unschedule(taskID) {
		s.logger.Info("task unscheduled", "task_id", taskID)
	}
	s.persistNextRun(ctx, taskID, time.Time{})
}

// ReloadAll rebuilds every handle from the enabled tasks in the ledger.
func (s *Scheduler) ReloadAll(ctx context.Context) error {
	if !s.Running() {
		return nil
	}
	tasks, err := s.ledger.ListEnabledTasks(ctx)
	if err != nil {
		return fmt.Errorf("list enabled tasks: %w", err)
	}
	s.registry.Clear()
	for _, task := range tasks {
		s.ScheduleTask(ctx, task)
	}
	s.logger.Info("schedule reloaded", "tasks", len(tasks), "jobs", s.registry.Len())
	return nil
}

// ExecuteNow runs the task immediately and waits for it, whether or not it
// is enabled or scheduled. Its next fire time is not touched.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID int64) (*Execution, error) {
	run, err := s.RunNow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// RunNow is ExecuteNow without waiting for the process to exit.
func (s *Scheduler) RunNow(ctx context.Context, taskID int64) (*Run, error) {
	task, err := s.ledger.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.executor.Start(s.runContext(), task)
}

// CancelExecution stops a live execution.
func (s *Scheduler) CancelExecution(ctx context.Context, executionID int64) bool {
	return s.executor.Cancel(ctx, executionID)
}

// ListScheduled returns the job handles ordered by next fire time.
func (s *Scheduler) ListScheduled() []JobInfo {
	return s.registry.List()
}

// NextRun returns the next fire time of a scheduled task.
func (s *Scheduler) NextRun(taskID int64) (time.Time, bool) {
	info, ok := s.registry.Get(taskID)
	return info.NextFireTime, ok
}

// IsRunning reports whether taskID has a live process.
func (s *Scheduler) IsRunning(ctx context.Context, taskID int64) bool {
	for _, id := range s.ListRunningTaskIDs(ctx) {
		if id == taskID {
			return true
		}
	}
	return false
}

// ListRunningTaskIDs maps the live executions back to their tasks through the
// ledger, falling back to the in-memory table when a record cannot be read.
func (s *Scheduler) ListRunningTaskIDs(ctx context.Context) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, execID := range s.executor.RunningExecutionIDs() {
		var taskID int64
		if rec, err := s.ledger.GetExecution(ctx, execID); err == nil {
			taskID = rec.TaskID
		} else if id, ok := s.executor.RunningTaskID(execID); ok {
			taskID = id
		} else {
			continue
		}
		if _, dup := seen[taskID]; dup {
			continue
		}
		seen[taskID] = struct{}{}
		ids = append(ids, taskID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Scheduler) handleFiring(f Firing) {
	ctx := s.runContext()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in firing handler", "task_id", f.TaskID, "panic", r)
		}
	}()
	defer func() {
		if next, ok := s.NextRun(f.TaskID); ok {
			s.persistNextRun(ctx, f.TaskID, next)
		}
	}()

	task, err := s.ledger.GetTask(ctx, f.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			s.logger.Debug("fired task no longer exists", "task_id", f.TaskID)
			return
		}
		s.logger.Error("fetch task for scheduled run", "task_id", f.TaskID, "err", err)
		return
	}
	if !task.Enabled {
		s.logger.Debug("fired task is disabled", "task_id", f.TaskID)
		return
	}
	if _, err := s.executor.Execute(ctx, task); err != nil {
		if errors.Is(err, ErrTaskRunning) {
			s.handleSkip(f, SkipStillRunning)
			return
		}
		s.logger.Error("execute scheduled task", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) handleSkip(f Firing, reason SkipReason) {
	ctx := s.runContext()
	if reason == SkipStillRunning && s.missAllowed(f.TaskID) {
		s.logger.Warn("missed firing, previous execution still running", "task_id", f.TaskID, "scheduled_at", f.ScheduledAt)
	}
	s.obs.firingSkipped(ctx, f.TaskID, reason)
	if !f.Next.IsZero() {
		s.persistNextRun(ctx, f.TaskID, f.Next)
	}
}

// missAllowed throttles missed-firing warnings to one per minute per task.
func (s *Scheduler) missAllowed(taskID int64) bool {
	s.missMu.Lock()
	defer s.missMu.Unlock()
	lim, ok := s.missLimiter[taskID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		s.missLimiter[taskID] = lim
	}
	return lim.Allow()
}

func (s *Scheduler) persistNextRun(ctx context.Context, taskID int64, next time.Time) {
	upd := TaskUpdate{ClearNextRunAt: true}
	if !next.IsZero() {
		nextUTC := next.UTC()
		upd = TaskUpdate{NextRunAt: &nextUTC}
	}
	if err := s.ledger.UpdateTask(ctx, taskID, upd); err != nil && !errors.Is(err, ErrTaskNotFound) {
		s.logger.Warn("update next_run_at", "task_id", taskID, "err", err)
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
