package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultKillGrace is how long terminated processes get before SIGKILL.
	DefaultKillGrace = 5 * time.Second

	cancelledByUser = "cancelled by user"
)

// ExecutorOptions configures process launching.
type ExecutorOptions struct {
	// Shell is invoked as `<Shell> -l -c <command>`. Defaults to bash.
	Shell string
	// WorkDir defaults to the current user's home directory.
	WorkDir     string
	OutputLimit int
	KillGrace   time.Duration
	InstanceID  string
	Observers   []Observer
}

// Executor runs task commands as child processes and records the outcome.
// It owns the table of live processes, keyed by execution id, and allows at
// most one live process per task.
type Executor struct {
	ledger Ledger
	logger *slog.Logger
	opts   ExecutorOptions
	obs    observers
	now    func() time.Time

	mu     sync.Mutex
	procs  map[int64]*liveProcess
	claims map[int64]struct{}
}

type liveProcess struct {
	executionID int64
	taskID      int64
	pid         int
	startedAt   time.Time
	cmd         *exec.Cmd
	done        chan struct{}
	cancelled   atomic.Bool
	cancelDone  chan struct{}
}

// Run is a launched execution.
type Run struct {
	ID     int64
	TaskID int64

	done   chan struct{}
	result *Execution
}

// Done is closed once the execution reached a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the execution finishes and returns its final record.
func (r *Run) Wait() *Execution {
	<-r.done
	return r.result
}

// NewExecutor creates an executor backed by ledger.
func NewExecutor(ledger Ledger, logger *slog.Logger, opts ExecutorOptions) *Executor {
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	if opts.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.WorkDir = home
		}
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Executor{
		ledger: ledger,
		logger: logger,
		opts:   opts,
		obs:    observers(opts.Observers),
		now:    time.Now,
		procs:  make(map[int64]*liveProcess),
		claims: make(map[int64]struct{}),
	}
}

// Execute runs task to completion and returns the final execution record.
func (e *Executor) Execute(ctx context.Context, task *Task) (*Execution, error) {
	run, err := e.Start(ctx, task)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start creates a pending execution record and launches the task in the
// background. It returns ErrTaskRunning without creating a record when the
// task already has a live execution.
func (e *Executor) Start(ctx context.Context, task *Task) (*Run, error) {
	if !e.claim(task.ID) {
		return nil, ErrTaskRunning
	}
	record := &Execution{
		TaskID:    task.ID,
		TaskName:  task.Name,
		Command:   task.Command,
		Status:    ExecutionStatusPending,
		CreatedAt: e.now().UTC(),
	}
	if err := e.ledger.CreateExecution(ctx, record); err != nil {
		e.release(task.ID)
		return nil, fmt.Errorf("create execution: %w", err)
	}
	run := &Run{ID: record.ID, TaskID: task.ID, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer e.release(task.ID)
		run.result = e.run(ctx, task, record)
	}()
	return run, nil
}

func (e *Executor) run(ctx context.Context, task *Task, record *Execution) *Execution {
	// Terminal states must be written even when ctx is the reason we stopped.
	persistCtx := context.WithoutCancel(ctx)

	startedAt := e.now().UTC()
	record.Status = ExecutionStatusRunning
	record.StartedAt = &startedAt
	e.update(persistCtx, record.ID, ExecutionUpdate{Status: ptr(ExecutionStatusRunning), StartedAt: &startedAt})

	stdout := newCappedBuffer(e.opts.OutputLimit)
	stderr := newCappedBuffer(e.opts.OutputLimit)
	cmd := e.command(task, record.ID)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.opts.KillGrace

	if err := cmd.Start(); err != nil {
		e.logger.Error("start command", "task_id", task.ID, "execution_id", record.ID, "err", err)
		return e.finish(persistCtx, task, record, startedAt, ExecutionUpdate{
			Status:       ptr(ExecutionStatusFailed),
			ErrorMessage: ptr(fmt.Sprintf("failed to start command: %v", err)),
		})
	}

	lp := &liveProcess{
		executionID: record.ID,
		taskID:      task.ID,
		pid:         cmd.Process.Pid,
		startedAt:   startedAt,
		cmd:         cmd,
		done:        make(chan struct{}),
		cancelDone:  make(chan struct{}),
	}
	e.register(lp)
	defer e.unregister(record.ID)
	record.PID = &lp.pid
	e.update(persistCtx, record.ID, ExecutionUpdate{PID: &lp.pid})
	e.logger.Info("execution started", "task_id", task.ID, "execution_id", record.ID, "pid", lp.pid)

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(lp.done)
	}()

	timeout := task.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, interrupted bool
	select {
	case <-lp.done:
	case <-timer.C:
		if lp.cancelled.CompareAndSwap(false, true) {
			timedOut = true
			e.logger.Warn("task exceeded timeout, terminating", "task_id", task.ID, "execution_id", record.ID, "timeout", timeout)
			e.stopTree(lp)
		}
	case <-ctx.Done():
		if lp.cancelled.CompareAndSwap(false, true) {
			interrupted = true
			e.logger.Warn("execution context done, terminating", "task_id", task.ID, "execution_id", record.ID, "err", ctx.Err())
			e.stopTree(lp)
		}
	}
	<-lp.done

	if lp.cancelled.Load() && !timedOut && !interrupted {
		// Cancel owns the terminal state; add the output captured until then.
		<-lp.cancelDone
		e.update(persistCtx, record.ID, ExecutionUpdate{
			Stdout: ptr(stdout.String()),
			Stderr: ptr(stderr.String()),
		})
		final, err := e.ledger.GetExecution(persistCtx, record.ID)
		if err != nil {
			completed := e.now().UTC()
			record.Status = ExecutionStatusCancelled
			record.CompletedAt = &completed
			record.ErrorMessage = ptr(cancelledByUser)
			record.Stdout = ptr(stdout.String())
			record.Stderr = ptr(stderr.String())
			final = record
		}
		e.touchLastRun(persistCtx, task.ID, e.now().UTC())
		e.obs.executionFinished(persistCtx, task, final)
		return final
	}

	upd := ExecutionUpdate{
		Stdout: ptr(stdout.String()),
		Stderr: ptr(stderr.String()),
	}
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case timedOut:
		upd.Status = ptr(ExecutionStatusFailed)
		upd.ExitCode = ptr(-1)
		upd.ErrorMessage = ptr(fmt.Sprintf("task timed out after %d seconds", int(timeout/time.Second)))
	case interrupted:
		upd.Status = ptr(ExecutionStatusCancelled)
		upd.ExitCode = &exitCode
		upd.ErrorMessage = ptr(fmt.Sprintf("execution interrupted: %v", ctx.Err()))
	case exitCode == 0:
		upd.Status = ptr(ExecutionStatusCompleted)
		upd.ExitCode = &exitCode
		if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
			upd.ErrorMessage = ptr(waitErr.Error())
		}
	case exitCode == -1:
		upd.Status = ptr(ExecutionStatusFailed)
		upd.ExitCode = &exitCode
		upd.ErrorMessage = ptr(fmt.Sprintf("process terminated: %v", waitErr))
	default:
		upd.Status = ptr(ExecutionStatusFailed)
		upd.ExitCode = &exitCode
		upd.ErrorMessage = ptr(fmt.Sprintf("process exited with code %d", exitCode))
	}
	return e.finish(persistCtx, task, record, startedAt, upd)
}

// finish stamps completion, persists the terminal state and notifies observers.
func (e *Executor) finish(ctx context.Context, task *Task, record *Execution, startedAt time.Time, upd ExecutionUpdate) *Execution {
	completed := e.now().UTC()
	duration := completed.Sub(startedAt).Seconds()
	upd.CompletedAt = &completed
	upd.DurationSeconds = &duration
	e.update(ctx, record.ID, upd)
	applyExecutionUpdate(record, upd)
	e.touchLastRun(ctx, task.ID, completed)

	level := slog.LevelInfo
	if record.Status != ExecutionStatusCompleted {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "execution finished", "task_id", task.ID, "execution_id", record.ID,
		"status", record.Status, "duration", time.Duration(duration*float64(time.Second)))
	e.obs.executionFinished(ctx, task, record)
	return record
}

// Cancel terminates the live process of an execution together with its
// descendants and marks the record cancelled. It reports false when no live
// process is registered for executionID or it is already being stopped.
func (e *Executor) Cancel(ctx context.Context, executionID int64) bool {
	e.mu.Lock()
	lp, ok := e.procs[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !lp.cancelled.CompareAndSwap(false, true) {
		return false
	}
	defer close(lp.cancelDone)
	defer e.unregister(executionID)

	e.logger.Info("cancelling execution", "task_id", lp.taskID, "execution_id", executionID, "pid", lp.pid)
	e.stopTree(lp)

	completed := e.now().UTC()
	duration := completed.Sub(lp.startedAt).Seconds()
	e.update(context.WithoutCancel(ctx), executionID, ExecutionUpdate{
		Status:          ptr(ExecutionStatusCancelled),
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		ErrorMessage:    ptr(cancelledByUser),
	})
	return true
}

// stopTree terminates the descendants and then the process itself, waits up
// to the kill grace and kills whatever is left.
func (e *Executor) stopTree(lp *liveProcess) {
	ctx := context.Background()
	children, err := descendants(ctx, lp.pid)
	if err != nil {
		e.logger.Warn("list child processes", "execution_id", lp.executionID, "pid", lp.pid, "err", err)
	}
	for _, child := range children {
		_ = child.TerminateWithContext(ctx)
	}
	sendTermination(lp.cmd.Process)

	if e.waitExit(ctx, lp, children, e.opts.KillGrace) {
		return
	}
	e.logger.Warn("processes survived termination, killing", "execution_id", lp.executionID, "pid", lp.pid)
	for _, child := range children {
		if processAlive(ctx, child) {
			_ = child.KillWithContext(ctx)
		}
	}
	_ = lp.cmd.Process.Kill()
}

func (e *Executor) waitExit(ctx context.Context, lp *liveProcess, children []*process.Process, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	select {
	case <-lp.done:
	case <-deadline.C:
		return false
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for anyAlive(ctx, children) {
		select {
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
	return true
}

// RunningExecutionIDs lists the executions with a live process.
func (e *Executor) RunningExecutionIDs() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RunningTaskID returns the task of a live execution.
func (e *Executor) RunningTaskID(executionID int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lp, ok := e.procs[executionID]
	if !ok {
		return 0, false
	}
	return lp.taskID, true
}

// TaskBusy reports whether task has an execution in flight.
func (e *Executor) TaskBusy(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.claims[taskID]
	return ok
}

func (e *Executor) claim(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.claims[taskID]; ok {
		return false
	}
	e.claims[taskID] = struct{}{}
	return true
}

func (e *Executor) release(taskID int64) {
	e.mu.Lock()
	delete(e.claims, taskID)
	e.mu.Unlock()
}

func (e *Executor) register(lp *liveProcess) {
	e.mu.Lock()
	e.procs[lp.executionID] = lp
	e.mu.Unlock()
}

func (e *Executor) unregister(executionID int64) {
	e.mu.Lock()
	delete(e.procs, executionID)
	e.mu.Unlock()
}

func (e *Executor) update(ctx context.Context, id int64, upd ExecutionUpdate) {
	if err := e.ledger.UpdateExecution(ctx, id, upd); err != nil {
		e.logger.Error("update execution", "execution_id", id, "err", err)
	}
}

func (e *Executor) touchLastRun(ctx context.Context, taskID int64, at time.Time) {
	if err := e.ledger.UpdateTask(ctx, taskID, TaskUpdate{LastRunAt: &at}); err != nil {
		e.logger.Warn("update last_run_at", "task_id", taskID, "err", err)
	}
}

func (e *Executor) command(task *Task, executionID int64) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", task.Command) // #nosec G204
	} else {
		cmd = exec.Command(e.opts.Shell, "-l", "-c", task.Command) // #nosec G204
	}
	cmd.Dir = e.opts.WorkDir
	env := os.Environ()
	if os.Getenv("SHELL") == "" {
		env = append(env, "SHELL=/bin/bash")
	}
	env = append(env,
		fmt.Sprintf("SERVERMGR_TASK_ID=%d", task.ID),
		fmt.Sprintf("SERVERMGR_EXECUTION_ID=%d", executionID),
	)
	if e.opts.InstanceID != "" {
		env = append(env, "SERVERMGR_INSTANCE_ID="+e.opts.InstanceID)
	}
	cmd.Env = env
	return cmd
}

func applyExecutionUpdate(record *Execution, upd ExecutionUpdate) {
	if upd.Status != nil {
		record.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		record.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		record.CompletedAt = upd.CompletedAt
	}
	if upd.DurationSeconds != nil {
		record.DurationSeconds = upd.DurationSeconds
	}
	if upd.ExitCode != nil {
		record.ExitCode = upd.ExitCode
	}
	if upd.Stdout != nil {
		record.Stdout = upd.Stdout
	}
	if upd.Stderr != nil {
		record.Stderr = upd.Stderr
	}
	if upd.ErrorMessage != nil {
		record.ErrorMessage = upd.ErrorMessage
	}
	if upd.PID != nil {
		record.PID = upd.PID
	}
}

func sendTermination(p *os.Process) {
	if p == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = p.Kill()
		return
	}
	_ = p.Signal(syscall.SIGTERM)
}
