package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"servermgr/internal/core"
)

// TaskStore is the subset of the ledger the syncer writes to.
type TaskStore interface {
	GetTaskByName(ctx context.Context, name string) (*core.Task, error)
	CreateTask(ctx context.Context, task *core.Task) error
	UpdateTask(ctx context.Context, id int64, upd core.TaskUpdate) error
}

// Reloader rebuilds the schedule after the ledger changed.
type Reloader interface {
	ReloadAll(ctx context.Context) error
}

type Result struct {
	Created   int
	Updated   int
	Unchanged int
}

func (r Result) Changed() bool { return r.Created+r.Updated > 0 }

// Syncer upserts manifest tasks by name. Tasks absent from the manifest are
// left alone.
type Syncer struct {
	store    TaskStore
	reloader Reloader
	logger   *slog.Logger
}

func NewSyncer(store TaskStore, reloader Reloader, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, reloader: reloader, logger: logger}
}

// Sync applies m and reloads the schedule when any task changed.
func (s *Syncer) Sync(ctx context.Context, m *Manifest) (Result, error) {
	var res Result
	for _, spec := range m.Tasks {
		existing, err := s.store.GetTaskByName(ctx, spec.Name)
		switch {
		case errors.Is(err, core.ErrTaskNotFound):
			task := spec.toTask()
			if err := s.store.CreateTask(ctx, task); err != nil {
				return res, fmt.Errorf("create task %q: %w", spec.Name, err)
			}
			s.logger.Info("manifest task created", "task_id", task.ID, "name", task.Name)
			res.Created++
		case err != nil:
			return res, fmt.Errorf("lookup task %q: %w", spec.Name, err)
		default:
			upd, changed := spec.diff(existing)
			if !changed {
				res.Unchanged++
				continue
			}
			if err := s.store.UpdateTask(ctx, existing.ID, upd); err != nil {
				return res, fmt.Errorf("update task %q: %w", spec.Name, err)
			}
			s.logger.Info("manifest task updated", "task_id", existing.ID, "name", existing.Name)
			res.Updated++
		}
	}
	if res.Changed() && s.reloader != nil {
		if err := s.reloader.ReloadAll(ctx); err != nil {
			return res, fmt.Errorf("reload schedule: %w", err)
		}
	}
	return res, nil
}

// SyncFile loads path and syncs it.
func (s *Syncer) SyncFile(ctx context.Context, path string) (Result, error) {
	m, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return s.Sync(ctx, m)
}

func (t TaskSpec) toTask() *core.Task {
	task := &core.Task{
		Name:           t.Name,
		TaskType:       core.TaskTypeShell,
		Command:        t.Command,
		Enabled:        t.enabled(),
		TimeoutSeconds: t.TimeoutSeconds,
		MaxRetries:     t.MaxRetries,
	}
	if t.Description != "" {
		task.Description = &t.Description
	}
	if t.Cron != "" {
		task.CronExpression = &t.Cron
	}
	if t.IntervalSeconds > 0 {
		task.IntervalSeconds = &t.IntervalSeconds
	}
	return task
}

// diff builds the update that turns existing into t.
func (t TaskSpec) diff(existing *core.Task) (core.TaskUpdate, bool) {
	var upd core.TaskUpdate
	changed := false
	if existing.Command != t.Command {
		upd.Command = &t.Command
		changed = true
	}
	if deref(existing.Description) != t.Description {
		upd.Description = &t.Description
		changed = true
	}
	if existing.Enabled != t.enabled() {
		enabled := t.enabled()
		upd.Enabled = &enabled
		changed = true
	}

	wantCron := t.Cron
	if wantCron != "" {
		if norm, err := core.NormalizeCron(wantCron); err == nil {
			wantCron = norm
		}
	}
	switch {
	case wantCron == "" && existing.CronExpression != nil:
		upd.ClearCron = true
		changed = true
	case wantCron != "" && deref(existing.CronExpression) != wantCron:
		upd.CronExpression = &wantCron
		changed = true
	}

	switch {
	case t.IntervalSeconds == 0 && existing.IntervalSeconds != nil:
		upd.ClearInterval = true
		changed = true
	case t.IntervalSeconds > 0 && (existing.IntervalSeconds == nil || *existing.IntervalSeconds != t.IntervalSeconds):
		upd.IntervalSeconds = &t.IntervalSeconds
		changed = true
	}

	timeout := t.TimeoutSeconds
	if timeout <= 0 {
		timeout = core.DefaultTimeoutSeconds
	}
	if existing.TimeoutSeconds != timeout {
		upd.TimeoutSeconds = &timeout
		changed = true
	}
	if existing.MaxRetries != t.MaxRetries {
		upd.MaxRetries = &t.MaxRetries
		changed = true
	}
	return upd, changed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
