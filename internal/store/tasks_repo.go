package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"servermgr/internal/core"
)

const taskColumns = `id, name, task_type, command, description, enabled, cron_expression, interval_seconds,
	timeout_seconds, max_retries, created_at, updated_at, last_run_at, next_run_at`

// CreateTask inserts task and fills in its id and timestamps. A valid cron
// expression is stored in its 6-field form.
func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.TaskType == "" {
		task.TaskType = core.TaskTypeShell
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = core.DefaultTimeoutSeconds
	}
	task.CronExpression = normalizeCronPtr(task.CronExpression)

	err := s.queryRow(ctx, `
		INSERT INTO tasks (name, task_type, command, description, enabled, cron_expression, interval_seconds,
			timeout_seconds, max_retries, created_at, updated_at, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, task.Name, task.TaskType, task.Command, nullableString(task.Description), boolToInt(task.Enabled),
		nullableString(task.CronExpression), nullableInt(task.IntervalSeconds), task.TimeoutSeconds, task.MaxRetries,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt), nullableTime(task.LastRunAt), nullableTime(task.NextRunAt),
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask applies a partial update.
func (s *Store) UpdateTask(ctx context.Context, id int64, upd core.TaskUpdate) error {
	var set setList
	if upd.Name != nil {
		set.add("name", *upd.Name)
	}
	if upd.Command != nil {
		set.add("command", *upd.Command)
	}
	if upd.Description != nil {
		set.add("description", *upd.Description)
	}
	if upd.Enabled != nil {
		set.add("enabled", boolToInt(*upd.Enabled))
	}
	switch {
	case upd.ClearCron:
		set.add("cron_expression", nil)
	case upd.CronExpression != nil:
		set.add("cron_expression", nullableString(normalizeCronPtr(upd.CronExpression)))
	}
	switch {
	case upd.ClearInterval:
		set.add("interval_seconds", nil)
	case upd.IntervalSeconds != nil:
		set.add("interval_seconds", *upd.IntervalSeconds)
	}
	if upd.TimeoutSeconds != nil {
		set.add("timeout_seconds", *upd.TimeoutSeconds)
	}
	if upd.MaxRetries != nil {
		set.add("max_retries", *upd.MaxRetries)
	}
	if upd.LastRunAt != nil {
		set.add("last_run_at", formatTime(*upd.LastRunAt))
	}
	switch {
	case upd.ClearNextRunAt:
		set.add("next_run_at", nil)
	case upd.NextRunAt != nil:
		set.add("next_run_at", formatTime(*upd.NextRunAt))
	}
	set.add("updated_at", formatTime(time.Now()))

	res, err := s.exec(ctx, `UPDATE tasks SET `+set.clause()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task together with its execution history.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM executions WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("delete task executions: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return tx.Commit()
}

func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// GetTaskByName returns the oldest task with the given name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*core.Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ? ORDER BY id LIMIT 1`, name)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

func (s *Store) ListEnabledTasks(ctx context.Context) ([]*core.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 ORDER BY id`)
}

// CountTasks returns the total and enabled task counts.
func (s *Store) CountTasks(ctx context.Context) (total, enabled int, err error) {
	err = s.queryRow(ctx, `SELECT COUNT(1), COALESCE(SUM(enabled), 0) FROM tasks`).Scan(&total, &enabled)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, enabled, nil
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		task        core.Task
		description sql.NullString
		enabled     int64
		cronExpr    sql.NullString
		interval    sql.NullInt64
		createdAt   string
		updatedAt   string
		lastRun     sql.NullString
		nextRun     sql.NullString
	)
	if err := row.Scan(&task.ID, &task.Name, &task.TaskType, &task.Command, &description, &enabled, &cronExpr,
		&interval, &task.TimeoutSeconds, &task.MaxRetries, &createdAt, &updatedAt, &lastRun, &nextRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Description = nullString(description)
	task.Enabled = enabled != 0
	task.CronExpression = nullString(cronExpr)
	task.IntervalSeconds = nullInt(interval)

	var err error
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if task.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if task.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	return &task, nil
}

// normalizeCronPtr stores valid expressions in 6-field form. Empty strings
// become NULL; anything else is kept verbatim for the scheduler to reject.
func normalizeCronPtr(expr *string) *string {
	if expr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*expr)
	if trimmed == "" {
		return nil
	}
	if _, err := core.ParseCron(trimmed, time.UTC); err != nil {
		return &trimmed
	}
	normalized, _ := core.NormalizeCron(trimmed)
	return &normalized
}
