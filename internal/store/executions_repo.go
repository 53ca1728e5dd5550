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

const executionColumns = `id, task_id, task_name, command, status, started_at, completed_at, duration_seconds,
	exit_code, stdout, stderr, error_message, pid, created_at`

const (
	DefaultExecutionLimit     = 100
	DefaultTaskExecutionLimit = 50
)

// ExecutionQuery filters and orders the execution history.
type ExecutionQuery struct {
	Limit int
	// Search is a case-insensitive substring matched against task name,
	// command, stdout and stderr.
	Search string
	// SortBy is one of created_at, started_at, task_name, status. Anything
	// else sorts by created_at.
	SortBy string
	// SortOrder is asc or desc (default).
	SortOrder string
}

var sortColumns = map[string]string{
	"created_at": "created_at",
	"started_at": "started_at",
	"task_name":  "task_name",
	"status":     "status",
}

const searchClause = `(LOWER(task_name) LIKE ? ESCAPE '\' OR LOWER(command) LIKE ? ESCAPE '\' ` +
	`OR LOWER(COALESCE(stdout, '')) LIKE ? ESCAPE '\' OR LOWER(COALESCE(stderr, '')) LIKE ? ESCAPE '\')`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// searchArgs matches search as a plain substring.
func searchArgs(search string) []any {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(search)) + "%"
	return []any{pattern, pattern, pattern, pattern}
}

// CreateExecution inserts exec and fills in its id.
func (s *Store) CreateExecution(ctx context.Context, exec *core.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = core.ExecutionStatusPending
	}
	err := s.queryRow(ctx, `
		INSERT INTO executions (task_id, task_name, command, status, started_at, completed_at, duration_seconds,
			exit_code, stdout, stderr, error_message, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, exec.TaskID, exec.TaskName, exec.Command, string(exec.Status), nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt), nullableFloat(exec.DurationSeconds), nullableInt(exec.ExitCode),
		nullableString(exec.Stdout), nullableString(exec.Stderr), nullableString(exec.ErrorMessage),
		nullableInt(exec.PID), formatTime(exec.CreatedAt),
	).Scan(&exec.ID)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution applies a partial update.
func (s *Store) UpdateExecution(ctx context.Context, id int64, upd core.ExecutionUpdate) error {
	var set setList
	if upd.Status != nil {
		set.add("status", string(*upd.Status))
	}
	if upd.StartedAt != nil {
		set.add("started_at", formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		set.add("completed_at", formatTime(*upd.CompletedAt))
	}
	if upd.DurationSeconds != nil {
		set.add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.ExitCode != nil {
		set.add("exit_code", *upd.ExitCode)
	}
	if upd.Stdout != nil {
		set.add("stdout", *upd.Stdout)
	}
	if upd.Stderr != nil {
		set.add("stderr", *upd.Stderr)
	}
	if upd.ErrorMessage != nil {
		set.add("error_message", *upd.ErrorMessage)
	}
	if upd.PID != nil {
		set.add("pid", *upd.PID)
	}
	if set.empty() {
		return nil
	}
	res, err := s.exec(ctx, `UPDATE executions SET `+set.clause()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrExecutionNotFound
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*core.Execution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListExecutionsByTask returns the most recent executions of a task.
func (s *Store) ListExecutionsByTask(ctx context.Context, taskID int64, limit int) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = DefaultTaskExecutionLimit
	}
	return s.listExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, taskID, limit)
}

// ListExecutions searches and sorts the execution history.
func (s *Store) ListExecutions(ctx context.Context, q ExecutionQuery) ([]*core.Execution, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	col, ok := sortColumns[strings.ToLower(q.SortBy)]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		dir = "ASC"
	}

	var (
		where string
		args  []any
	)
	if search := strings.TrimSpace(q.Search); search != "" {
		where = "WHERE " + searchClause
		args = searchArgs(search)
	}
	args = append(args, limit)
	return s.listExecutions(ctx, fmt.Sprintf(`
		SELECT %s
		FROM executions
		%s
		ORDER BY %s %s, id %s
		LIMIT ?
	`, executionColumns, where, col, dir, dir), args...)
}

// DeleteExecutions removes executions matching search and/or taskName.
// With neither filter every execution is removed.
func (s *Store) DeleteExecutions(ctx context.Context, search, taskName string) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if search = strings.TrimSpace(search); search != "" {
		conds = append(conds, searchClause)
		args = append(args, searchArgs(search)...)
	}
	if taskName = strings.TrimSpace(taskName); taskName != "" {
		conds = append(conds, "task_name = ?")
		args = append(args, taskName)
	}
	query := `DELETE FROM executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]*core.Execution, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func scanExecution(row scanner) (*core.Execution, error) {
	var (
		exec        core.Execution
		status      string
		startedAt   sql.NullString
		completedAt sql.NullString
		duration    sql.NullFloat64
		exitCode    sql.NullInt64
		stdout      sql.NullString
		stderr      sql.NullString
		errMsg      sql.NullString
		pid         sql.NullInt64
		createdAt   string
	)
	if err := row.Scan(&exec.ID, &exec.TaskID, &exec.TaskName, &exec.Command, &status, &startedAt, &completedAt,
		&duration, &exitCode, &stdout, &stderr, &errMsg, &pid, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = core.ExecutionStatus(status)
	exec.ExitCode = nullInt(exitCode)
	exec.Stdout = nullString(stdout)
	exec.Stderr = nullString(stderr)
	exec.ErrorMessage = nullString(errMsg)
	exec.PID = nullInt(pid)
	if duration.Valid {
		d := duration.Float64
		exec.DurationSeconds = &d
	}

	var err error
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}
