package store

import (
	"context"
	"fmt"
	"time"

	"servermgr/internal/core"
)

const interruptedMessage = "interrupted by restart"

// RecoverInterrupted fails executions left pending or running by a previous
// process. Call it before the scheduler starts.
func (s *Store) RecoverInterrupted(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE executions
		SET status = ?, error_message = ?, completed_at = ?
		WHERE status IN (?, ?)
	`, string(core.ExecutionStatusFailed), interruptedMessage, formatTime(now),
		string(core.ExecutionStatusPending), string(core.ExecutionStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted executions: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExecutions removes finished executions created before cutoff.
func (s *Store) CleanupExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM executions
		WHERE created_at < ? AND status NOT IN (?, ?)
	`, formatTime(cutoff), string(core.ExecutionStatusPending), string(core.ExecutionStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("cleanup executions: %w", err)
	}
	return res.RowsAffected()
}

// CountExecutions returns the number of executions per status.
func (s *Store) CountExecutions(ctx context.Context) (map[core.ExecutionStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(1) FROM executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()
	counts := make(map[core.ExecutionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan execution count: %w", err)
		}
		counts[core.ExecutionStatus(status)] = n
	}
	return counts, rows.Err()
}
