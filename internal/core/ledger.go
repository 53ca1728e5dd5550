package core

import (
	"context"
)

// Ledger is the persistence the scheduler and executor depend on.
type Ledger interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListEnabledTasks(ctx context.Context) ([]*Task, error)
	UpdateTask(ctx context.Context, id int64, upd TaskUpdate) error

	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, id int64, upd ExecutionUpdate) error
	GetExecution(ctx context.Context, id int64) (*Execution, error)
}

// Observer is notified about execution outcomes and skipped firings.
// Implementations must not block.
type Observer interface {
	ExecutionFinished(ctx context.Context, task *Task, exec *Execution)
	FiringSkipped(ctx context.Context, taskID int64, reason SkipReason)
}

type observers []Observer

func (o observers) executionFinished(ctx context.Context, task *Task, exec *Execution) {
	for _, obs := range o {
		obs.ExecutionFinished(ctx, task, exec)
	}
}

func (o observers) firingSkipped(ctx context.Context, taskID int64, reason SkipReason) {
	for _, obs := range o {
		obs.FiringSkipped(ctx, taskID, reason)
	}
}
