package core

import (
	"context"
	"sort"
	"sync"
)

// memLedger is an in-memory Ledger for tests.
type memLedger struct {
	mu     sync.Mutex
	tasks  map[int64]*Task
	execs  map[int64]*Execution
	nextID int64
}

func newMemLedger(tasks ...*Task) *memLedger {
	l := &memLedger{tasks: make(map[int64]*Task), execs: make(map[int64]*Execution)}
	for _, t := range tasks {
		cp := *t
		l.tasks[t.ID] = &cp
	}
	return l
}

func (l *memLedger) GetTask(_ context.Context, id int64) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *memLedger) ListEnabledTasks(context.Context) ([]*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Task
	for _, t := range l.tasks {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) UpdateTask(_ context.Context, id int64, upd TaskUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if upd.Enabled != nil {
		t.Enabled = *upd.Enabled
	}
	if upd.LastRunAt != nil {
		t.LastRunAt = upd.LastRunAt
	}
	if upd.NextRunAt != nil {
		t.NextRunAt = upd.NextRunAt
	}
	if upd.ClearNextRunAt {
		t.NextRunAt = nil
	}
	return nil
}

func (l *memLedger) CreateExecution(_ context.Context, exec *Execution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	exec.ID = l.nextID
	cp := *exec
	l.execs[exec.ID] = &cp
	return nil
}

func (l *memLedger) UpdateExecution(_ context.Context, id int64, upd ExecutionUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.execs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	applyExecutionUpdate(rec, upd)
	return nil
}

func (l *memLedger) GetExecution(_ context.Context, id int64) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *memLedger) executionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.execs)
}

func (l *memLedger) task(id int64) Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.tasks[id]
}
