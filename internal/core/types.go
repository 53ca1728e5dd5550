package core

import (
	"errors"
	"time"
)

// ExecutionStatus describes the state of an individual execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// TaskTypeShell is the only supported task type.
const TaskTypeShell = "shell"

// DefaultTimeoutSeconds applies when a task carries no positive timeout.
const DefaultTimeoutSeconds = 300

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrTaskRunning       = errors.New("task is already running")
)

// Task is a recurring (or manual-only) shell command definition.
// CronExpression takes precedence over IntervalSeconds when both are set.
type Task struct {
	ID              int64
	Name            string
	TaskType        string
	Command         string
	Description     *string
	Enabled         bool
	CronExpression  *string
	IntervalSeconds *int
	TimeoutSeconds  int
	MaxRetries      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRunAt       *time.Time
	NextRunAt       *time.Time
}

// Timeout returns the effective execution timeout.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// TaskUpdate carries a partial task update. Nil fields are left untouched;
// the Clear flags null out the corresponding column.
type TaskUpdate struct {
	Name            *string
	Command         *string
	Description     *string
	Enabled         *bool
	CronExpression  *string
	IntervalSeconds *int
	TimeoutSeconds  *int
	MaxRetries      *int
	LastRunAt       *time.Time
	NextRunAt       *time.Time

	ClearCron      bool
	ClearInterval  bool
	ClearNextRunAt bool
}

// Execution captures a single run of a task.
type Execution struct {
	ID              int64
	TaskID          int64
	TaskName        string
	Command         string
	Status          ExecutionStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ExitCode        *int
	Stdout          *string
	Stderr          *string
	ErrorMessage    *string
	PID             *int
	CreatedAt       time.Time
}

// ExecutionUpdate carries a partial execution update. Nil fields are left untouched.
type ExecutionUpdate struct {
	Status          *ExecutionStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ExitCode        *int
	Stdout          *string
	Stderr          *string
	ErrorMessage    *string
	PID             *int
}

// Device is a LAN host that can be woken with a magic packet.
type Device struct {
	ID          int64
	Name        string
	Hostname    *string
	IPAddress   *string
	MACAddress  string
	Description *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func ptr[T any](v T) *T {
	return &v
}
