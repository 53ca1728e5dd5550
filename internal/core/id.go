package core

import (
	"github.com/google/uuid"
)

// NewInstanceID returns a random identifier for this scheduler process.
// It is exposed to child processes and the status endpoint so executions
// can be traced back to the process that launched them.
func NewInstanceID() string {
	return uuid.NewString()
}
