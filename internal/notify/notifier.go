package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"servermgr/internal/core"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// FailureObserver sends a notification for every failed execution.
// Cancelled executions are not reported.
type FailureObserver struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	// sent is signalled after each delivery attempt; tests hook it.
	sent func(error)
}

var _ core.Observer = (*FailureObserver)(nil)

func NewFailureObserver(notifier Notifier, logger *slog.Logger) *FailureObserver {
	return &FailureObserver{notifier: notifier, logger: logger, timeout: 10 * time.Second}
}

func (f *FailureObserver) ExecutionFinished(ctx context.Context, task *core.Task, exec *core.Execution) {
	if exec.Status != core.ExecutionStatusFailed {
		return
	}
	title := fmt.Sprintf("Task failed: %s", task.Name)
	body := failureBody(exec)
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		err := f.notifier.Send(sendCtx, title, body)
		if err != nil {
			f.logger.Warn("send failure notification", "task_id", task.ID, "execution_id", exec.ID, "err", err)
		}
		if f.sent != nil {
			f.sent(err)
		}
	}()
}

func (f *FailureObserver) FiringSkipped(context.Context, int64, core.SkipReason) {}

// stderrTail is how many trailing bytes of stderr a notification carries.
const stderrTail = 300

func failureBody(exec *core.Execution) string {
	body := fmt.Sprintf("Execution #%d", exec.ID)
	if exec.ExitCode != nil {
		body += fmt.Sprintf(", exit code %d", *exec.ExitCode)
	}
	if exec.ErrorMessage != nil {
		body += ": " + *exec.ErrorMessage
	}
	if exec.Stderr != nil && *exec.Stderr != "" {
		tail := *exec.Stderr
		if len(tail) > stderrTail {
			cut := len(tail) - stderrTail
			for cut < len(tail) && !utf8.RuneStart(tail[cut]) {
				cut++
			}
			tail = "..." + tail[cut:]
		}
		body += "\n" + tail
	}
	return body
}
