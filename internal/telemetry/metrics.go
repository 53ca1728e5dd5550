package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"servermgr/internal/core"
)

// Metrics records execution outcomes. It implements core.Observer.
type Metrics struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	skipped    metric.Int64Counter
}

var _ core.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on the global meter provider, so call
// it after Setup when exporting is wanted.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(InstrumentationName))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	executions, err := meter.Int64Counter("servermgr.executions",
		metric.WithDescription("Finished task executions by status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, fmt.Errorf("create executions counter: %w", err)
	}
	duration, err := meter.Float64Histogram("servermgr.execution.duration",
		metric.WithDescription("Wall-clock duration of task executions"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	skipped, err := meter.Int64Counter("servermgr.firings.skipped",
		metric.WithDescription("Scheduled firings that did not run"),
		metric.WithUnit("{firing}"))
	if err != nil {
		return nil, fmt.Errorf("create skipped counter: %w", err)
	}
	return &Metrics{executions: executions, duration: duration, skipped: skipped}, nil
}

func (m *Metrics) ExecutionFinished(ctx context.Context, task *core.Task, exec *core.Execution) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(exec.Status)),
		attribute.String("task", task.Name),
	)
	m.executions.Add(ctx, 1, attrs)
	if exec.DurationSeconds != nil {
		m.duration.Record(ctx, *exec.DurationSeconds, attrs)
	}
}

func (m *Metrics) FiringSkipped(ctx context.Context, taskID int64, reason core.SkipReason) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("task_id", taskID),
		attribute.String("reason", string(reason)),
	))
}
