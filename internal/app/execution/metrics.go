package execution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/patrolshift/taskcore/internal/domain/execution"
)

// ExecutorMetrics defines metrics operations for the task executor.
type ExecutorMetrics interface {
	// IncTaskStarted records one execution attempt beginning.
	IncTaskStarted(ctx context.Context, taskName string)

	// IncTaskSuccess records a completed execution.
	IncTaskSuccess(ctx context.Context, taskName string)

	// IncTaskFailure records a failed execution by failure kind.
	IncTaskFailure(ctx context.Context, taskName string, kind execution.FailureKind)

	// IncTaskRetry records a scheduled retry with the failure kind that
	// caused it. The attempt label is clamped to keep cardinality bounded.
	IncTaskRetry(ctx context.Context, taskName string, attempt int, kind execution.FailureKind)

	// IncCircuitRejected records a submission refused by an open circuit.
	IncCircuitRejected(ctx context.Context, service string)

	// ObserveTaskDuration records how long one execution attempt took.
	ObserveTaskDuration(ctx context.Context, taskName string, duration time.Duration)
}

// executorMetrics implements ExecutorMetrics.
type executorMetrics struct {
	tasksStarted     metric.Int64Counter
	tasksSucceeded   metric.Int64Counter
	tasksFailed      metric.Int64Counter
	taskRetries      metric.Int64Counter
	circuitRejected  metric.Int64Counter
	taskDurationSecs metric.Float64Histogram
}

var _ ExecutorMetrics = (*executorMetrics)(nil)

const namespace = "task_execution"

// NewExecutorMetrics creates the executor metrics instance.
func NewExecutorMetrics(mp metric.MeterProvider) (*executorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executorMetrics)
	var err error

	if m.tasksStarted, err = meter.Int64Counter(
		"task_started_total",
		metric.WithDescription("Total execution attempts started"),
	); err != nil {
		return nil, err
	}

	if m.tasksSucceeded, err = meter.Int64Counter(
		"task_success_total",
		metric.WithDescription("Total executions completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"task_failure_total",
		metric.WithDescription("Total executions failed, labeled by failure kind"),
	); err != nil {
		return nil, err
	}

	if m.taskRetries, err = meter.Int64Counter(
		"task_retries_total",
		metric.WithDescription("Total retries scheduled, labeled by attempt number and failure reason"),
	); err != nil {
		return nil, err
	}

	if m.circuitRejected, err = meter.Int64Counter(
		"circuit_rejections_total",
		metric.WithDescription("Total submissions rejected by an open circuit breaker"),
	); err != nil {
		return nil, err
	}

	if m.taskDurationSecs, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time taken by each execution attempt"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *executorMetrics) IncTaskStarted(ctx context.Context, taskName string) {
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", taskName)))
}

func (m *executorMetrics) IncTaskSuccess(ctx context.Context, taskName string) {
	m.tasksSucceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", taskName)))
}

func (m *executorMetrics) IncTaskFailure(ctx context.Context, taskName string, kind execution.FailureKind) {
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_name", taskName),
		attribute.String("kind", kind.String()),
	))
}

func (m *executorMetrics) IncTaskRetry(ctx context.Context, taskName string, attempt int, kind execution.FailureKind) {
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_name", taskName),
		attribute.Int("attempt", execution.AttemptLabel(attempt)),
		attribute.String("reason", kind.String()),
	))
}

func (m *executorMetrics) IncCircuitRejected(ctx context.Context, service string) {
	m.circuitRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

func (m *executorMetrics) ObserveTaskDuration(ctx context.Context, taskName string, duration time.Duration) {
	m.taskDurationSecs.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("task_name", taskName)))
}
