package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics defines metrics operations for the saga coordinator.
type CoordinatorMetrics interface {
	// IncSagaCreated records a new saga by operation type.
	IncSagaCreated(ctx context.Context, operationType string)

	// IncStepRecorded records one completed step.
	IncStepRecorded(ctx context.Context, operationType string)

	// IncSagaCommitted records a successful terminal transition.
	IncSagaCommitted(ctx context.Context, operationType string)

	// IncSagaRolledBack records a failed terminal transition by failing step.
	IncSagaRolledBack(ctx context.Context, operationType, errorStep string)

	// ObserveStaleSagasDeleted records how many sagas a cleanup pass removed.
	ObserveStaleSagasDeleted(ctx context.Context, count int64)
}

// coordinatorMetrics implements CoordinatorMetrics.
type coordinatorMetrics struct {
	sagasCreated    metric.Int64Counter
	stepsRecorded   metric.Int64Counter
	sagasCommitted  metric.Int64Counter
	sagasRolledBack metric.Int64Counter
	staleDeleted    metric.Int64Counter
}

var _ CoordinatorMetrics = (*coordinatorMetrics)(nil)

const namespace = "saga"

// NewCoordinatorMetrics creates the saga coordinator metrics instance.
func NewCoordinatorMetrics(mp metric.MeterProvider) (*coordinatorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(coordinatorMetrics)
	var err error

	if m.sagasCreated, err = meter.Int64Counter(
		"sagas_created_total",
		metric.WithDescription("Total sagas created, labeled by operation type"),
	); err != nil {
		return nil, err
	}

	if m.stepsRecorded, err = meter.Int64Counter(
		"saga_steps_recorded_total",
		metric.WithDescription("Total saga steps recorded"),
	); err != nil {
		return nil, err
	}

	if m.sagasCommitted, err = meter.Int64Counter(
		"sagas_committed_total",
		metric.WithDescription("Total sagas committed"),
	); err != nil {
		return nil, err
	}

	if m.sagasRolledBack, err = meter.Int64Counter(
		"sagas_rolled_back_total",
		metric.WithDescription("Total sagas rolled back, labeled by failing step"),
	); err != nil {
		return nil, err
	}

	if m.staleDeleted, err = meter.Int64Counter(
		"stale_sagas_deleted_total",
		metric.WithDescription("Total terminal sagas removed by cleanup"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *coordinatorMetrics) IncSagaCreated(ctx context.Context, operationType string) {
	m.sagasCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
}

func (m *coordinatorMetrics) IncStepRecorded(ctx context.Context, operationType string) {
	m.stepsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
}

func (m *coordinatorMetrics) IncSagaCommitted(ctx context.Context, operationType string) {
	m.sagasCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
}

func (m *coordinatorMetrics) IncSagaRolledBack(ctx context.Context, operationType, errorStep string) {
	m.sagasRolledBack.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.String("error_step", errorStep),
	))
}

func (m *coordinatorMetrics) ObserveStaleSagasDeleted(ctx context.Context, count int64) {
	m.staleDeleted.Add(ctx, count)
}
