package idempotency

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DedupeSource labels which store answered a duplicate check.
type DedupeSource string

const (
	// SourceCache means the fast store answered.
	SourceCache DedupeSource = "cache"

	// SourceDurable means the authoritative store answered after a cache miss.
	SourceDurable DedupeSource = "durable"

	// SourceNone means neither store had a live record.
	SourceNone DedupeSource = "none"
)

// ServiceMetrics defines metrics operations for the idempotency service.
type ServiceMetrics interface {
	// IncDedupeCheck records the outcome of one duplicate check.
	IncDedupeCheck(ctx context.Context, taskName string, duplicate bool, source DedupeSource)

	// IncResultStored records a result write, distinguishing race losers.
	IncResultStored(ctx context.Context, taskName string, won bool)

	// IncStoreError records a store failure during a check or write.
	IncStoreError(ctx context.Context, operation string)

	// IncLockAcquired records a successful lock acquisition.
	IncLockAcquired(ctx context.Context, taskName string)

	// IncLockContended records an acquisition that failed because the lock
	// was held.
	IncLockContended(ctx context.Context)
}

// serviceMetrics implements ServiceMetrics.
type serviceMetrics struct {
	dedupeChecks  metric.Int64Counter
	resultsStored metric.Int64Counter
	storeErrors   metric.Int64Counter
	locksAcquired metric.Int64Counter
	lockContended metric.Int64Counter
}

var _ ServiceMetrics = (*serviceMetrics)(nil)

const namespace = "idempotency"

// NewServiceMetrics creates the idempotency service metrics instance.
func NewServiceMetrics(mp metric.MeterProvider) (*serviceMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(serviceMetrics)
	var err error

	if m.dedupeChecks, err = meter.Int64Counter(
		"idempotency_dedupe_total",
		metric.WithDescription("Total duplicate checks, labeled by task, result and answering store"),
	); err != nil {
		return nil, err
	}

	if m.resultsStored, err = meter.Int64Counter(
		"idempotency_results_stored_total",
		metric.WithDescription("Total result writes, labeled by whether the writer won the first-writer race"),
	); err != nil {
		return nil, err
	}

	if m.storeErrors, err = meter.Int64Counter(
		"idempotency_store_errors_total",
		metric.WithDescription("Total store failures during duplicate checks and result writes"),
	); err != nil {
		return nil, err
	}

	if m.locksAcquired, err = meter.Int64Counter(
		"lock_acquisitions_total",
		metric.WithDescription("Total successful lock acquisitions, labeled by task"),
	); err != nil {
		return nil, err
	}

	if m.lockContended, err = meter.Int64Counter(
		"lock_contention_total",
		metric.WithDescription("Total lock acquisitions rejected because the lock was held"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *serviceMetrics) IncDedupeCheck(ctx context.Context, taskName string, duplicate bool, source DedupeSource) {
	result := "miss"
	if duplicate {
		result = "hit"
	}
	m.dedupeChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_name", taskName),
		attribute.String("result", result),
		attribute.String("source", string(source)),
	))
}

func (m *serviceMetrics) IncResultStored(ctx context.Context, taskName string, won bool) {
	m.resultsStored.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_name", taskName),
		attribute.Bool("won_race", won),
	))
}

func (m *serviceMetrics) IncStoreError(ctx context.Context, operation string) {
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *serviceMetrics) IncLockAcquired(ctx context.Context, taskName string) {
	m.locksAcquired.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", taskName)))
}

func (m *serviceMetrics) IncLockContended(ctx context.Context) {
	m.lockContended.Add(ctx, 1)
}
