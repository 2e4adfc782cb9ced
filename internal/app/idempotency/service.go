package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patrolshift/taskcore/internal/domain/execution"
	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/locking"
	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// Service coordinates duplicate detection across the fast and durable record
// stores and scopes critical sections with distributed locks.
//
// Duplicate checks fail open: if both stores are unreachable the submission
// is treated as fresh work, trading a possible duplicate execution for
// availability. Both sides of the system assume units of work tolerate rare
// re-execution.
type Service struct {
	cache   idempotency.CacheStore
	durable idempotency.RecordStore
	locker  *locking.Locker

	metrics ServiceMetrics
	logger  *logger.Logger
	tracer  trace.Tracer

	now func() time.Time
}

// NewService creates an idempotency service over the given stores and locker.
func NewService(
	cache idempotency.CacheStore,
	durable idempotency.RecordStore,
	locker *locking.Locker,
	metrics ServiceMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		cache:   cache,
		durable: durable,
		locker:  locker,
		metrics: metrics,
		logger:  log,
		tracer:  tracer,
		now:     time.Now,
	}
}

// CheckDuplicate reports whether a live record exists for the key. On a hit
// it returns the cached record, registers the hit on the durable store, and
// warms the fast store if the hit came from the durable one.
//
// Store failures are logged and counted but never surfaced: a check that
// cannot be answered is a miss.
func (s *Service) CheckDuplicate(ctx context.Context, key, taskName string) (*idempotency.Record, bool) {
	ctx, span := s.tracer.Start(ctx, "idempotency_service.check_duplicate",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.String("task_name", taskName),
		))
	defer span.End()

	record, err := s.cache.Find(ctx, key)
	switch {
	case err == nil:
		s.registerHit(ctx, record)
		s.metrics.IncDedupeCheck(ctx, taskName, true, SourceCache)
		span.SetAttributes(attribute.String("source", string(SourceCache)))
		return record, true

	case !errors.Is(err, idempotency.ErrRecordNotFound):
		s.metrics.IncStoreError(ctx, "cache_find")
		s.logger.Warn(ctx, "fast store unavailable during duplicate check; falling back",
			"key", key, "error", err)
	}

	record, err = s.durable.Find(ctx, key)
	switch {
	case err == nil:
		s.registerHit(ctx, record)
		s.warmCache(ctx, record)
		s.metrics.IncDedupeCheck(ctx, taskName, true, SourceDurable)
		span.SetAttributes(attribute.String("source", string(SourceDurable)))
		return record, true

	case errors.Is(err, idempotency.ErrRecordNotFound):
		s.metrics.IncDedupeCheck(ctx, taskName, false, SourceNone)
		return nil, false

	default:
		s.metrics.IncStoreError(ctx, "durable_find")
		s.logger.Error(ctx, "durable store unavailable during duplicate check; failing open",
			"key", key, "error", err)
		s.metrics.IncDedupeCheck(ctx, taskName, false, SourceNone)
		return nil, false
	}
}

// StoreResult persists a freshly computed outcome to both stores. It reports
// whether this writer won the first-writer race: losing to a concurrent
// writer is benign and returns (false, nil).
//
// The write succeeds if either store accepted it. Only when both stores
// reject does the caller see an error.
func (s *Service) StoreResult(ctx context.Context, record *idempotency.Record) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "idempotency_service.store_result",
		trace.WithAttributes(
			attribute.String("key", record.Key()),
			attribute.String("task_name", record.TaskName()),
		))
	defer span.End()

	durableErr := s.durable.Save(ctx, record)
	switch {
	case durableErr == nil:

	case errors.Is(durableErr, idempotency.ErrDuplicateKey):
		// A concurrent execution with the same key finished first. Its
		// record is authoritative; ours is discarded.
		s.metrics.IncResultStored(ctx, record.TaskName(), false)
		s.logger.Info(ctx, "lost first-writer race for idempotency key",
			"key", record.Key(), "task_name", record.TaskName())
		return false, nil

	default:
		s.metrics.IncStoreError(ctx, "durable_save")
		s.logger.Error(ctx, "durable store rejected result write",
			"key", record.Key(), "error", durableErr)
	}

	cacheErr := s.cache.Save(ctx, record)
	if cacheErr != nil {
		s.metrics.IncStoreError(ctx, "cache_save")
		s.logger.Warn(ctx, "fast store rejected result write",
			"key", record.Key(), "error", cacheErr)
	}

	if durableErr != nil && cacheErr != nil {
		return false, fmt.Errorf("storing result for key %s: %w", record.Key(), durableErr)
	}

	s.metrics.IncResultStored(ctx, record.TaskName(), true)
	return true, nil
}

// WithLock runs fn while holding the named distributed lock. The timeout
// bounds both the blocking wait and the lock's lifetime. The lock is released
// on every return path; a crashed holder is freed by lock expiry.
//
// Acquisition failures are wrapped with execution.ErrLockUnavailable so they
// classify as KindLockUnavailable rather than fatal: yielding to a concurrent
// holder must never be cached as a failed outcome for the key.
func (s *Service) WithLock(
	ctx context.Context,
	taskName, lockKey string,
	timeout time.Duration,
	blocking bool,
	fn func(ctx context.Context) error,
) error {
	ctx, span := s.tracer.Start(ctx, "idempotency_service.with_lock",
		trace.WithAttributes(
			attribute.String("lock_key", lockKey),
			attribute.String("task_name", taskName),
			attribute.Bool("blocking", blocking),
		))
	defer span.End()

	release, err := s.locker.Acquire(ctx, lockKey, timeout, blocking)
	if err != nil {
		if errors.Is(err, locking.ErrLockHeld) {
			s.metrics.IncLockContended(ctx)
		}
		return fmt.Errorf("acquiring lock %s: %w: %w", lockKey, execution.ErrLockUnavailable, err)
	}
	defer release(ctx)

	s.metrics.IncLockAcquired(ctx, taskName)
	return fn(ctx)
}

// registerHit best-effort increments the durable hit counter.
func (s *Service) registerHit(ctx context.Context, record *idempotency.Record) {
	now := s.now()
	record.RegisterHit(now)
	if err := s.durable.RegisterHit(ctx, record.Key(), now); err != nil {
		s.logger.Debug(ctx, "failed to register duplicate hit", "key", record.Key(), "error", err)
	}
}

// warmCache best-effort copies a durable hit back into the fast store so the
// next check for this key is answered without touching postgres.
func (s *Service) warmCache(ctx context.Context, record *idempotency.Record) {
	if err := s.cache.Save(ctx, record); err != nil {
		s.logger.Debug(ctx, "failed to warm fast store", "key", record.Key(), "error", err)
	}
}
