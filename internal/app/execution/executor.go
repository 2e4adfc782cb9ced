package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idemsvc "github.com/patrolshift/taskcore/internal/app/idempotency"
	domain "github.com/patrolshift/taskcore/internal/domain/execution"
	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/pkg/common"
	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// ErrCachedFailure wraps the stored error message when a duplicate check hits
// a cached failed outcome. The submission is not re-executed until the failed
// record expires.
var ErrCachedFailure = errors.New("cached failure")

// ErrRetriesExhausted is returned when a transient failure has consumed every
// retry the policy allows.
var ErrRetriesExhausted = errors.New("retries exhausted")

// UnitOfWork is one execution of a task body. It returns a serializable
// result on success. Implementations wrap dependency failures the classifier
// cannot recognize structurally with execution.MarkTransient.
type UnitOfWork func(ctx context.Context) (json.RawMessage, error)

// Submission describes one request to run a task.
type Submission struct {
	// TaskName identifies the task; part of the idempotency key.
	TaskName string

	// Args and Kwargs are the task inputs; part of the idempotency key.
	Args   []any
	Kwargs map[string]any

	// Scope partitions the key space (global, user, tenant, device).
	Scope idempotency.Scope

	// Category selects result TTLs and the default retry policy.
	Category idempotency.Category

	// Key overrides key generation when the caller has a precomputed key
	// (periodic, escalation, report, and email helpers). Empty means derive
	// from TaskName/Args/Kwargs/Scope.
	Key string

	// ExternalService names the downstream dependency this task calls.
	// Non-empty submissions consult the circuit breaker.
	ExternalService string

	// Attempt is the 0-based retry attempt, set by the scheduler when it
	// redelivers a submission whose previous run scheduled a retry.
	Attempt int

	// Policy overrides the category's retry policy when non-nil.
	Policy *domain.RetryPolicy
}

// Disposition is what the executor did with a submission.
type Disposition string

const (
	// DispositionCached means a live record satisfied the submission without
	// running the unit of work.
	DispositionCached Disposition = "cached"

	// DispositionExecuted means the unit of work ran and completed.
	DispositionExecuted Disposition = "executed"

	// DispositionRetryScheduled means the attempt failed transiently and the
	// caller should redeliver the submission at RetryAt with Attempt from the
	// handle. The executor never sleeps out the delay itself.
	DispositionRetryScheduled Disposition = "retry_scheduled"

	// DispositionFailed means the submission failed without a retry.
	DispositionFailed Disposition = "failed"
)

// Handle reports the outcome of one submission.
type Handle struct {
	Key         string
	Disposition Disposition

	// Result holds the task output for cached and executed dispositions.
	Result json.RawMessage

	// Attempt is the attempt number to redeliver with when a retry is
	// scheduled.
	Attempt int

	// RetryAt is when a scheduled retry becomes due.
	RetryAt time.Time

	// Duration is how long the unit of work ran, zero for cached hits.
	Duration time.Duration
}

// Executor runs units of work exactly once per idempotency key. It wraps the
// task body by composition: duplicate checks before the run, result caching
// after, retry scheduling and circuit breaking around failures. Task bodies
// stay oblivious to all of it.
type Executor struct {
	idempotency *idemsvc.Service
	keys        *idempotency.KeyGenerator
	breaker     *CircuitBreaker

	// limiters throttle calls per external service on top of the breaker:
	// the breaker reacts to failures, the limiter prevents causing them.
	limiters map[string]*common.RateLimiter

	metrics ExecutorMetrics
	logger  *logger.Logger
	tracer  trace.Tracer

	now func() time.Time
}

// NewExecutor creates an executor over the idempotency service and breaker.
func NewExecutor(
	svc *idemsvc.Service,
	keys *idempotency.KeyGenerator,
	breaker *CircuitBreaker,
	metrics ExecutorMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Executor {
	return &Executor{
		idempotency: svc,
		keys:        keys,
		breaker:     breaker,
		limiters:    make(map[string]*common.RateLimiter),
		metrics:     metrics,
		logger:      log,
		tracer:      tracer,
		now:         time.Now,
	}
}

// WithServiceLimiter registers a rate limiter for an external service. Not
// safe to call after submissions start flowing.
func (e *Executor) WithServiceLimiter(service string, rl *common.RateLimiter) *Executor {
	e.limiters[service] = rl
	return e
}

// Submit performs the submit-side duplicate check. Producers call it before
// enqueueing: a true result means a live record already satisfies the
// submission and nothing should be enqueued. When that record is a cached
// failure the error carries ErrCachedFailure, so producers can tell a
// satisfied submission from one that is suppressed by a recent failure.
// Execute re-checks on the run side, so skipping Submit is safe, just
// wasteful.
func (e *Executor) Submit(ctx context.Context, sub Submission) (*Handle, bool, error) {
	key := e.keyFor(ctx, sub)

	record, duplicate := e.idempotency.CheckDuplicate(ctx, key, sub.TaskName)
	if !duplicate {
		return &Handle{Key: key, Attempt: sub.Attempt}, false, nil
	}

	handle, err := e.cachedHandle(key, record)
	return handle, true, err
}

// Execute runs one attempt of the unit of work under idempotency control.
//
// A non-nil error accompanies the failed and retry-scheduled dispositions;
// callers dispatch on the handle's Disposition and treat the error as the
// cause. Retries are asynchronous: the handle carries RetryAt and the next
// Attempt, and the caller's scheduler redelivers the submission then.
func (e *Executor) Execute(ctx context.Context, sub Submission, work UnitOfWork) (*Handle, error) {
	key := e.keyFor(ctx, sub)

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.String("task_name", sub.TaskName),
			attribute.Int("attempt", sub.Attempt),
		))
	defer span.End()

	// Run-side re-check. A duplicate may have completed between enqueue and
	// delivery, or this may be a redelivered message.
	if record, duplicate := e.idempotency.CheckDuplicate(ctx, key, sub.TaskName); duplicate {
		span.SetAttributes(attribute.String("disposition", string(DispositionCached)))
		return e.cachedHandle(key, record)
	}

	if sub.ExternalService != "" && e.breaker.IsOpen(sub.ExternalService) {
		e.metrics.IncCircuitRejected(ctx, sub.ExternalService)
		e.logger.Warn(ctx, "submission rejected by open circuit",
			"task_name", sub.TaskName, "service", sub.ExternalService)
		return &Handle{Key: key, Disposition: DispositionFailed, Attempt: sub.Attempt},
			fmt.Errorf("%s: %w", sub.ExternalService, domain.ErrCircuitOpen)
	}

	if rl, ok := e.limiters[sub.ExternalService]; ok && sub.ExternalService != "" {
		// A wait cut short by the context never reached the service, so it
		// does not count against the breaker; retry if attempts remain.
		if err := rl.Wait(ctx); err != nil {
			cause := fmt.Errorf("rate limit wait for %s: %w", sub.ExternalService, err)
			policy := e.policyFor(sub)
			if !policy.Exhausted(sub.Attempt) {
				return e.scheduleRetry(ctx, key, sub, policy, cause)
			}
			return &Handle{Key: key, Disposition: DispositionFailed, Attempt: sub.Attempt}, cause
		}
	}

	e.metrics.IncTaskStarted(ctx, sub.TaskName)

	start := e.now()
	result, err := work(ctx)
	elapsed := e.now().Sub(start)
	e.metrics.ObserveTaskDuration(ctx, sub.TaskName, elapsed)

	if err == nil {
		return e.complete(ctx, key, sub, result, elapsed), nil
	}
	return e.fail(ctx, key, sub, err, elapsed)
}

// complete caches a successful outcome and resets the service's circuit.
func (e *Executor) complete(ctx context.Context, key string, sub Submission, result json.RawMessage, elapsed time.Duration) *Handle {
	if sub.ExternalService != "" {
		e.breaker.RecordSuccess(ctx, sub.ExternalService)
	}
	e.metrics.IncTaskSuccess(ctx, sub.TaskName)

	record := idempotency.NewRecord(key, sub.Scope, sub.TaskName,
		idempotency.SuccessOutcome(result), sub.Category.TTL(), e.now())
	if _, err := e.idempotency.StoreResult(ctx, record); err != nil {
		// The work is done; a missed write only risks one duplicate
		// execution later.
		e.logger.Warn(ctx, "failed to cache successful result", "key", key, "error", err)
	}

	return &Handle{
		Key:         key,
		Disposition: DispositionExecuted,
		Result:      result,
		Attempt:     sub.Attempt,
		Duration:    elapsed,
	}
}

// fail classifies the error and dispatches on its kind.
func (e *Executor) fail(ctx context.Context, key string, sub Submission, cause error, elapsed time.Duration) (*Handle, error) {
	kind := domain.Classify(cause)

	if sub.ExternalService != "" && kind != domain.KindLockUnavailable {
		e.breaker.RecordFailure(ctx, sub.ExternalService)
	}

	switch kind {
	case domain.KindTransient, domain.KindStoreUnavailable:
		policy := e.policyFor(sub)
		if !policy.Exhausted(sub.Attempt) {
			return e.scheduleRetry(ctx, key, sub, policy, cause)
		}
		err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, sub.Attempt+1, cause)
		e.cacheFailure(ctx, key, sub, err)
		e.metrics.IncTaskFailure(ctx, sub.TaskName, kind)
		e.logger.Error(ctx, "task failed permanently; retries exhausted",
			"task_name", sub.TaskName, "key", key, "attempts", sub.Attempt+1, "error", cause)
		return &Handle{Key: key, Disposition: DispositionFailed, Attempt: sub.Attempt, Duration: elapsed}, err

	case domain.KindLockUnavailable:
		// A concurrent holder is executing this key right now. Its outcome
		// will satisfy the next duplicate check, so nothing is cached here.
		e.metrics.IncTaskFailure(ctx, sub.TaskName, kind)
		e.logger.Info(ctx, "task yielded to concurrent lock holder",
			"task_name", sub.TaskName, "key", key)
		return &Handle{Key: key, Disposition: DispositionFailed, Attempt: sub.Attempt, Duration: elapsed}, cause

	default:
		e.cacheFailure(ctx, key, sub, cause)
		e.metrics.IncTaskFailure(ctx, sub.TaskName, domain.KindFatal)
		e.logger.Error(ctx, "task failed fatally",
			"task_name", sub.TaskName, "key", key, "error", cause)
		return &Handle{Key: key, Disposition: DispositionFailed, Attempt: sub.Attempt, Duration: elapsed}, cause
	}
}

// scheduleRetry computes the backoff for the next attempt and hands the
// redelivery time back to the caller.
func (e *Executor) scheduleRetry(ctx context.Context, key string, sub Submission, policy domain.RetryPolicy, cause error) (*Handle, error) {
	delay := policy.Delay(sub.Attempt)
	retryAt := e.now().Add(delay)

	e.metrics.IncTaskRetry(ctx, sub.TaskName, sub.Attempt, domain.Classify(cause))
	e.logger.Warn(ctx, "transient failure; retry scheduled",
		"task_name", sub.TaskName,
		"key", key,
		"attempt", sub.Attempt,
		"delay", delay.String(),
		"error", cause)

	return &Handle{
		Key:         key,
		Disposition: DispositionRetryScheduled,
		Attempt:     sub.Attempt + 1,
		RetryAt:     retryAt,
	}, cause
}

// cacheFailure stores a failed outcome with the short error TTL so duplicate
// submissions during the failure window do not each re-run the work.
func (e *Executor) cacheFailure(ctx context.Context, key string, sub Submission, cause error) {
	record := idempotency.NewRecord(key, sub.Scope, sub.TaskName,
		idempotency.FailedOutcome(cause.Error()), sub.Category.ErrorTTL(), e.now())
	if _, err := e.idempotency.StoreResult(ctx, record); err != nil {
		e.logger.Debug(ctx, "failed to cache failed outcome", "key", key, "error", err)
	}
}

// cachedHandle converts a stored record into a handle. A cached failure
// surfaces as ErrCachedFailure carrying the original message.
func (e *Executor) cachedHandle(key string, record *idempotency.Record) (*Handle, error) {
	handle := &Handle{Key: key, Disposition: DispositionCached, Result: record.Outcome().Result}
	if record.Outcome().Status == idempotency.OutcomeFailed {
		return handle, fmt.Errorf("%w: %s", ErrCachedFailure, record.Outcome().Error)
	}
	return handle, nil
}

func (e *Executor) keyFor(ctx context.Context, sub Submission) string {
	if sub.Key != "" {
		return sub.Key
	}
	return e.keys.Generate(ctx, sub.TaskName, sub.Args, sub.Kwargs, sub.Scope)
}

// policyFor resolves the retry policy: explicit override, then external
// service, then category, then default.
func (e *Executor) policyFor(sub Submission) domain.RetryPolicy {
	switch {
	case sub.Policy != nil:
		return *sub.Policy
	case sub.ExternalService != "":
		return domain.ExternalServiceRetryPolicy()
	case sub.Category == idempotency.CategoryEmail:
		return domain.EmailRetryPolicy()
	default:
		return domain.DefaultRetryPolicy()
	}
}
