package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patrolshift/taskcore/internal/domain/saga"
	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// StepCallback is invoked after each step is durably recorded. Workflows use
// it to kick off the next step or publish progress. A callback error fails
// the RecordStep call but the step itself stays recorded.
type StepCallback func(ctx context.Context, sagaID, stepName string, result json.RawMessage) error

// Coordinator drives saga lifecycles against the durable repository. It owns
// the load-mutate-persist cycle; all state rules live on the domain aggregate.
type Coordinator struct {
	repo saga.Repository

	onStep StepCallback

	metrics CoordinatorMetrics
	logger  *logger.Logger
	tracer  trace.Tracer

	now func() time.Time
}

// NewCoordinator creates a saga coordinator over the given repository.
func NewCoordinator(
	repo saga.Repository,
	metrics CoordinatorMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Coordinator {
	return &Coordinator{
		repo:    repo,
		metrics: metrics,
		logger:  log,
		tracer:  tracer,
		now:     time.Now,
	}
}

// WithStepCallback registers the hook run after each recorded step.
func (c *Coordinator) WithStepCallback(cb StepCallback) *Coordinator {
	c.onStep = cb
	return c
}

// Create registers a new saga. An empty sagaID gets a generated one; the
// returned saga carries the id to thread through the workflow. Reusing an
// existing id fails with ErrSagaExists.
func (c *Coordinator) Create(ctx context.Context, sagaID, operationType string, totalSteps int) (*saga.Saga, error) {
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	ctx, span := c.tracer.Start(ctx, "saga_coordinator.create",
		trace.WithAttributes(
			attribute.String("saga_id", sagaID),
			attribute.String("operation_type", operationType),
			attribute.Int("total_steps", totalSteps),
		))
	defer span.End()

	s, err := saga.NewSaga(sagaID, operationType, totalSteps, c.now())
	if err != nil {
		return nil, err
	}

	if err := c.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("creating saga %s: %w", sagaID, err)
	}

	c.metrics.IncSagaCreated(ctx, operationType)
	c.logger.Info(ctx, "saga created",
		"saga_id", sagaID, "operation_type", operationType, "total_steps", totalSteps)
	return s, nil
}

// RecordStep appends a completed step to the saga's durable context and then
// runs the step callback, if any. Steps against a terminal saga are rejected
// with ErrSagaTerminal.
func (c *Coordinator) RecordStep(ctx context.Context, sagaID, stepName string, result json.RawMessage) error {
	ctx, span := c.tracer.Start(ctx, "saga_coordinator.record_step",
		trace.WithAttributes(
			attribute.String("saga_id", sagaID),
			attribute.String("step", stepName),
		))
	defer span.End()

	s, err := c.repo.Get(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("loading saga %s: %w", sagaID, err)
	}

	if err := s.RecordStep(stepName, result, c.now()); err != nil {
		return err
	}
	if err := c.repo.Update(ctx, s); err != nil {
		return fmt.Errorf("persisting step %s for saga %s: %w", stepName, sagaID, err)
	}

	c.metrics.IncStepRecorded(ctx, s.OperationType())
	c.logger.Debug(ctx, "saga step recorded",
		"saga_id", sagaID, "step", stepName,
		"completed", s.StepsCompleted(), "total", s.TotalSteps())

	if c.onStep != nil {
		if err := c.onStep(ctx, sagaID, stepName, result); err != nil {
			return fmt.Errorf("step callback for saga %s step %s: %w", sagaID, stepName, err)
		}
	}
	return nil
}

// GetContext returns the saga's recorded steps in execution order.
func (c *Coordinator) GetContext(ctx context.Context, sagaID string) ([]saga.StepRecord, error) {
	s, err := c.repo.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("loading saga %s: %w", sagaID, err)
	}
	return s.Steps(), nil
}

// Commit transitions the saga to committed. Committing twice is treated as a
// retried delivery of the same signal: it logs a warning and succeeds.
func (c *Coordinator) Commit(ctx context.Context, sagaID string) error {
	ctx, span := c.tracer.Start(ctx, "saga_coordinator.commit",
		trace.WithAttributes(attribute.String("saga_id", sagaID)))
	defer span.End()

	s, err := c.repo.Get(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("loading saga %s: %w", sagaID, err)
	}

	if err := s.Commit(c.now()); err != nil {
		if errors.Is(err, saga.ErrSagaTerminal) && s.Status() == saga.StatusCommitted {
			c.logger.Warn(ctx, "saga already committed; ignoring duplicate commit", "saga_id", sagaID)
			return nil
		}
		return err
	}
	if err := c.repo.Update(ctx, s); err != nil {
		return fmt.Errorf("persisting commit for saga %s: %w", sagaID, err)
	}

	c.metrics.IncSagaCommitted(ctx, s.OperationType())
	c.logger.Info(ctx, "saga committed",
		"saga_id", sagaID, "steps_completed", s.StepsCompleted())
	return nil
}

// Rollback transitions the saga to rolled back, recording which step failed
// and why.
func (c *Coordinator) Rollback(ctx context.Context, sagaID, errorStep, errorMessage string) error {
	ctx, span := c.tracer.Start(ctx, "saga_coordinator.rollback",
		trace.WithAttributes(
			attribute.String("saga_id", sagaID),
			attribute.String("error_step", errorStep),
		))
	defer span.End()

	s, err := c.repo.Get(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("loading saga %s: %w", sagaID, err)
	}

	if err := s.Rollback(errorStep, errorMessage, c.now()); err != nil {
		return err
	}
	if err := c.repo.Update(ctx, s); err != nil {
		return fmt.Errorf("persisting rollback for saga %s: %w", sagaID, err)
	}

	c.metrics.IncSagaRolledBack(ctx, s.OperationType(), errorStep)
	c.logger.Warn(ctx, "saga rolled back",
		"saga_id", sagaID,
		"error_step", errorStep,
		"error_message", errorMessage,
		"steps_completed", s.StepsCompleted())
	return nil
}

// CleanupStale removes committed and rolled-back sagas older than the given
// retention. In-progress sagas are kept regardless of age: a stuck saga is
// evidence of a workflow problem, not garbage.
func (c *Coordinator) CleanupStale(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "saga_coordinator.cleanup_stale",
		trace.WithAttributes(attribute.String("retention", retention.String())))
	defer span.End()

	cutoff := c.now().Add(-retention)
	deleted, err := c.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal sagas before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	c.metrics.ObserveStaleSagasDeleted(ctx, deleted)
	if deleted > 0 {
		c.logger.Info(ctx, "stale sagas removed", "count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
