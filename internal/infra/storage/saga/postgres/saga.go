// Package postgres provides persistent storage for saga state. Step context is
// embedded as a JSON array so insertion order survives the round trip.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patrolshift/taskcore/internal/domain/saga"
	"github.com/patrolshift/taskcore/internal/infra/storage"
)

var _ saga.Repository = (*sagaStore)(nil)

// sagaStore implements saga.Repository using PostgreSQL as the backing store.
type sagaStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSagaStore creates a new PostgreSQL-backed saga repository with tracing
// capabilities.
func NewSagaStore(pool *pgxpool.Pool, tracer trace.Tracer) *sagaStore {
	return &sagaStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Create persists a new saga. A unique violation on saga_id maps to
// saga.ErrSagaExists so creation uniqueness is enforced by the store.
func (s *sagaStore) Create(ctx context.Context, sg *saga.Saga) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("saga_id", sg.SagaID()),
		attribute.String("operation_type", sg.OperationType()),
		attribute.Int("total_steps", sg.TotalSteps()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_saga", dbAttrs, func(ctx context.Context) error {
		steps, err := json.Marshal(sg.Steps())
		if err != nil {
			return fmt.Errorf("marshal saga steps: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO saga_states
				(saga_id, operation_type, status, total_steps, steps_completed, context_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sg.SagaID(),
			sg.OperationType(),
			sg.Status().String(),
			sg.TotalSteps(),
			sg.StepsCompleted(),
			steps,
			sg.CreatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return saga.ErrSagaExists
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		return nil
	})
}

// Get loads a saga by id.
func (s *sagaStore) Get(ctx context.Context, sagaID string) (*saga.Saga, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("saga_id", sagaID))

	var sg *saga.Saga
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_saga", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			SELECT saga_id, operation_type, status, total_steps, context_data,
			       error_step, error_message, created_at, committed_at, rolled_back_at
			FROM saga_states
			WHERE saga_id = $1`,
			sagaID,
		)

		var (
			operationType string
			status        string
			totalSteps    int
			contextData   []byte
			errorStep     *string
			errorMessage  *string
			createdAt     time.Time
			committedAt   *time.Time
			rolledBackAt  *time.Time
		)
		if err := row.Scan(&sagaID, &operationType, &status, &totalSteps, &contextData,
			&errorStep, &errorMessage, &createdAt, &committedAt, &rolledBackAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return saga.ErrSagaNotFound
			}
			return fmt.Errorf("query saga: %w", err)
		}

		var steps []saga.StepRecord
		if len(contextData) > 0 {
			if err := json.Unmarshal(contextData, &steps); err != nil {
				return fmt.Errorf("unmarshal saga steps for %s: %w", sagaID, err)
			}
		}

		sg = saga.ReconstructSaga(
			sagaID,
			operationType,
			saga.ParseStatus(status),
			totalSteps,
			steps,
			deref(errorStep),
			deref(errorMessage),
			createdAt,
			derefTime(committedAt),
			derefTime(rolledBackAt),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// Update persists the saga's current state.
func (s *sagaStore) Update(ctx context.Context, sg *saga.Saga) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("saga_id", sg.SagaID()),
		attribute.String("status", sg.Status().String()),
		attribute.Int("steps_completed", sg.StepsCompleted()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_saga", dbAttrs, func(ctx context.Context) error {
		steps, err := json.Marshal(sg.Steps())
		if err != nil {
			return fmt.Errorf("marshal saga steps: %w", err)
		}

		tag, err := s.db.Exec(ctx, `
			UPDATE saga_states
			SET status = $2,
			    steps_completed = $3,
			    context_data = $4,
			    error_step = $5,
			    error_message = $6,
			    committed_at = $7,
			    rolled_back_at = $8
			WHERE saga_id = $1`,
			sg.SagaID(),
			sg.Status().String(),
			sg.StepsCompleted(),
			steps,
			nullableString(sg.ErrorStep()),
			nullableString(sg.ErrorMessage()),
			nullableTime(sg.CommittedAt()),
			nullableTime(sg.RolledBackAt()),
		)
		if err != nil {
			return fmt.Errorf("update saga: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return saga.ErrSagaNotFound
		}
		return nil
	})
}

// DeleteTerminalBefore removes terminal sagas whose terminal timestamp is
// before the cutoff. The status filter guarantees in-progress sagas survive
// regardless of age.
func (s *sagaStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_terminal_sagas", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			DELETE FROM saga_states
			WHERE (status = 'COMMITTED' AND committed_at < $1)
			   OR (status = 'ROLLED_BACK' AND rolled_back_at < $1)`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("delete terminal sagas: %w", err)
		}
		deleted = tag.RowsAffected()

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int64("deleted", deleted))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
