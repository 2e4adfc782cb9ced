// Package postgres provides the durable, authoritative store for idempotency
// records. Cross-process dedup correctness rests on this store's uniqueness
// constraint; the cache layer is only a performance optimization.
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

	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/storage"
)

var _ idempotency.RecordStore = (*recordStore)(nil)

// recordStore implements idempotency.RecordStore using PostgreSQL as the
// backing store.
type recordStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a new PostgreSQL-backed record store with tracing
// capabilities.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database
// operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Save persists a new idempotency record. A unique violation on the key maps
// to idempotency.ErrDuplicateKey: the caller lost the first-writer race, which
// is benign because the winner's outcome stands.
func (s *recordStore) Save(ctx context.Context, record *idempotency.Record) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("key", record.Key()),
		attribute.String("scope", record.Scope().String()),
		attribute.String("task_name", record.TaskName()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_idempotency_record", dbAttrs, func(ctx context.Context) error {
		payload, err := json.Marshal(record.Outcome())
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO idempotency_records
				(key, scope, task_name, payload, status, created_at, expires_at, hit_count, last_hit_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.Key(),
			record.Scope().String(),
			record.TaskName(),
			payload,
			string(record.Outcome().Status),
			record.CreatedAt(),
			record.ExpiresAt(),
			record.HitCount(),
			nullableTime(record.LastHitAt()),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return idempotency.ErrDuplicateKey
			}
			return fmt.Errorf("insert idempotency record: %w", err)
		}
		return nil
	})
}

// Find returns the live record for the key. Expired rows are filtered in SQL
// so a stale outcome can never satisfy a duplicate check.
func (s *recordStore) Find(ctx context.Context, key string) (*idempotency.Record, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))

	var record *idempotency.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_idempotency_record", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			SELECT key, scope, task_name, payload, created_at, expires_at, hit_count, last_hit_at
			FROM idempotency_records
			WHERE key = $1 AND expires_at > now()`,
			key,
		)

		var (
			scope     string
			taskName  string
			payload   []byte
			createdAt time.Time
			expiresAt time.Time
			hitCount  int64
			lastHitAt *time.Time
		)
		if err := row.Scan(&key, &scope, &taskName, &payload, &createdAt, &expiresAt, &hitCount, &lastHitAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return idempotency.ErrRecordNotFound
			}
			return fmt.Errorf("query idempotency record: %w", err)
		}

		var outcome idempotency.Outcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return fmt.Errorf("unmarshal outcome for key %s: %w", key, err)
		}

		var lastHit time.Time
		if lastHitAt != nil {
			lastHit = *lastHitAt
		}

		record = idempotency.ReconstructRecord(
			key,
			idempotency.ParseScope(scope),
			taskName,
			outcome,
			createdAt,
			expiresAt,
			hitCount,
			lastHit,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// RegisterHit increments the record's reuse counters.
func (s *recordStore) RegisterHit(ctx context.Context, key string, at time.Time) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.register_idempotency_hit", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			UPDATE idempotency_records
			SET hit_count = hit_count + 1, last_hit_at = $2
			WHERE key = $1`,
			key, at,
		)
		if err != nil {
			return fmt.Errorf("register hit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return idempotency.ErrRecordNotFound
		}
		return nil
	})
}

// DeleteExpired removes records whose expiry is before the cutoff.
func (s *recordStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_expired_idempotency_records", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("delete expired records: %w", err)
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

// nullableTime maps the zero time to NULL for timestamptz columns.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
