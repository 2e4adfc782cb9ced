package locking

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

var _ Strategy = (*PostgresStrategy)(nil)

// PostgresStrategy implements the fallback lock with session-level advisory
// locks. The lock name is mapped deterministically to a 64-bit id. Advisory
// locks have no TTL of their own: the holder pins a pool connection for the
// lock's lifetime, and postgres releases the lock when that session dies, so
// a crashed holder cannot block others indefinitely.
type PostgresStrategy struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgresStrategy creates the advisory-lock fallback strategy.
func NewPostgresStrategy(pool *pgxpool.Pool, log *logger.Logger) *PostgresStrategy {
	return &PostgresStrategy{db: pool, logger: log}
}

// Name identifies the strategy in logs and metrics.
func (s *PostgresStrategy) Name() string { return "postgres_advisory" }

// advisoryID maps a lock name to the bounded integer id advisory locks need.
func advisoryID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// TryAcquire takes the advisory lock on a dedicated connection. The ttl
// parameter caps how long the lock is held even if the caller never releases:
// a watchdog frees the lock and connection once ttl elapses.
func (s *PostgresStrategy) TryAcquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	id := advisoryID(key)

	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for advisory lock %d: %w", id, err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pg_try_advisory_lock %d: %w", id, err)
	}
	if !locked {
		conn.Release()
		return nil, ErrLockHeld
	}

	done := make(chan struct{})
	expiry := time.AfterFunc(ttl, func() {
		select {
		case <-done:
		default:
			s.logger.Warn(context.Background(), "advisory lock ttl expired; force releasing",
				"lock_key", key, "advisory_id", id)
			s.unlock(context.Background(), conn, id, key)
			close(done)
		}
	})

	release := func(ctx context.Context) {
		if !expiry.Stop() {
			// The watchdog already fired and released.
			return
		}
		select {
		case <-done:
			return
		default:
		}
		s.unlock(ctx, conn, id, key)
		close(done)
	}
	return release, nil
}

func (s *PostgresStrategy) unlock(ctx context.Context, conn *pgxpool.Conn, id int64, key string) {
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
		s.logger.Warn(ctx, "failed to release advisory lock; session close will free it",
			"lock_key", key, "advisory_id", id, "error", err)
	}
	conn.Release()
}
