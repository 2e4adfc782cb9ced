package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// Connection bootstrap retries for up to 5 minutes, starting with 5 second
// intervals. This rides out store restarts and network blips during worker
// startup.
const (
	connectMaxElapsed      = 5 * time.Minute
	connectInitialInterval = 5 * time.Second
)

// ConnectPostgresWithRetry establishes an instrumented pgx pool with
// exponential backoff. The pool's queries are traced via otelpgx.
func ConnectPostgresWithRetry(ctx context.Context, url string, maxConns int32, log *logger.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = connectMaxElapsed
	expBackoff.InitialInterval = connectInitialInterval

	operation := func() error {
		var err error
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			log.Warn(ctx, "postgres not ready; retrying", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	return pool, nil
}

// ConnectRedisWithRetry establishes a redis client with exponential backoff.
func ConnectRedisWithRetry(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = connectMaxElapsed
	expBackoff.InitialInterval = connectInitialInterval

	operation := func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn(ctx, "redis not ready; retrying", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to redis after retries: %w", err)
	}

	return client, nil
}
