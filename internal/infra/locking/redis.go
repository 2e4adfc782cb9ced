package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

var _ Strategy = (*RedisStrategy)(nil)

// releaseScript deletes the lock key only if it still holds our token, so an
// expired lock re-acquired by another worker is never released out from under
// them.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisStrategy implements the primary lock: SET NX with a millisecond expiry
// and a holder token checked on release.
type RedisStrategy struct {
	rdb    *redis.Client
	logger *logger.Logger
}

// NewRedisStrategy creates the redis-backed lock strategy.
func NewRedisStrategy(rdb *redis.Client, log *logger.Logger) *RedisStrategy {
	return &RedisStrategy{rdb: rdb, logger: log}
}

// Name identifies the strategy in logs and metrics.
func (s *RedisStrategy) Name() string { return "redis" }

// TryAcquire takes the lock with SET NX PX. The key self-expires after ttl,
// bounding how long a crashed holder can block others.
func (s *RedisStrategy) TryAcquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	lockKey := "lock:" + key

	ok, err := s.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", lockKey, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) {
		if _, err := releaseScript.Run(ctx, s.rdb, []string{lockKey}, token).Result(); err != nil {
			s.logger.Warn(ctx, "failed to release redis lock; relying on expiry",
				"lock_key", lockKey, "error", err)
		}
	}
	return release, nil
}
