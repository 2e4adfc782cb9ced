package locking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

func newRedisStrategy(t *testing.T) (*RedisStrategy, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStrategy(rdb, logger.Noop()), mr
}

func TestRedisStrategy_AcquireAndRelease(t *testing.T) {
	t.Parallel()

	strategy, mr := newRedisStrategy(t)
	ctx := context.Background()

	release, err := strategy.TryAcquire(ctx, "task:send_email:abc", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:task:send_email:abc"))

	release(ctx)
	assert.False(t, mr.Exists("lock:task:send_email:abc"))

	// The lock is free again.
	release2, err := strategy.TryAcquire(ctx, "task:send_email:abc", 30*time.Second)
	require.NoError(t, err)
	release2(ctx)
}

func TestRedisStrategy_Contention(t *testing.T) {
	t.Parallel()

	strategy, _ := newRedisStrategy(t)
	ctx := context.Background()

	release, err := strategy.TryAcquire(ctx, "task:charge:42", 30*time.Second)
	require.NoError(t, err)
	defer release(ctx)

	_, err = strategy.TryAcquire(ctx, "task:charge:42", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestRedisStrategy_ExpiryFreesLock(t *testing.T) {
	t.Parallel()

	strategy, mr := newRedisStrategy(t)
	ctx := context.Background()

	_, err := strategy.TryAcquire(ctx, "task:charge:42", 5*time.Second)
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)

	release, err := strategy.TryAcquire(ctx, "task:charge:42", 5*time.Second)
	require.NoError(t, err)
	release(ctx)
}

func TestRedisStrategy_ReleaseChecksToken(t *testing.T) {
	t.Parallel()

	strategy, mr := newRedisStrategy(t)
	ctx := context.Background()

	staleRelease, err := strategy.TryAcquire(ctx, "task:charge:42", 5*time.Second)
	require.NoError(t, err)

	// The holder stalls past the TTL and another worker takes over.
	mr.FastForward(6 * time.Second)
	release, err := strategy.TryAcquire(ctx, "task:charge:42", 30*time.Second)
	require.NoError(t, err)
	defer release(ctx)

	// The stale release must not delete the new holder's lock.
	staleRelease(ctx)
	assert.True(t, mr.Exists("lock:task:charge:42"))
}

func TestRedisStrategy_StoreUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	strategy := NewRedisStrategy(rdb, logger.Noop())
	mr.Close()

	_, err := strategy.TryAcquire(context.Background(), "task:charge:42", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
}
