package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/patrolshift/taskcore/internal/domain/idempotency"
)

func newTestCache(t *testing.T) (*recordCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRecordCache(rdb, tracenoop.NewTracerProvider().Tracer("test")), mr
}

func TestRecordCache_SaveAndFind(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:send_email:abc",
		idempotency.ScopeGlobal,
		"send_email",
		idempotency.SuccessOutcome(json.RawMessage(`{"message_id":"m-1"}`)),
		time.Hour,
		time.Now(),
	)
	require.NoError(t, cache.Save(ctx, record))

	got, err := cache.Find(ctx, "task:send_email:abc")
	require.NoError(t, err)
	assert.Equal(t, record.Key(), got.Key())
	assert.Equal(t, record.TaskName(), got.TaskName())
	assert.Equal(t, idempotency.ScopeGlobal, got.Scope())
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(got.Outcome().Result))
	assert.WithinDuration(t, record.ExpiresAt(), got.ExpiresAt(), time.Second)
}

func TestRecordCache_FindMiss(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)

	_, err := cache.Find(context.Background(), "absent")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestRecordCache_TTLEviction(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t)
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:send_email:abc",
		idempotency.ScopeGlobal,
		"send_email",
		idempotency.SuccessOutcome(nil),
		time.Minute,
		time.Now(),
	)
	require.NoError(t, cache.Save(ctx, record))

	mr.FastForward(2 * time.Minute)

	_, err := cache.Find(ctx, "task:send_email:abc")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestRecordCache_SaveDropsExpiredRecord(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t)
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:send_email:stale",
		idempotency.ScopeGlobal,
		"send_email",
		idempotency.SuccessOutcome(nil),
		time.Minute,
		time.Now().Add(-time.Hour),
	)
	require.NoError(t, cache.Save(ctx, record))
	assert.False(t, mr.Exists("task:send_email:stale"))
}
