package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/storage"
)

func TestRecordStore_SaveAndFind(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewRecordStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:send_email:abc",
		idempotency.ScopeUser,
		"send_email",
		idempotency.SuccessOutcome(json.RawMessage(`{"message_id":"m-1"}`)),
		time.Hour,
		time.Now(),
	)
	require.NoError(t, store.Save(ctx, record))

	got, err := store.Find(ctx, "task:send_email:abc")
	require.NoError(t, err)
	assert.Equal(t, "task:send_email:abc", got.Key())
	assert.Equal(t, idempotency.ScopeUser, got.Scope())
	assert.Equal(t, "send_email", got.TaskName())
	assert.Equal(t, idempotency.OutcomeSuccess, got.Outcome().Status)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(got.Outcome().Result))
	assert.WithinDuration(t, record.ExpiresAt(), got.ExpiresAt(), time.Second)
	assert.Zero(t, got.HitCount())
}

func TestRecordStore_DuplicateKey(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewRecordStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:charge:42",
		idempotency.ScopeGlobal,
		"charge",
		idempotency.SuccessOutcome(nil),
		time.Hour,
		time.Now(),
	)
	require.NoError(t, store.Save(ctx, record))

	err := store.Save(ctx, record)
	assert.ErrorIs(t, err, idempotency.ErrDuplicateKey)
}

func TestRecordStore_FindSkipsExpired(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewRecordStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	expired := idempotency.NewRecord(
		"task:charge:old",
		idempotency.ScopeGlobal,
		"charge",
		idempotency.SuccessOutcome(nil),
		time.Minute,
		time.Now().Add(-time.Hour),
	)
	require.NoError(t, store.Save(ctx, expired))

	_, err := store.Find(ctx, "task:charge:old")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestRecordStore_RegisterHit(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewRecordStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	record := idempotency.NewRecord(
		"task:charge:42",
		idempotency.ScopeGlobal,
		"charge",
		idempotency.SuccessOutcome(nil),
		time.Hour,
		time.Now(),
	)
	require.NoError(t, store.Save(ctx, record))

	hitAt := time.Now()
	require.NoError(t, store.RegisterHit(ctx, "task:charge:42", hitAt))
	require.NoError(t, store.RegisterHit(ctx, "task:charge:42", hitAt.Add(time.Second)))

	got, err := store.Find(ctx, "task:charge:42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount())
	assert.WithinDuration(t, hitAt.Add(time.Second), got.LastHitAt(), time.Second)

	err = store.RegisterHit(ctx, "absent", hitAt)
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestRecordStore_DeleteExpired(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewRecordStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	stale := idempotency.NewRecord(
		"task:charge:old", idempotency.ScopeGlobal, "charge",
		idempotency.SuccessOutcome(nil), time.Minute, time.Now().Add(-time.Hour))
	live := idempotency.NewRecord(
		"task:charge:new", idempotency.ScopeGlobal, "charge",
		idempotency.SuccessOutcome(nil), time.Hour, time.Now())
	require.NoError(t, store.Save(ctx, stale))
	require.NoError(t, store.Save(ctx, live))

	deleted, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Find(ctx, "task:charge:new")
	assert.NoError(t, err)
}
