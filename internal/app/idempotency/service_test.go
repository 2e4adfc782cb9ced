package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/patrolshift/taskcore/internal/domain/execution"
	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/locking"
	"github.com/patrolshift/taskcore/pkg/common/logger"
)

type mockRecordStore struct {
	saveFn          func(ctx context.Context, record *idempotency.Record) error
	findFn          func(ctx context.Context, key string) (*idempotency.Record, error)
	registerHitFn   func(ctx context.Context, key string, at time.Time) error
	deleteExpiredFn func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockRecordStore) Save(ctx context.Context, record *idempotency.Record) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, record)
	}
	return nil
}

func (m *mockRecordStore) Find(ctx context.Context, key string) (*idempotency.Record, error) {
	if m.findFn != nil {
		return m.findFn(ctx, key)
	}
	return nil, idempotency.ErrRecordNotFound
}

func (m *mockRecordStore) RegisterHit(ctx context.Context, key string, at time.Time) error {
	if m.registerHitFn != nil {
		return m.registerHitFn(ctx, key, at)
	}
	return nil
}

func (m *mockRecordStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.deleteExpiredFn != nil {
		return m.deleteExpiredFn(ctx, cutoff)
	}
	return 0, nil
}

type mockCacheStore struct {
	saveFn func(ctx context.Context, record *idempotency.Record) error
	findFn func(ctx context.Context, key string) (*idempotency.Record, error)
}

func (m *mockCacheStore) Save(ctx context.Context, record *idempotency.Record) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, record)
	}
	return nil
}

func (m *mockCacheStore) Find(ctx context.Context, key string) (*idempotency.Record, error) {
	if m.findFn != nil {
		return m.findFn(ctx, key)
	}
	return nil, idempotency.ErrRecordNotFound
}

func newTestService(cache idempotency.CacheStore, durable idempotency.RecordStore, locker *locking.Locker) *Service {
	metrics, err := NewServiceMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	return NewService(cache, durable, locker, metrics, logger.Noop(), tracer)
}

func testRecord(key string) *idempotency.Record {
	return idempotency.NewRecord(key, idempotency.ScopeGlobal, "t",
		idempotency.SuccessOutcome(json.RawMessage(`{"ok":true}`)), time.Hour, time.Now())
}

func TestCheckDuplicate_CacheHit(t *testing.T) {
	t.Parallel()

	rec := testRecord("k1")
	hits := 0

	cache := &mockCacheStore{
		findFn: func(ctx context.Context, key string) (*idempotency.Record, error) {
			assert.Equal(t, "k1", key)
			return rec, nil
		},
	}
	durable := &mockRecordStore{
		registerHitFn: func(ctx context.Context, key string, at time.Time) error {
			hits++
			return nil
		},
	}

	svc := newTestService(cache, durable, nil)

	got, duplicate := svc.CheckDuplicate(context.Background(), "k1", "t")
	assert.True(t, duplicate)
	assert.Equal(t, rec, got)
	assert.Equal(t, 1, hits)
	assert.Equal(t, int64(1), rec.HitCount())
}

func TestCheckDuplicate_DurableFallbackWarmsCache(t *testing.T) {
	t.Parallel()

	rec := testRecord("k1")
	var warmed *idempotency.Record

	cache := &mockCacheStore{
		findFn: func(ctx context.Context, key string) (*idempotency.Record, error) {
			return nil, idempotency.ErrRecordNotFound
		},
		saveFn: func(ctx context.Context, record *idempotency.Record) error {
			warmed = record
			return nil
		},
	}
	durable := &mockRecordStore{
		findFn: func(ctx context.Context, key string) (*idempotency.Record, error) {
			return rec, nil
		},
	}

	svc := newTestService(cache, durable, nil)

	got, duplicate := svc.CheckDuplicate(context.Background(), "k1", "t")
	assert.True(t, duplicate)
	assert.Equal(t, rec, got)
	require.NotNil(t, warmed, "durable hit should be copied into the fast store")
	assert.Equal(t, "k1", warmed.Key())
}

func TestCheckDuplicate_Miss(t *testing.T) {
	t.Parallel()

	svc := newTestService(&mockCacheStore{}, &mockRecordStore{}, nil)

	got, duplicate := svc.CheckDuplicate(context.Background(), "absent", "t")
	assert.False(t, duplicate)
	assert.Nil(t, got)
}

func TestCheckDuplicate_FailsOpenWhenStoresDown(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	cache := &mockCacheStore{
		findFn: func(ctx context.Context, key string) (*idempotency.Record, error) { return nil, down },
	}
	durable := &mockRecordStore{
		findFn: func(ctx context.Context, key string) (*idempotency.Record, error) { return nil, down },
	}

	svc := newTestService(cache, durable, nil)

	got, duplicate := svc.CheckDuplicate(context.Background(), "k1", "t")
	assert.False(t, duplicate, "unanswerable check must be treated as a miss")
	assert.Nil(t, got)
}

func TestStoreResult_WinsRace(t *testing.T) {
	t.Parallel()

	var savedDurable, savedCache bool
	cache := &mockCacheStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error {
			savedCache = true
			return nil
		},
	}
	durable := &mockRecordStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error {
			savedDurable = true
			return nil
		},
	}

	svc := newTestService(cache, durable, nil)

	won, err := svc.StoreResult(context.Background(), testRecord("k1"))
	require.NoError(t, err)
	assert.True(t, won)
	assert.True(t, savedDurable)
	assert.True(t, savedCache)
}

func TestStoreResult_LosesRaceBenignly(t *testing.T) {
	t.Parallel()

	var cacheSaved bool
	cache := &mockCacheStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error {
			cacheSaved = true
			return nil
		},
	}
	durable := &mockRecordStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error {
			return idempotency.ErrDuplicateKey
		},
	}

	svc := newTestService(cache, durable, nil)

	won, err := svc.StoreResult(context.Background(), testRecord("k1"))
	require.NoError(t, err)
	assert.False(t, won)
	assert.False(t, cacheSaved, "loser must not overwrite the winner's cached record")
}

func TestStoreResult_EitherStoreSuffices(t *testing.T) {
	t.Parallel()

	down := errors.New("pg down")
	durable := &mockRecordStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error { return down },
	}

	svc := newTestService(&mockCacheStore{}, durable, nil)

	won, err := svc.StoreResult(context.Background(), testRecord("k1"))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestStoreResult_BothStoresDown(t *testing.T) {
	t.Parallel()

	down := errors.New("everything down")
	cache := &mockCacheStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error { return down },
	}
	durable := &mockRecordStore{
		saveFn: func(ctx context.Context, record *idempotency.Record) error { return down },
	}

	svc := newTestService(cache, durable, nil)

	_, err := svc.StoreResult(context.Background(), testRecord("k1"))
	assert.Error(t, err)
}

type fakeStrategy struct {
	name       string
	tryAcquire func(ctx context.Context, key string, ttl time.Duration) (locking.ReleaseFunc, error)
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) TryAcquire(ctx context.Context, key string, ttl time.Duration) (locking.ReleaseFunc, error) {
	return f.tryAcquire(ctx, key, ttl)
}

func TestWithLock_RunsFunctionAndReleases(t *testing.T) {
	t.Parallel()

	var released bool
	strategy := &fakeStrategy{
		name: "fake",
		tryAcquire: func(ctx context.Context, key string, ttl time.Duration) (locking.ReleaseFunc, error) {
			return func(ctx context.Context) { released = true }, nil
		},
	}
	locker := locking.NewLocker(logger.Noop(), strategy)
	svc := newTestService(&mockCacheStore{}, &mockRecordStore{}, locker)

	var ran bool
	err := svc.WithLock(context.Background(), "t", "lock:k", time.Second, false, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, released)
}

func TestWithLock_ContentionPropagates(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{
		name: "fake",
		tryAcquire: func(ctx context.Context, key string, ttl time.Duration) (locking.ReleaseFunc, error) {
			return nil, locking.ErrLockHeld
		},
	}
	locker := locking.NewLocker(logger.Noop(), strategy)
	svc := newTestService(&mockCacheStore{}, &mockRecordStore{}, locker)

	err := svc.WithLock(context.Background(), "t", "lock:k", 50*time.Millisecond, false, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, locking.ErrLockHeld)
	assert.ErrorIs(t, err, execution.ErrLockUnavailable)
	assert.Equal(t, execution.KindLockUnavailable, execution.Classify(err))
}

func TestWithLock_StoreUnavailableClassifies(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{
		name: "fake",
		tryAcquire: func(ctx context.Context, key string, ttl time.Duration) (locking.ReleaseFunc, error) {
			return nil, errors.New("connection refused")
		},
	}
	locker := locking.NewLocker(logger.Noop(), strategy)
	svc := newTestService(&mockCacheStore{}, &mockRecordStore{}, locker)

	err := svc.WithLock(context.Background(), "t", "lock:k", 50*time.Millisecond, false, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, locking.ErrNoStrategyAvailable)
	assert.Equal(t, execution.KindLockUnavailable, execution.Classify(err))
}
