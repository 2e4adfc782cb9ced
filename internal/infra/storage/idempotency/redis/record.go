// Package redis provides the fast, non-authoritative store for idempotency
// records. Entries expire via native TTLs; a cache outage degrades reads to
// the durable store without affecting dedup correctness.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/storage"
)

var _ idempotency.CacheStore = (*recordCache)(nil)

// recordEnvelope is the JSON representation of a record in the cache. The
// remaining TTL is carried by the redis key itself, not the envelope.
type recordEnvelope struct {
	Key       string              `json:"key"`
	Scope     string              `json:"scope"`
	TaskName  string              `json:"task_name"`
	Outcome   idempotency.Outcome `json:"outcome"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	HitCount  int64               `json:"hit_count"`
	LastHitAt time.Time           `json:"last_hit_at,omitempty"`
}

// recordCache implements idempotency.CacheStore on top of redis.
type recordCache struct {
	rdb    *redis.Client
	tracer trace.Tracer

	// now is injectable for TTL tests.
	now func() time.Time
}

// NewRecordCache creates a redis-backed cache store.
func NewRecordCache(rdb *redis.Client, tracer trace.Tracer) *recordCache {
	return &recordCache{rdb: rdb, tracer: tracer, now: time.Now}
}

var defaultCacheAttributes = []attribute.KeyValue{
	attribute.String("db.system", "redis"),
}

// Save stores the record under its key with the record's remaining TTL.
// Already-expired records are dropped rather than written.
func (c *recordCache) Save(ctx context.Context, record *idempotency.Record) error {
	attrs := append(defaultCacheAttributes,
		attribute.String("key", record.Key()),
		attribute.String("task_name", record.TaskName()),
	)

	return storage.ExecuteAndTrace(ctx, c.tracer, "redis.save_idempotency_record", attrs, func(ctx context.Context) error {
		ttl := record.TTL(c.now())
		if ttl <= 0 {
			return nil
		}

		data, err := json.Marshal(recordEnvelope{
			Key:       record.Key(),
			Scope:     record.Scope().String(),
			TaskName:  record.TaskName(),
			Outcome:   record.Outcome(),
			CreatedAt: record.CreatedAt(),
			ExpiresAt: record.ExpiresAt(),
			HitCount:  record.HitCount(),
			LastHitAt: record.LastHitAt(),
		})
		if err != nil {
			return fmt.Errorf("marshal record envelope: %w", err)
		}

		if err := c.rdb.Set(ctx, record.Key(), data, ttl).Err(); err != nil {
			return fmt.Errorf("set record: %w", err)
		}
		return nil
	})
}

// Find returns the cached record for the key, or ErrRecordNotFound on a miss.
func (c *recordCache) Find(ctx context.Context, key string) (*idempotency.Record, error) {
	attrs := append(defaultCacheAttributes, attribute.String("key", key))

	var record *idempotency.Record
	err := storage.ExecuteAndTrace(ctx, c.tracer, "redis.find_idempotency_record", attrs, func(ctx context.Context) error {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return idempotency.ErrRecordNotFound
			}
			return fmt.Errorf("get record: %w", err)
		}

		var env recordEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("unmarshal record envelope for key %s: %w", key, err)
		}

		record = idempotency.ReconstructRecord(
			env.Key,
			idempotency.ParseScope(env.Scope),
			env.TaskName,
			env.Outcome,
			env.CreatedAt,
			env.ExpiresAt,
			env.HitCount,
			env.LastHitAt,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
