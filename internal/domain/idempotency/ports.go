package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when no live record exists for a key.
var ErrRecordNotFound = errors.New("idempotency record not found")

// ErrDuplicateKey is returned by the durable store when a record already
// exists for the key. Losing the first-writer race is benign: the winner's
// outcome is the one that matters.
var ErrDuplicateKey = errors.New("idempotency record already exists")

// RecordStore defines persistence operations for idempotency records in the
// durable (authoritative) store.
type RecordStore interface {
	// Save persists a new record. It returns ErrDuplicateKey if a record
	// already exists for the key.
	Save(ctx context.Context, record *Record) error

	// Find returns the live record for the key, or ErrRecordNotFound if no
	// record exists or the record has expired.
	Find(ctx context.Context, key string) (*Record, error)

	// RegisterHit increments the record's hit count for observability.
	RegisterHit(ctx context.Context, key string, at time.Time) error

	// DeleteExpired removes records whose expiry is before the cutoff and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheStore defines the fast (non-authoritative) store. Writes carry the
// record's remaining TTL; the backing cache evicts on its own.
type CacheStore interface {
	// Save stores the record with its remaining TTL, overwriting any
	// previous value for the key.
	Save(ctx context.Context, record *Record) error

	// Find returns the cached record for the key, or ErrRecordNotFound on a
	// miss.
	Find(ctx context.Context, key string) (*Record, error)
}
