package idempotency

import (
	"encoding/json"
	"time"
)

// OutcomeStatus indicates whether a cached outcome represents a successful
// execution or a terminal failure.
type OutcomeStatus string

const (
	// OutcomeSuccess marks a result that completed normally.
	OutcomeSuccess OutcomeStatus = "success"

	// OutcomeFailed marks a result that exhausted retries or failed fatally.
	// Failed outcomes are cached with a short TTL so duplicate submissions
	// during an outage do not each independently retry.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the cached payload of one unit of work: either a result or an
// error, never both.
type Outcome struct {
	Status OutcomeStatus   `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SuccessOutcome builds an Outcome for a completed execution.
func SuccessOutcome(result json.RawMessage) Outcome {
	return Outcome{Status: OutcomeSuccess, Result: result}
}

// FailedOutcome builds an Outcome for a permanently failed execution.
func FailedOutcome(errMsg string) Outcome {
	return Outcome{Status: OutcomeFailed, Error: errMsg}
}

// Record represents one cached outcome of a unit of work, addressed by its
// idempotency key. Records are created once, read on every subsequent
// submission with the same key until expiry, and never mutated except for
// hit-count bookkeeping.
type Record struct {
	key       string
	scope     Scope
	taskName  string
	outcome   Outcome
	createdAt time.Time
	expiresAt time.Time
	hitCount  int64
	lastHitAt time.Time
}

// NewRecord creates a Record for a freshly computed outcome with the given TTL.
func NewRecord(key string, scope Scope, taskName string, outcome Outcome, ttl time.Duration, now time.Time) *Record {
	return &Record{
		key:       key,
		scope:     scope,
		taskName:  taskName,
		outcome:   outcome,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// ReconstructRecord creates a Record from stored fields, bypassing creation
// invariants. This should only be used by stores when loading from persistence.
func ReconstructRecord(
	key string,
	scope Scope,
	taskName string,
	outcome Outcome,
	createdAt, expiresAt time.Time,
	hitCount int64,
	lastHitAt time.Time,
) *Record {
	return &Record{
		key:       key,
		scope:     scope,
		taskName:  taskName,
		outcome:   outcome,
		createdAt: createdAt,
		expiresAt: expiresAt,
		hitCount:  hitCount,
		lastHitAt: lastHitAt,
	}
}

// Key returns the idempotency key addressing this record.
func (r *Record) Key() string { return r.key }

// Scope returns the partition boundary the record was created under.
func (r *Record) Scope() Scope { return r.scope }

// TaskName returns the name of the task whose outcome is cached.
func (r *Record) TaskName() string { return r.taskName }

// Outcome returns the cached payload.
func (r *Record) Outcome() Outcome { return r.outcome }

// CreatedAt returns when the outcome was first stored.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// ExpiresAt returns when the record stops being treated as a duplicate.
func (r *Record) ExpiresAt() time.Time { return r.expiresAt }

// HitCount returns how many times this record satisfied a duplicate check.
func (r *Record) HitCount() int64 { return r.hitCount }

// LastHitAt returns when the record last satisfied a duplicate check.
func (r *Record) LastHitAt() time.Time { return r.lastHitAt }

// TTL returns the remaining lifetime of the record relative to now.
// A non-positive duration means the record is expired.
func (r *Record) TTL(now time.Time) time.Duration { return r.expiresAt.Sub(now) }

// IsExpired reports whether the record is past its expiry. Expired records
// must never satisfy a duplicate check; an identical submission executes
// again as fresh work.
func (r *Record) IsExpired(now time.Time) bool { return !r.expiresAt.After(now) }

// RegisterHit records one reuse of the cached outcome.
func (r *Record) RegisterHit(now time.Time) {
	r.hitCount++
	r.lastHitAt = now
}
