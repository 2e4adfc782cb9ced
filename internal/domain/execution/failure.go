// Package execution defines the domain model for idempotent task execution:
// failure classification, retry policy, and the unit-of-work contract.
package execution

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// FailureKind is the closed classification of execution failures. Every error
// crossing the execution boundary is classified exactly once and dispatched on
// its kind; retry logic never inspects raw error types.
type FailureKind int

const (
	// KindNone is the zero value, returned for a nil error.
	KindNone FailureKind = iota

	// KindTransient covers connection and database failures that are worth
	// retrying: the dependency may recover before the next attempt.
	KindTransient

	// KindFatal covers everything outside the closed retryable set.
	// Fatal failures propagate immediately without consuming retries.
	KindFatal

	// KindStoreUnavailable marks cache or database connectivity loss inside
	// the idempotency layer itself. The layer degrades fail-open on this
	// kind instead of surfacing it.
	KindStoreUnavailable

	// KindLockUnavailable marks a failed distributed lock acquisition. This
	// kind does propagate: proceeding without mutual exclusion could break
	// an invariant the caller depends on.
	KindLockUnavailable
)

// String returns the string representation of the FailureKind.
func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindLockUnavailable:
		return "lock_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether attempts remain meaningful for this kind.
func (k FailureKind) Retryable() bool { return k == KindTransient }

// ErrStoreUnavailable is wrapped around store connectivity failures by the
// idempotency layer so they classify as KindStoreUnavailable.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrLockUnavailable is wrapped around lock acquisition failures so they
// classify as KindLockUnavailable.
var ErrLockUnavailable = errors.New("lock acquisition failed")

// ErrCircuitOpen is returned when a call is rejected because the target
// service's circuit breaker is open.
var ErrCircuitOpen = errors.New("service unavailable: circuit open")

// transientError wraps an error explicitly marked retryable by a caller.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so Classify reports it as KindTransient. Units of
// work use this for dependency failures the classifier cannot recognize
// structurally.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify maps an error to its FailureKind. It is the single decision point
// for the failure taxonomy; callers dispatch on the returned kind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrLockUnavailable):
		return KindLockUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case isMarkedTransient(err), isConnectionError(err), isRetryableDatabaseError(err):
		return KindTransient
	default:
		return KindFatal
	}
}

func isMarkedTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// isConnectionError recognizes network-level failures: timeouts, refused or
// reset connections, and deadline expiry.
func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isRetryableDatabaseError recognizes the postgres error classes that signal
// a recoverable condition: connection exceptions, serialization failures and
// deadlocks, resource exhaustion, and operator intervention (failover).
func isRetryableDatabaseError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	switch {
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsTransactionRollback(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code),
		pgerrcode.IsOperatorIntervention(pgErr.Code):
		return true
	}
	return false
}
