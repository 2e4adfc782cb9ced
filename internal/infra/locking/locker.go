// Package locking provides distributed mutual exclusion across worker
// processes. Acquisition is modeled as an explicit ordered list of strategies
// (redis first, postgres advisory lock as fallback); the chain falls through
// only when a strategy's backing store is unreachable, never on contention,
// so two workers can never hold the "same" lock via different mechanisms.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// ErrLockHeld indicates the lock is currently held by another process.
var ErrLockHeld = errors.New("lock held")

// ErrNoStrategyAvailable indicates every strategy's backing store was
// unreachable. This propagates to the caller: proceeding without mutual
// exclusion could violate a correctness invariant.
var ErrNoStrategyAvailable = errors.New("no lock strategy available")

// ReleaseFunc releases an acquired lock. It is safe to call on any exit path;
// release failures are logged, not returned, because the lock self-expires.
type ReleaseFunc func(ctx context.Context)

// Strategy attempts a single non-blocking acquisition of a named lock.
// Implementations return ErrLockHeld on contention and any other error when
// the backing store is unreachable.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// TryAcquire attempts to take the lock, holding it for at most ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// pollInterval is how often a blocking acquisition retries.
const pollInterval = 100 * time.Millisecond

// Locker acquires distributed locks through an ordered strategy chain.
type Locker struct {
	strategies []Strategy
	logger     *logger.Logger
}

// NewLocker creates a Locker trying the given strategies in order.
func NewLocker(log *logger.Logger, strategies ...Strategy) *Locker {
	return &Locker{strategies: strategies, logger: log}
}

// Acquire takes the named lock. The timeout bounds both how long a blocking
// caller waits and how long the lock is held before self-expiring (so a
// crashed holder cannot block others forever).
//
// With blocking=false a held lock fails immediately with ErrLockHeld. With
// blocking=true the caller polls until the lock is free or timeout elapses.
// ErrNoStrategyAvailable is returned only when every strategy's store is
// unreachable.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration, blocking bool) (ReleaseFunc, error) {
	release, err := l.tryOnce(ctx, key, timeout)
	if err == nil {
		return release, nil
	}
	if !blocking || !errors.Is(err, ErrLockHeld) {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("lock %s: wait timed out after %s: %w", key, timeout, ErrLockHeld)
		case <-ticker.C:
			release, err := l.tryOnce(ctx, key, timeout)
			if err == nil {
				return release, nil
			}
			if !errors.Is(err, ErrLockHeld) {
				return nil, err
			}
		}
	}
}

// tryOnce walks the strategy chain. Contention stops the walk; only store
// unavailability falls through to the next strategy.
func (l *Locker) tryOnce(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	var lastErr error
	for _, s := range l.strategies {
		release, err := s.TryAcquire(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		if errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		l.logger.Warn(ctx, "lock strategy unavailable, trying next",
			"strategy", s.Name(), "lock_key", key, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("lock %s: %w: no strategies configured", key, ErrNoStrategyAvailable)
	}
	return nil, fmt.Errorf("lock %s: %w: %w", key, ErrNoStrategyAvailable, lastErr)
}
