package execution

import (
	"math/rand"
	"time"
)

// Default retry bounds. Task-class overrides are defined below.
const (
	defaultBaseDelay  = 60 * time.Second
	defaultMaxDelay   = 600 * time.Second
	defaultMaxRetries = 3
)

// attemptLabelCap bounds the attempt-count metric label to keep cardinality low.
const attemptLabelCap = 10

// RetryPolicy computes exponential backoff delays with jitter:
//
//	delay = min(base * 2^attempt * uniform(0.5, 1.0), max)
//
// The policy is a value; copies are independent and safe to share.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// jitter returns a uniform value in [0, 1). Injectable for deterministic
	// tests; nil uses the package-level source.
	jitter func() float64
}

// DefaultRetryPolicy returns the policy applied when no task-class override
// exists: 3 retries, 60s base, 600s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

// EmailRetryPolicy returns the override for email tasks: more attempts with a
// longer base, since mail providers throttle aggressively.
func EmailRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 120 * time.Second, MaxDelay: defaultMaxDelay}
}

// ExternalServiceRetryPolicy returns the override for tasks calling external
// services: fewer attempts with a long base, deferring to the circuit breaker.
func ExternalServiceRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 300 * time.Second, MaxDelay: defaultMaxDelay}
}

// WithJitterSource returns a copy of the policy using the provided uniform
// [0, 1) source. Tests use this for deterministic delays.
func (p RetryPolicy) WithJitterSource(src func() float64) RetryPolicy {
	p.jitter = src
	return p
}

// Delay returns the backoff before the given retry attempt (0-based). The
// unjittered base doubles per attempt; the jitter multiplier is uniform in
// [0.5, 1.0); the result never exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseForAttempt(attempt)

	j := p.jitter
	if j == nil {
		j = rand.Float64
	}
	jittered := time.Duration(float64(base) * (0.5 + j()/2))

	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

// BaseForAttempt returns the unjittered exponential delay for the attempt,
// capped at MaxDelay. Exposed so the monotonicity property is testable without
// randomness.
func (p RetryPolicy) BaseForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := p.BaseDelay
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if base > p.MaxDelay {
		return p.MaxDelay
	}
	return base
}

// Exhausted reports whether the given 0-based attempt count has consumed all
// retries.
func (p RetryPolicy) Exhausted(attempt int) bool { return attempt >= p.MaxRetries }

// AttemptLabel clamps an attempt count for use as a metric label value.
func AttemptLabel(attempt int) int {
	if attempt > attemptLabelCap {
		return attemptLabelCap
	}
	return attempt
}
