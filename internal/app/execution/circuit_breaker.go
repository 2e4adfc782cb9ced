package execution

import (
	"context"
	"sync"
	"time"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// Circuit breaker tuning. The breaker trips after failureThreshold consecutive
// failures and stays open for recoveryTimeout; after that a single trial call
// is let through, and its outcome either resets or re-trips the circuit.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 300 * time.Second
)

// circuitState tracks failures for one downstream service.
type circuitState struct {
	failures      int
	lastFailureAt time.Time
}

// CircuitBreaker tracks downstream service health per service name. State is
// process-local: each worker observes its own failures, so a tripped circuit
// on one worker does not block the fleet.
type CircuitBreaker struct {
	mu     sync.Mutex
	states map[string]*circuitState

	threshold int
	recovery  time.Duration

	logger *logger.Logger
	now    func() time.Time
}

// NewCircuitBreaker creates a breaker with the default threshold and recovery
// window.
func NewCircuitBreaker(log *logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*circuitState),
		threshold: defaultFailureThreshold,
		recovery:  defaultRecoveryTimeout,
		logger:    log,
		now:       time.Now,
	}
}

// IsOpen reports whether calls to the service should be rejected. The circuit
// is open when the failure count has reached the threshold and the last
// failure is within the recovery window. Once the window elapses the next
// call is allowed through as a trial; its failure re-trips immediately
// because the accumulated count is only cleared by a success.
func (b *CircuitBreaker) IsOpen(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[service]
	if !ok || state.failures < b.threshold {
		return false
	}
	return b.now().Sub(state.lastFailureAt) < b.recovery
}

// RecordFailure counts one failed call to the service.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[service]
	if !ok {
		state = new(circuitState)
		b.states[service] = state
	}
	state.failures++
	state.lastFailureAt = b.now()

	if state.failures == b.threshold {
		b.logger.Warn(ctx, "circuit breaker tripped",
			"service", service,
			"failures", state.failures,
			"recovery_timeout", b.recovery.String())
	}
}

// RecordSuccess fully resets the service's failure count.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[service]
	if !ok || state.failures == 0 {
		return
	}
	if state.failures >= b.threshold {
		b.logger.Info(ctx, "circuit breaker reset", "service", service)
	}
	delete(b.states, service)
}
