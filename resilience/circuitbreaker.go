// Package resilience provides provider-call resilience primitives: a
// three-state circuit breaker, bounded retry with backoff, request
// hedging, and per-provider rate limiting. The STT/LLM/TTS adapters use
// only the circuit breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State string

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = "closed"

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the reset timeout elapses.
	StateOpen State = "open"

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Calls are forwarded; a success closes the breaker, a failure re-opens
	// it. Concurrent callers are not limited to a single probe.
	StateHalfOpen State = "half_open"
)

// CircuitBreaker implements the three-state circuit breaker pattern guarding
// a single provider adapter.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a CircuitBreaker. A non-positive threshold
// defaults to 5 consecutive failures; a non-positive resetTimeout defaults
// to 30s.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// State reports the breaker's current state, advancing Open to HalfOpen if
// the reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// advanceLocked transitions Open → HalfOpen once resetTimeout has elapsed.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		cb.state = StateHalfOpen
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// ErrCircuitOpen without calling fn. In the half-open state fn is called
// and its outcome decides whether the breaker closes or re-opens; calls
// that arrive while a probe is in flight are forwarded as well.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	cb.mu.Lock()
	cb.advanceLocked()
	if cb.state == StateOpen {
		cb.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	cb.mu.Unlock()

	result, err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
		return result, err
	}
	cb.failures = 0
	cb.state = StateClosed
	return result, nil
}

// Reset forces the breaker back to the closed state and clears the failure
// counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}
