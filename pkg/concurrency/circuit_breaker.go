package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and calls are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and calls are short-circuited
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit is testing whether the target recovered
	StateHalfOpen CircuitBreakerState = 2
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int64

	// ResetTimeout is how long the circuit stays open before a trial call is allowed
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of successful trial calls that closes the circuit
	HalfOpenSuccesses int64
}

// DefaultBreakerConfig returns the defaults used for external services.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// CircuitBreaker stops calls to a failing target and periodically lets a trial call through to test recovery
type CircuitBreaker struct {
	state                int32 // atomic: CircuitBreakerState
	consecutiveFailures  int64 // atomic
	consecutiveSuccesses int64 // atomic
	lastFailureTime      int64 // atomic: Unix nano timestamp
	trialing             int32 // atomic: 1 while the half-open trial call is in flight
	failureThreshold     int64
	halfOpenSuccesses    int64
	resetTimeout         time.Duration
	onStateChange        func(from, to CircuitBreakerState)
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker, filling unset fields with defaults
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}

	return &CircuitBreaker{
		state:             int32(StateClosed),
		failureThreshold:  cfg.FailureThreshold,
		halfOpenSuccesses: cfg.HalfOpenSuccesses,
		resetTimeout:      cfg.ResetTimeout,
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Must be set before the breaker is shared.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.onStateChange = fn
}

// IsOpen returns true if calls must be short-circuited.
// An open circuit whose reset timeout elapsed moves to half-open. While half-open
// a single trial call is let through; the others are rejected until it records
// its outcome.
func (cb *CircuitBreaker) IsOpen() bool {
	_, ok := cb.allow()
	return !ok
}

// allow reports whether a call may proceed and whether it is the half-open trial.
func (cb *CircuitBreaker) allow() (trial bool, ok bool) {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return false, true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
		if lastFailure == 0 || time.Since(time.Unix(0, lastFailure)) < cb.resetTimeout {
			return false, false
		}
		cb.transitionTo(StateHalfOpen)
	}
	if atomic.CompareAndSwapInt32(&cb.trialing, 0, 1) {
		return true, true
	}
	return false, false
}

// releaseTrial frees the trial slot of a call that ended without an outcome.
func (cb *CircuitBreaker) releaseTrial() {
	atomic.StoreInt32(&cb.trialing, 0)
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	defer cb.releaseTrial()

	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		if atomic.AddInt64(&cb.consecutiveSuccesses, 1) >= cb.halfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	state := CircuitBreakerState(atomic.LoadInt32(&cb.state))

	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)
	defer cb.releaseTrial()

	switch {
	case state == StateClosed && failures >= cb.failureThreshold:
		cb.transitionTo(StateOpen)
	case state == StateHalfOpen:
		// a failed trial call reopens the circuit for another full timeout
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return atomic.LoadInt64(&cb.consecutiveFailures)
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState := CircuitBreakerState(atomic.LoadInt32(&cb.state))
	if oldState == newState {
		cb.mu.Unlock()
		return
	}
	atomic.StoreInt32(&cb.state, int32(newState))
	atomic.StoreInt32(&cb.trialing, 0)

	switch newState {
	case StateClosed:
		atomic.StoreInt64(&cb.consecutiveFailures, 0)
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	}
	cb.mu.Unlock()

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
