// Package circuitbreaker stops calling an upstream AI provider after repeated
// failures and probes it again once a cool-down has passed. Each upstream
// client gets its own CircuitBreaker.
//
// State transitions:
//
//	Closed → Open        when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen   after Timeout elapses
//	HalfOpen → Closed   when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open     on any failure
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls without reaching the upstream.
	StateOpen
	// StateHalfOpen lets probe calls through.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures a CircuitBreaker. Zero values take the defaults noted
// on each field.
type Settings struct {
	FailureThreshold int           // default 5
	SuccessThreshold int           // default 1
	Timeout          time.Duration // default 30s
	// OnStateChange is called with the new state after every transition,
	// outside the breaker's lock.
	OnStateChange func(State)
	Now           func() time.Time
}

// CircuitBreaker guards a single upstream.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time
	onStateChange    func(State)
	now              func() time.Time
}

// New creates a CircuitBreaker with the given thresholds and open timeout.
func New(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	return NewWithSettings(Settings{
		FailureThreshold: failureThreshold,
		SuccessThreshold: successThreshold,
		Timeout:          timeout,
	})
}

// NewWithSettings creates a CircuitBreaker from s.
func NewWithSettings(s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		timeout:          s.Timeout,
		onStateChange:    s.OnStateChange,
		now:              s.Now,
	}
}

// State returns the current state, transitioning Open→HalfOpen if the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	before := cb.state
	st := cb.resolveState()
	cb.mu.Unlock()
	cb.notify(before, st)
	return st
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) notify(before, after State) {
	if before != after && cb.onStateChange != nil {
		cb.onStateChange(after)
	}
}

// Allow returns true if the request should proceed (circuit is Closed or
// HalfOpen), false if it should be rejected (circuit is Open).
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	before := cb.state
	mid := cb.resolveState()
	switch mid {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
	after := cb.state
	cb.mu.Unlock()
	cb.notify(before, mid)
	cb.notify(mid, after)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	before := cb.state
	mid := cb.resolveState()
	switch mid {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openUntil = cb.now().Add(cb.timeout)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openUntil = cb.now().Add(cb.timeout)
		cb.successCount = 0
	}
	after := cb.state
	cb.mu.Unlock()
	cb.notify(before, mid)
	cb.notify(mid, after)
}

// Execute runs fn when the circuit allows it and records the outcome. A
// cancelled ctx is not counted as an upstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		cb.RecordFailure()
	}
	return err
}
