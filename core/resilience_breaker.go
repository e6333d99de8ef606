package core

// resilience_breaker.go – the circuit breaker (§4.H). Per named service,
// states {Closed, Open, HalfOpen}. No breaker/backoff combinator library is
// available in this codebase's dependency stack (see DESIGN.md), so this
// follows the same style used elsewhere for small concurrency primitives:
// a mutex-guarded struct, rather than reaching for an unavailable package.
// There is no background loop: an Open breaker moves to HalfOpen when its
// state is next read after ResetTimeout has elapsed.

import (
	"context"
	"sync"
	"time"
)

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// CircuitBreaker implements the state machine from §4.H.
type CircuitBreaker struct {
	mu sync.Mutex

	policy BreakerPolicy
	clock  Clock

	state        BreakerState
	failures     int
	windowStart  time.Time
	openedAt     time.Time
	halfOpenBusy bool
}

// NewCircuitBreaker constructs a breaker in the Closed state.
func NewCircuitBreaker(policy BreakerPolicy, clock Clock) *CircuitBreaker {
	return &CircuitBreaker{policy: policy, clock: clock, state: Closed, windowStart: clock.Now()}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == Open && cb.clock.Now().Sub(cb.openedAt) >= cb.policy.ResetTimeout {
		cb.state = HalfOpen
		cb.halfOpenBusy = false
	}
	return cb.state
}

// Call admits op if the breaker is Closed, or the single probe if HalfOpen;
// it short-circuits with CircuitOpen otherwise. CircuitOpen results are
// never retried by the composing Retry (§4.H, §7).
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	st := cb.stateLocked()
	switch st {
	case Open:
		cb.mu.Unlock()
		return NewError(ErrCircuitOpen, "CircuitBreaker.Call", "breaker open", nil)
	case HalfOpen:
		if cb.halfOpenBusy {
			cb.mu.Unlock()
			return NewError(ErrCircuitOpen, "CircuitBreaker.Call", "half-open probe in flight", nil)
		}
		cb.halfOpenBusy = true
	}
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if st == HalfOpen {
		cb.halfOpenBusy = false
		if err == nil {
			cb.state = Closed
			cb.failures = 0
			cb.windowStart = cb.clock.Now()
		} else {
			cb.state = Open
			cb.openedAt = cb.clock.Now()
		}
		return err
	}

	if err != nil {
		now := cb.clock.Now()
		if now.Sub(cb.windowStart) > cb.policy.Window {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.policy.FailureThreshold {
			cb.state = Open
			cb.openedAt = now
		}
	} else {
		cb.failures = 0
	}
	return err
}

// BreakerRegistry lazily creates and caches one CircuitBreaker per named
// service, so the fabric's control state never needs a reference back to
// the caller (§9 redesign note).
type BreakerRegistry struct {
	mu       sync.Mutex
	policy   BreakerPolicy
	clock    Clock
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry constructs an empty registry.
func NewBreakerRegistry(policy BreakerPolicy, clock Clock) *BreakerRegistry {
	return &BreakerRegistry{policy: policy, clock: clock, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) For(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(r.policy, r.clock)
	r.breakers[name] = b
	return b
}
