package core

// resilience_context.go – the resilience fabric's composition root (§9
// redesign note: "cyclic references between manager, retry, breaker, and
// degradation" are broken by a context object that holds only
// configuration; the managers themselves hold no references to each
// other). All outbound calls from the sequencer flow through
// retry(circuitBreaker(op)), in that order (§4.H "Composition").

import (
	"context"
	"time"
)

// RetryPolicy configures exponential backoff with jitter (§4.H).
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Factor     float64
	MaxDelay   time.Duration
	Jitter     float64 // uniform random multiplier in [1, 1+Jitter]
}

// DefaultRetryPolicy mirrors the retry.default configuration keys (§6).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Initial: 50 * time.Millisecond, Factor: 2, MaxDelay: 2 * time.Second, Jitter: 0.2}
}

// BreakerPolicy configures a circuit breaker (§4.H).
type BreakerPolicy struct {
	FailureThreshold int
	Window           time.Duration
	ResetTimeout      time.Duration
}

// DefaultBreakerPolicy mirrors circuit_breaker.default (§6).
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, Window: 10 * time.Second, ResetTimeout: 5 * time.Second}
}

// FabricContext holds only configuration — no references to breakers,
// retriers, or degradation registries belonging to other calls — and is
// passed into every guarded operation. Breakers are keyed by service name
// and created lazily so a FabricContext can be shared process-wide.
type FabricContext struct {
	retry    RetryPolicy
	breakers *BreakerRegistry
	clock    Clock
}

// NewFabricContext builds a FabricContext with the given defaults.
func NewFabricContext(retry RetryPolicy, breaker BreakerPolicy, clock Clock) *FabricContext {
	return &FabricContext{retry: retry, breakers: NewBreakerRegistry(breaker, clock), clock: clock}
}

// Guard composes retry(circuitBreaker(op)) for the named service, per
// §4.H's composition rule. op is a pure closure; Guard never mutates
// anything except the named breaker's rolling counters.
func (fc *FabricContext) Guard(ctx context.Context, service string, op func(context.Context) error) error {
	breaker := fc.breakers.For(service)
	return Retry(ctx, fc.retry, fc.clock, func(ctx context.Context) error {
		return breaker.Call(ctx, op)
	})
}
