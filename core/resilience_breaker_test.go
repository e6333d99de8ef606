package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestCircuitBreakerTripsAndRecovers exercises §8's breaker scenario:
// failure_threshold consecutive failures within window trip the breaker to
// Open; calls short-circuit with ErrCircuitOpen until reset_timeout elapses,
// then a single HalfOpen probe either closes it again or reopens it.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := NewCircuitBreaker(BreakerPolicy{FailureThreshold: 3, Window: time.Minute, ResetTimeout: 10 * time.Second}, clock)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := cb.Call(context.Background(), func(context.Context) error { return boom }); err != boom {
			t.Fatalf("expected the underlying error to pass through, got %v", err)
		}
	}
	if cb.State() != Closed {
		t.Fatal("breaker must stay Closed before reaching the failure threshold")
	}

	if err := cb.Call(context.Background(), func(context.Context) error { return boom }); err != boom {
		t.Fatalf("expected underlying error on the tripping call, got %v", err)
	}
	if cb.State() != Open {
		t.Fatal("breaker must open once failures reach the threshold")
	}

	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); !IsKind(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}

	clock.Advance(10 * time.Second)
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected the half-open probe to succeed, got %v", err)
	}
	if cb.State() != Closed {
		t.Fatal("a successful half-open probe must close the breaker")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := NewCircuitBreaker(BreakerPolicy{FailureThreshold: 1, Window: time.Minute, ResetTimeout: 5 * time.Second}, clock)

	boom := errors.New("boom")
	if err := cb.Call(context.Background(), func(context.Context) error { return boom }); err != boom {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if cb.State() != Open {
		t.Fatal("breaker must open after a single failure at threshold 1")
	}

	clock.Advance(5 * time.Second)
	if err := cb.Call(context.Background(), func(context.Context) error { return boom }); err != boom {
		t.Fatalf("expected the probe's own error to pass through, got %v", err)
	}
	if cb.State() != Open {
		t.Fatal("a failed half-open probe must reopen the breaker")
	}
}

func TestBreakerRegistryIsolatesServices(t *testing.T) {
	clock := newFakeClock(time.Now())
	reg := NewBreakerRegistry(BreakerPolicy{FailureThreshold: 1, Window: time.Minute, ResetTimeout: time.Second}, clock)

	boom := errors.New("boom")
	_ = reg.For("settlement-evm").Call(context.Background(), func(context.Context) error { return boom })
	if reg.For("settlement-evm").State() != Open {
		t.Fatal("the named breaker that failed must be open")
	}
	if reg.For("settlement-solana").State() != Closed {
		t.Fatal("breakers for distinct service names must be independent")
	}
}
