package core

// resilience_retry.go – exponential backoff with jitter (§4.H). Composable
// with the circuit breaker: a CircuitOpen result propagates immediately and
// is never retried.

import (
	"context"
	"math/rand"
	"time"
)

// Retry runs op, retrying with exponential backoff on failure, up to
// policy.MaxRetries additional attempts. delay_n = min(initial *
// factor^(n-1), max_delay) * jitter, jitter uniform in [1, 1+policy.Jitter].
func Retry(ctx context.Context, policy RetryPolicy, clock Clock, op func(context.Context) error) error {
	var lastErr error
	delay := policy.Initial
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsKind(err, ErrCircuitOpen) {
			return err
		}
		lastErr = err
		if attempt == policy.MaxRetries {
			break
		}
		wait := time.Duration(float64(delay) * (1 + rand.Float64()*policy.Jitter))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		next := time.Duration(float64(delay) * policy.Factor)
		if next > policy.MaxDelay {
			next = policy.MaxDelay
		}
		delay = next
	}
	return lastErr
}
