// Package backoff provides exponential backoff policies for retry logic.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff schedule with jitter.
// The same shape is used for connection-level reconnection and for
// per-message delivery retries, but callers hold independent values so
// the two attempt budgets never couple.
type Policy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1, applied as (1 ± jitter)
	MaxDelay     time.Duration

	// FailoverRegions, when non-empty, is the ordered list of regions a
	// reconnecting client cycles through after the first failed attempt.
	FailoverRegions []string
}

// Connection is the default policy for socket re-establishment.
var Connection = Policy{
	MaxAttempts:  5,
	BaseInterval: 1 * time.Second,
	Multiplier:   2.0,
	JitterFactor: 0.2,
	MaxDelay:     30 * time.Second,
}

// Delivery is the default policy for reliable message retries.
var Delivery = Policy{
	MaxAttempts:  3,
	BaseInterval: 500 * time.Millisecond,
	Multiplier:   2.0,
	JitterFactor: 0.1,
	MaxDelay:     10 * time.Second,
}

// Delay computes the wait before the given zero-based attempt:
// min(base * multiplier^attempt * (1 ± jitter), maxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.BaseInterval) * math.Pow(p.Multiplier, float64(attempt))
	if p.JitterFactor > 0 {
		base *= 1 + p.JitterFactor*(2*rand.Float64()-1)
	}
	d := time.Duration(base)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Region returns the failover region for the given zero-based attempt.
// The first attempt retries the original region (empty string); each
// subsequent attempt cycles through FailoverRegions in order.
func (p Policy) Region(attempt int) string {
	if len(p.FailoverRegions) == 0 || attempt <= 0 {
		return ""
	}
	return p.FailoverRegions[(attempt-1)%len(p.FailoverRegions)]
}

type RetryFunc func(ctx context.Context, attempt int) error

// Retry runs fn up to MaxAttempts times, sleeping Delay(i) between
// failures. onRetry, if non-nil, observes every failed attempt.
func Retry(ctx context.Context, p Policy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < p.MaxAttempts; i++ {
		if err := fn(ctx, i+1); err != nil {
			lastErr = err

			if onRetry != nil {
				onRetry(i+1, err, p.Delay(i))
			}

			if i == p.MaxAttempts-1 {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(i)):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
