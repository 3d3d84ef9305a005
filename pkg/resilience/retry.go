package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// RetryPolicy controls the outermost layer of the envelope. MaxRetries
// counts re-attempts beyond the first call.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy matches the envelope defaults: three retries, 500ms
// doubling to a ceiling of 8s.
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{
		MaxRetries:     maxRetries,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2.0,
	}
}

// backoffFor computes the capped exponential delay before retry n (0-based).
func (p RetryPolicy) backoffFor(n int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// jitter scales a delay by a random factor in [0.5, 1.0) so synchronized
// retry herds spread out.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
}

// Do runs fn until it succeeds, fails non-retryably, or the retry budget is
// spent. onRetry fires before each re-attempt with its 1-based number.
// Cancellation during backoff aborts immediately.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(attempt int), fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !fault.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxRetries {
			return lastErr
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return fault.Wrap(fault.KindCancelled, lastErr, "cancelled during retry backoff")
			}
			return fault.Wrap(fault.KindTimeout, lastErr, "deadline reached during retry backoff")
		case <-time.After(jitter(p.backoffFor(attempt))):
		}

		if onRetry != nil {
			onRetry(attempt + 1)
		}
	}
}
