// Package resilience wraps upstream calls in the standing envelope:
// Retry(CircuitBreaker(Timeout(RateLimiter(call)))). Every provider call in
// the system goes through a Registry; nothing dials an upstream bare.
package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// RateLimiter enforces a dual budget: requests per minute and tokens per
// minute. Acquisition is FIFO by arrival under x/time/rate's internal
// queueing; callers report actual token usage afterwards so overage is
// drawn from the next window instead of being forgotten.
type RateLimiter struct {
	requests   *rate.Limiter
	tokens     *rate.Limiter
	tokenBurst int
}

// NewRateLimiter builds a limiter from per-minute budgets. A non-positive
// budget disables that bucket.
func NewRateLimiter(rpm, tpm int) *RateLimiter {
	l := &RateLimiter{}
	if rpm > 0 {
		// Small request bursts are allowed; sustained rate stays at rpm.
		burst := rpm / 6
		if burst < 1 {
			burst = 1
		}
		l.requests = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}
	if tpm > 0 {
		// Burst equals the full minute budget so one large request can
		// always be admitted rather than erroring on WaitN.
		l.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
		l.tokenBurst = tpm
	}
	return l
}

// Acquire blocks until both buckets admit the call, returning the time spent
// waiting. Estimated tokens above the burst are clamped; the remainder is
// settled by ReportActual.
func (l *RateLimiter) Acquire(ctx context.Context, estimatedTokens int) (time.Duration, error) {
	start := time.Now()
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return time.Since(start), l.waitError(ctx, err)
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > l.tokenBurst {
			n = l.tokenBurst
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return time.Since(start), l.waitError(ctx, err)
		}
	}
	return time.Since(start), nil
}

// waitError keeps context errors bare (the envelope classifies them) and
// turns limiter refusals into retryable rate faults.
func (l *RateLimiter) waitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fault.Wrap(fault.KindRateLimited, err, "rate limiter refused admission")
}

// ReportActual reconciles the estimate against the provider-reported usage.
// Overage is reserved against the bucket without blocking, pushing future
// admissions out; underage is forgiven.
func (l *RateLimiter) ReportActual(estimatedTokens, actualTokens int) {
	if l.tokens == nil || actualTokens <= estimatedTokens {
		return
	}
	delta := actualTokens - estimatedTokens
	if delta > l.tokenBurst {
		delta = l.tokenBurst
	}
	l.tokens.ReserveN(time.Now(), delta)
}
