package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
)

// Upstream bundles the per-upstream envelope state: one shared limiter, one
// breaker, the per-attempt deadline, and the retry policy.
type Upstream struct {
	name    string
	limiter *RateLimiter
	breaker *Breaker
	timeout time.Duration
	policy  RetryPolicy
}

// Registry hands out upstream envelopes keyed by name. All agents share the
// same envelope per upstream, which is what makes the rate and breaker
// guarantees global rather than per-caller.
type Registry struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	upstreams map[string]*Upstream
}

// NewRegistry creates an empty registry that builds envelopes on first use
// from the envelope settings in cfg.
func NewRegistry(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "resilience"),
		upstreams: make(map[string]*Upstream),
	}
}

// Upstream returns the envelope for name, creating it on first use.
func (r *Registry) Upstream(name string) *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if up, ok := r.upstreams[name]; ok {
		return up
	}
	up := &Upstream{
		name:    name,
		limiter: NewRateLimiter(r.cfg.AIRateRPM, r.cfg.AIRateTPM),
		timeout: r.cfg.AITimeout(),
		policy:  DefaultRetryPolicy(r.cfg.AIMaxRetries),
	}
	up.breaker = NewBreaker(name, r.cfg.AIBreakerThreshold, r.cfg.BreakerRecovery(), r.logger,
		func(upstreamName string, _, to gobreaker.State) {
			if r.metrics != nil {
				r.metrics.BreakerState.WithLabelValues(upstreamName).Set(StateValue(to))
			}
		})
	r.upstreams[name] = up
	return up
}

// States reports every known upstream's breaker state, for health and
// operator surfaces.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.upstreams))
	for name, up := range r.upstreams {
		out[name] = up.breaker.State().String()
	}
	return out
}

// Execute runs fn under the full envelope for the named upstream. fn
// receives the per-attempt context and returns the actual token cost of the
// call (for limiter reconciliation) or an error. Classification of provider
// errors into fault kinds is the adapter's job; Execute only classifies what
// the envelope itself produces.
func (r *Registry) Execute(ctx context.Context, upstream string, estimatedTokens int, fn func(ctx context.Context) (int, error)) error {
	up := r.Upstream(upstream)

	return up.policy.Do(ctx,
		func(attempt int) {
			if r.metrics != nil {
				r.metrics.ProviderRetries.WithLabelValues(upstream).Inc()
			}
			r.logger.Warn("Retrying upstream call",
				"upstream", upstream, "attempt", attempt, "max_retries", up.policy.MaxRetries)
		},
		func() error {
			err := up.attempt(ctx, estimatedTokens, fn, r.metrics)
			if r.metrics != nil {
				outcome := metrics.OutcomeSuccess
				if err != nil {
					outcome = metrics.OutcomeFailure
				}
				r.metrics.ProviderCalls.WithLabelValues(upstream, outcome).Inc()
			}
			return err
		})
}

// attempt is one pass through CircuitBreaker(Timeout(RateLimiter(call))).
func (up *Upstream) attempt(ctx context.Context, estimatedTokens int, fn func(ctx context.Context) (int, error), m *metrics.Metrics) error {
	return up.breaker.Execute(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, up.timeout)
		defer cancel()

		waited, err := up.limiter.Acquire(attemptCtx, estimatedTokens)
		if m != nil {
			m.LimiterWait.Observe(waited.Seconds())
		}
		if err != nil {
			return classifyAttempt(ctx, err)
		}

		actualTokens, err := fn(attemptCtx)
		if err != nil {
			return classifyAttempt(ctx, err)
		}
		up.limiter.ReportActual(estimatedTokens, actualTokens)
		return nil
	})
}

// classifyAttempt wraps bare context errors into the taxonomy, telling the
// per-attempt deadline (retryable timeout) apart from the caller's own
// context ending (cancellation or the analysis deadline). Faults pass
// through untouched.
func classifyAttempt(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fault.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCancelled, err, "upstream call cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return fault.Wrap(fault.KindCancelled, err, "caller deadline exhausted")
		}
		return fault.Wrap(fault.KindTimeout, err, "attempt deadline exceeded")
	default:
		return fault.Wrap(fault.KindInternal, err, "unclassified upstream failure")
	}
}
