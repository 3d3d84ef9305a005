package resilience

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// Breaker wraps sony/gobreaker with the system's failure semantics: only
// retryable faults count toward tripping, so a misconfigured API key cannot
// open the circuit while the upstream is healthy.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after threshold consecutive
// retryable failures and probes with a single request after the recovery
// window.
func NewBreaker(name string, threshold int, recovery time.Duration, logger *slog.Logger,
	onChange func(name string, from, to gobreaker.State)) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // HalfOpen admits one probe
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			// Non-retryable failures surface to the caller but do not count
			// against the upstream's health.
			return err == nil || !fault.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				"upstream", name, "from", from.String(), "to", to.String())
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. Rejections while Open (or beyond the
// HalfOpen probe budget) come back as CircuitOpen faults.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.KindCircuitOpen, err, "upstream %s rejecting calls", b.cb.Name())
	}
	return err
}

// State exposes the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// StateValue maps a breaker state onto the metric gauge scale.
func StateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
