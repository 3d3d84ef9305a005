// Package metrics exposes the Prometheus instruments shared across the
// system. A Metrics value owns its registry, so tests and embedders never
// collide on the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for provider call counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics bundles every instrument the system records.
type Metrics struct {
	registry *prometheus.Registry

	// Provider envelope
	ProviderCalls   *prometheus.CounterVec
	ProviderRetries *prometheus.CounterVec
	ProviderTokens  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	LimiterWait     prometheus.Histogram

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Orchestrator
	AgentsRunning *prometheus.GaugeVec
	CardsCreated  *prometheus.CounterVec
	Sessions      *prometheus.CounterVec

	// HTTP surface
	HTTPDuration *prometheus.HistogramVec
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_provider_calls_total",
			Help: "Provider completions attempted, by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_provider_retries_total",
			Help: "Retry attempts made by the resilience envelope.",
		}, []string{"upstream"}),
		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_provider_tokens_total",
			Help: "Tokens exchanged with providers, by direction.",
		}, []string{"upstream", "direction"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardinal_breaker_state",
			Help: "Circuit breaker state per upstream: 0 closed, 1 half-open, 2 open.",
		}, []string{"upstream"}),
		LimiterWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardinal_limiter_wait_seconds",
			Help:    "Time spent waiting for rate limiter admission.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardinal_cache_hits_total",
			Help: "Analysis cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardinal_cache_misses_total",
			Help: "Analysis cache misses.",
		}),

		AgentsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardinal_agents_running",
			Help: "Agents currently inside their permit, by scope.",
		}, []string{"scope"}),
		CardsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_cards_created_total",
			Help: "Cards minted, by type.",
		}, []string{"type"}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_sessions_total",
			Help: "Analysis sessions finished, by mode and status.",
		}, []string{"mode", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardinal_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route, and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
