package provider

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
	"github.com/tessellate-ai/cardinal/pkg/resilience"
)

// tracerName is the OTel tracer name for gateway spans.
const tracerName = "cardinal/provider"

// Gateway runs completions through the configured adapter under the
// resilience envelope, estimating token cost for limiter admission and
// reporting actual usage back to the caller.
type Gateway struct {
	adapter   Adapter
	registry  *resilience.Registry
	estimator *Estimator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	model     string
}

// NewGateway selects the adapter from provider_kind and wires the envelope.
// API keys are read from the environment variable named by
// provider_api_key_env, never from the config file itself.
func NewGateway(cfg *config.Config, registry *resilience.Registry, m *metrics.Metrics, logger *slog.Logger) (*Gateway, error) {
	adapter, err := adapterFor(cfg)
	if err != nil {
		return nil, err
	}
	return NewGatewayWithAdapter(adapter, cfg.ProviderModel, registry, m, logger), nil
}

func adapterFor(cfg *config.Config) (Adapter, error) {
	switch cfg.ProviderKind {
	case config.ProviderKindVendorA:
		return NewAnthropicAdapter(os.Getenv(cfg.ProviderAPIKeyEnv), cfg.ProviderModel)
	case config.ProviderKindVendorBCompat:
		return NewOpenAIAdapter(os.Getenv(cfg.ProviderAPIKeyEnv), cfg.ProviderBaseURL, cfg.ProviderModel)
	case config.ProviderKindMock:
		return NewMockAdapter(), nil
	default:
		return nil, fault.New(fault.KindBadRequest, "unknown provider kind %q", cfg.ProviderKind)
	}
}

// NewGatewayWithAdapter injects a prebuilt adapter. Tests and offline
// tooling use this to pair the gateway with a scripted mock.
func NewGatewayWithAdapter(adapter Adapter, model string, registry *resilience.Registry, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		adapter:   adapter,
		registry:  registry,
		estimator: NewEstimator(),
		metrics:   m,
		logger:    logger.With("component", "provider"),
		tracer:    otel.Tracer(tracerName),
		model:     model,
	}
}

// UpstreamName identifies the active adapter for health and status surfaces.
func (g *Gateway) UpstreamName() string {
	return g.adapter.Name()
}

// Complete runs one completion through the envelope. rec, when non-nil,
// receives actual token usage and latency after a successful call.
func (g *Gateway) Complete(ctx context.Context, rec UsageRecorder, req *Request) (*Response, error) {
	est := req.EstimatedTokens
	if est <= 0 {
		est = g.estimator.EstimateRequest(g.model, req)
	}

	ctx, span := g.tracer.Start(ctx, "provider.complete",
		trace.WithAttributes(
			attribute.String("upstream", g.adapter.Name()),
			attribute.Int("estimated_tokens", est),
		))
	defer span.End()

	var resp *Response
	start := time.Now()
	err := g.registry.Execute(ctx, g.adapter.Name(), est, func(ctx context.Context) (int, error) {
		r, callErr := g.adapter.Complete(ctx, req)
		if callErr != nil {
			return 0, callErr
		}
		resp = r
		return r.TokensIn + r.TokensOut, nil
	})
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		g.logger.Error("Completion failed",
			"upstream", g.adapter.Name(),
			"kind", string(fault.KindOf(err)),
			"error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tokens_in", resp.TokensIn),
		attribute.Int("tokens_out", resp.TokensOut),
	)
	if g.metrics != nil {
		g.metrics.ProviderTokens.WithLabelValues(g.adapter.Name(), "in").Add(float64(resp.TokensIn))
		g.metrics.ProviderTokens.WithLabelValues(g.adapter.Name(), "out").Add(float64(resp.TokensOut))
	}
	if rec != nil {
		rec.RecordUsage(resp.TokensIn, resp.TokensOut, latency.Milliseconds())
	}
	g.logger.Debug("Completion succeeded",
		"upstream", g.adapter.Name(),
		"tokens_in", resp.TokensIn,
		"tokens_out", resp.TokensOut,
		"latency_ms", latency.Milliseconds())
	return resp, nil
}

// EstimateTokens counts tokens for text under the configured model, for
// callers sizing prompt content before submission.
func (g *Gateway) EstimateTokens(text string) int {
	return g.estimator.Count(g.model, text)
}
