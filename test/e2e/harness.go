// Package e2e boots a complete cardinal instance against a temp-dir store
// and drives it over HTTP, the way an external client would.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/api"
	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/graph/gosrc"
	"github.com/tessellate-ai/cardinal/pkg/health"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
	"github.com/tessellate-ai/cardinal/pkg/orchestrator"
	"github.com/tessellate-ai/cardinal/pkg/provider"
	"github.com/tessellate-ai/cardinal/pkg/resilience"
	"github.com/tessellate-ai/cardinal/pkg/store"
	"github.com/tessellate-ai/cardinal/pkg/vcs"
)

// TestApp is a full cardinal stack listening on a random local port.
type TestApp struct {
	Config  *config.Config
	Store   *store.Store
	Cache   *cache.Cache
	Bus     *bus.Bus
	Adapter *provider.MockAdapter
	Orch    *orchestrator.Orchestrator
	Metrics *metrics.Metrics

	// BaseURL is e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	mutate  func(*config.Config)
	handler func(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig mutates the default test configuration before wiring.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(c *testAppConfig) { c.mutate = mutate }
}

// WithProviderHandler installs the mock adapter's fallback handler. Without
// one, every completion answers with an empty findings array.
func WithProviderHandler(fn func(ctx context.Context, req *provider.Request) (*provider.Response, error)) TestAppOption {
	return func(c *testAppConfig) { c.handler = fn }
}

// NewTestApp creates and starts a full cardinal test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Configuration: defaults with the limiter opened up so scenario
	// timing is dominated by the behavior under test, not admission.
	cfg := config.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "cardinal.db")
	cfg.AIRateRPM = 6000
	cfg.AIRateTPM = 1_000_000
	cfg.AIMaxRetries = 0
	if tc.mutate != nil {
		tc.mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 2. Bus, store, cache.
	eventBus := bus.New(cfg.EventBacklog, logger)
	st, err := store.New(context.Background(), store.Options{
		Path:        cfg.StorePath,
		ProjectCode: cfg.ProjectCode,
		Bus:         eventBus,
		Logger:      logger,
	})
	require.NoError(t, err)
	ca := cache.New(st, cfg.CacheOn(), logger)

	// 3. Provider gateway over a scripted mock adapter.
	adapter := provider.NewMockAdapter()
	if tc.handler != nil {
		adapter.SetHandler(tc.handler)
	}
	m := metrics.New()
	registry := resilience.NewRegistry(cfg, m, logger)
	gateway := provider.NewGatewayWithAdapter(adapter, "mock-model", registry, m, logger)

	// 4. Orchestrator with the built-in Go graph provider and git adapter.
	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Store:   st,
		Cache:   ca,
		Gateway: gateway,
		Graph:   gosrc.New(cfg.SourceExtensions, logger),
		VCS:     vcs.NewGit(logger),
		Bus:     eventBus,
		Metrics: m,
		Logger:  logger,
	})
	require.NoError(t, err)

	// 5. HTTP server on a random port.
	srv, err := api.NewServer(api.Options{
		Config:       cfg,
		Store:        st,
		Cache:        ca,
		Orchestrator: orch,
		Health:       health.New(st, ca, cfg.StorePath, logger),
		Metrics:      m,
		Logger:       logger,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := &http.Server{Handler: srv.Handler()}
	go func() { _ = httpServer.Serve(ln) }()

	app := &TestApp{
		Config:  cfg,
		Store:   st,
		Cache:   ca,
		Bus:     eventBus,
		Adapter: adapter,
		Orch:    orch,
		Metrics: m,
		BaseURL: "http://" + ln.Addr().String(),
		t:       t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = st.Close()
		eventBus.Close()
	})

	return app
}
