// Package api exposes the HTTP surface: analysis runs, sessions, cards,
// agents, cache maintenance, health, and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/health"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
	"github.com/tessellate-ai/cardinal/pkg/orchestrator"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// Options wires the server's collaborators. Metrics is optional; everything
// else is required.
type Options struct {
	Config       *config.Config
	Store        *store.Store
	Cache        *cache.Cache
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Checker
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Server owns the gin engine and the listener lifecycle.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	cache   *cache.Cache
	orch    *orchestrator.Orchestrator
	health  *health.Checker
	metrics *metrics.Metrics
	logger  *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router and registers every route.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("api server requires a config")
	case opts.Store == nil:
		return nil, fmt.Errorf("api server requires a store")
	case opts.Cache == nil:
		return nil, fmt.Errorf("api server requires a cache")
	case opts.Orchestrator == nil:
		return nil, fmt.Errorf("api server requires an orchestrator")
	case opts.Health == nil:
		return nil, fmt.Errorf("api server requires a health checker")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		cache:   opts.Cache,
		orch:    opts.Orchestrator,
		health:  opts.Health,
		metrics: opts.Metrics,
		logger:  logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog(), securityHeaders())
	s.engine = engine
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")

	v1.POST("/analyses", s.analyzeFullHandler)
	v1.POST("/analyses/incremental", s.analyzeIncrementalHandler)

	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)

	v1.GET("/cards", s.listCardsHandler)
	v1.GET("/cards/:id", s.getCardHandler)
	v1.PATCH("/cards/:id", s.patchCardHandler)
	v1.DELETE("/cards/:id", s.deleteCardHandler)
	v1.POST("/cards/:id/apply-fix", s.applyFixHandler)

	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)

	v1.GET("/cache/stats", s.cacheStatsHandler)
	v1.POST("/cache/prune", s.cachePruneHandler)

	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/healthz", s.livenessHandler)
	s.engine.GET("/readyz", s.readinessHandler)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
