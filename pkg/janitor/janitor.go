// Package janitor runs scheduled background maintenance: pruning cache
// entries past their retention age and failing agents stuck in non-terminal
// states beyond the analysis deadline.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// Service owns the maintenance loop. All sweeps are idempotent, so an
// overlapping manual Sweep during the scheduled one is harmless.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	bus    *bus.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the janitor. Bus is optional; when present, swept agents emit
// agent_status events so live subscribers see the forced transition.
func New(cfg *config.Config, st *store.Store, c *cache.Cache, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		cache:  c,
		bus:    b,
		logger: logger.With("component", "janitor"),
	}
}

// Start launches the background loop: one sweep immediately, then one per
// configured interval.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Janitor started",
		"interval", s.cfg.JanitorInterval().String(),
		"cache_prune_age", s.cfg.CachePruneAge().String(),
		"agent_deadline", s.cfg.AnalysisDeadline().String())
}

// Stop signals the loop to exit and waits for the in-flight sweep.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.JanitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every maintenance task once. Errors are logged, never
// propagated: a failed sweep retries on the next tick.
func (s *Service) Sweep(ctx context.Context) {
	s.pruneCache(ctx)
	s.sweepStaleAgents(ctx)
}

func (s *Service) pruneCache(ctx context.Context) {
	n, err := s.cache.PruneOlderThan(ctx, s.cfg.CachePruneAge())
	if err != nil {
		s.logger.Error("Cache prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Janitor pruned cache entries", "count", n)
	}
}

// sweepStaleAgents forces agents that outlived the analysis deadline into
// Error. Orphans appear when a process dies mid-analysis: the session row is
// closed by the orchestrator's own deadline on restart, but agent rows keep
// whatever status the crash left them with.
func (s *Service) sweepStaleAgents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.AnalysisDeadline())
	agents, err := s.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		s.logger.Error("Stale agent listing failed", "error", err)
		return
	}

	swept := 0
	for _, agent := range agents {
		now := time.Now().UTC()
		agent.Status = models.AgentStatusError
		agent.StatusNote = "swept: exceeded analysis deadline"
		agent.CompletedAt = &now
		if err := s.store.SaveAgent(ctx, agent); err != nil {
			s.logger.Error("Stale agent sweep failed",
				"agent_id", agent.ID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.NewAgentStatus(agent))
		}
		swept++
	}
	if swept > 0 {
		s.logger.Warn("Swept stale agents", "count", swept,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
