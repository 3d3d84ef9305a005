package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph"
	"github.com/tessellate-ai/cardinal/pkg/graph/gosrc"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/provider"
	"github.com/tessellate-ai/cardinal/pkg/resilience"
	"github.com/tessellate-ai/cardinal/pkg/store"
	"github.com/tessellate-ai/cardinal/pkg/vcs"
)

type testEnv struct {
	o       *Orchestrator
	store   *store.Store
	cache   *cache.Cache
	adapter *provider.MockAdapter
	bus     *bus.Bus
	sub     *bus.Subscriber
	cfg     *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "cardinal.db")
	cfg.AIRateRPM = 6000
	cfg.AIRateTPM = 1_000_000
	cfg.AIMaxRetries = 0
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := bus.New(cfg.EventBacklog, logger)
	t.Cleanup(b.Close)
	sub := b.Subscribe("test")

	st, err := store.New(context.Background(), store.Options{
		Path:        cfg.StorePath,
		ProjectCode: cfg.ProjectCode,
		Bus:         b,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(st, cfg.CacheOn(), logger)
	adapter := provider.NewMockAdapter()
	registry := resilience.NewRegistry(cfg, nil, logger)
	gateway := provider.NewGatewayWithAdapter(adapter, "mock-model", registry, nil, logger)

	o, err := New(Options{
		Config:  cfg,
		Store:   st,
		Cache:   c,
		Gateway: gateway,
		Graph:   gosrc.New(cfg.SourceExtensions, logger),
		VCS:     vcs.NewGit(logger),
		Bus:     b,
		Logger:  logger,
	})
	require.NoError(t, err)

	return &testEnv{o: o, store: st, cache: c, adapter: adapter, bus: b, sub: sub, cfg: cfg}
}

// drainEvents empties the subscriber channel after a run has returned.
func drainEvents(sub *bus.Subscriber) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventsOfType(events []bus.Event, eventType string) []bus.Event {
	var out []bus.Event
	for _, evt := range events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

const calcSource = `package calc

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

// Div divides a by b.
func Div(a, b int) int {
	return a / b
}
`

const utilSource = `package calc

// Helper trims the input.
func Helper(s string) string {
	return s
}
`

const divFindingJSON = `[{
  "title": "missing zero check before division",
  "detail": "Div divides by b without guarding b == 0; a zero divisor panics at runtime.",
  "type": "Review",
  "priority": "P1",
  "risk": 0.7,
  "confidence": 0.9,
  "refs": [{"path": "calc.go", "line": 9}]
}]`

// reviewHandler reports one finding for Div and a clean bill for everything
// else; synthesis requests get prose.
func reviewHandler() func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		if req.System == synthesisInstructions {
			return &provider.Response{
				Content:   "The scope is small; the unguarded division is the dominant risk.",
				TokensIn:  50,
				TokensOut: 24,
			}, nil
		}
		if strings.Contains(req.Messages[0].Content, "`Div`") {
			return &provider.Response{Content: divFindingJSON, TokensIn: 90, TokensOut: 60}, nil
		}
		return &provider.Response{Content: "[]", TokensIn: 70, TokensOut: 2}, nil
	}
}

func writeSource(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func agentsByScope(t *testing.T, s *store.Store, sessionID string) map[models.AgentScope][]*models.Agent {
	t.Helper()
	resp, err := s.ListAgents(context.Background(), &models.AgentFilters{SessionID: sessionID, Limit: 500})
	require.NoError(t, err)
	out := make(map[models.AgentScope][]*models.Agent)
	for _, a := range resp.Agents {
		out[a.Scope] = append(out[a.Scope], a)
	}
	return out
}

func TestAnalyzeFullSingleFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, models.ModeFull, summary.Mode)
	assert.Equal(t, 1, summary.ModuleCount)
	assert.Equal(t, 2, summary.FunctionCount)
	assert.Equal(t, 1, summary.FilesAnalyzed)
	assert.Equal(t, 0, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 2, summary.CacheMisses)
	assert.Empty(t, summary.Errors)
	assert.Positive(t, summary.TokensIn)

	// One agent per scope level actually used: no subsystems for a flat
	// root, no classes in the fixture.
	agents := agentsByScope(t, env.store, summary.SessionID)
	assert.Len(t, agents[models.ScopeSystem], 1)
	assert.Len(t, agents[models.ScopeModule], 1)
	assert.Len(t, agents[models.ScopeFunction], 2)
	assert.Empty(t, agents[models.ScopeSubsystem])
	assert.Empty(t, agents[models.ScopeClass])
	for _, list := range agents {
		for _, a := range list {
			assert.Equal(t, models.AgentStatusCompleted, a.Status, a.ID)
			assert.NotNil(t, a.CompletedAt)
		}
	}

	// Leaf finding card plus one synthesis card per parent level.
	assert.Equal(t, 3, summary.CardsCreated)
	cards, err := env.store.ListCards(context.Background(), &models.CardFilters{SessionID: summary.SessionID})
	require.NoError(t, err)
	require.Len(t, cards.Cards, 3)

	var leaf, moduleSynth, systemSynth *models.Card
	for _, c := range cards.Cards {
		switch {
		case c.Title == "missing zero check before division":
			leaf = c
		case c.Type == models.CardTypeArchitecture:
			systemSynth = c
		default:
			moduleSynth = c
		}
	}
	require.NotNil(t, leaf)
	require.NotNil(t, moduleSynth)
	require.NotNil(t, systemSynth)

	assert.Regexp(t, `^PRJ-\d{4}-REV-\d{4}$`, leaf.ID)
	assert.Equal(t, models.CardStatusNew, leaf.Status)
	assert.Equal(t, models.PriorityP1, leaf.Priority)
	assert.Equal(t, "calc.go", leaf.Links.Code[0].Path)
	assert.Contains(t, strings.ToLower(leaf.Summary), "zero divisor")

	// The card tree mirrors the agent tree bottom-up.
	assert.Equal(t, moduleSynth.ID, leaf.ParentCardID)
	assert.Equal(t, systemSynth.ID, moduleSynth.ParentCardID)
	assert.Contains(t, moduleSynth.ChildCardIDs, leaf.ID)
	assert.Contains(t, systemSynth.ChildCardIDs, moduleSynth.ID)

	// Two leaf calls plus module and system synthesis.
	assert.Equal(t, 4, env.adapter.Calls())

	events := drainEvents(env.sub)
	require.NotEmpty(t, events)
	assert.Equal(t, bus.EventTypeAnalysisStarted, events[0].Type)
	assert.Equal(t, bus.EventTypeAnalysisCompleted, events[len(events)-1].Type)
	assert.Len(t, eventsOfType(events, bus.EventTypeCardCreated), 3)
	assert.NotEmpty(t, eventsOfType(events, bus.EventTypeAgentStatus))
	assert.NotEmpty(t, eventsOfType(events, bus.EventTypeAnalysisProgress))
	assert.Empty(t, eventsOfType(events, bus.EventTypeAnalysisError))
}

func TestAnalyzeFullWarmCacheRerun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)
	ctx := context.Background()

	first, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 2, first.CacheMisses)
	callsAfterFirst := env.adapter.Calls()
	drainEvents(env.sub)

	second, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, second.Status)
	assert.Equal(t, 2, second.CacheHits)
	assert.Equal(t, 0, second.CacheMisses)

	// Only the two synthesis calls hit the provider on a warm cache.
	assert.Equal(t, 2, env.adapter.Calls()-callsAfterFirst)

	// The rerun minted synthesis cards but re-attached the leaf card.
	events := drainEvents(env.sub)
	created := eventsOfType(events, bus.EventTypeCardCreated)
	require.Len(t, created, 2)
	for _, evt := range created {
		owner := evt.Payload.(bus.CardPayload).Card.OwnerAgentID
		assert.NotContains(t, owner, "FUNCTION", "leaf findings must not mint new cards on a hit")
	}

	// The hit re-attached the first run's card to the new function agent.
	agents := agentsByScope(t, env.store, second.SessionID)
	var divAgent *models.Agent
	for _, a := range agents[models.ScopeFunction] {
		if a.Qualifier == "Div" {
			divAgent = a
		}
	}
	require.NotNil(t, divAgent)
	require.Len(t, divAgent.CardIDs, 1)
	assert.Regexp(t, `^PRJ-\d{4}-REV-0001$`, divAgent.CardIDs[0])
	assert.Len(t, divAgent.Findings, 1)
}

func TestAnalyzeFullDisabledCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.o.cache = cache.New(env.store, false, nil)
	env.adapter.SetHandler(reviewHandler())
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)
	ctx := context.Background()

	_, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)
	callsAfterFirst := env.adapter.Calls()

	second, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CacheHits)
	assert.Equal(t, 2, second.CacheMisses)
	assert.Equal(t, 4, env.adapter.Calls()-callsAfterFirst)
}

func TestAnalyzeFullBreakerTrip(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AIMaxRetries = 0
		cfg.AIBreakerThreshold = 3
	})
	env.adapter.SetHandler(func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, fault.New(fault.KindOverloaded, "upstream saturated")
	})
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)
	writeSource(t, dir, "util.go", utilSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusDegraded, summary.Status)
	require.Len(t, summary.Errors, 3)
	for _, e := range summary.Errors {
		assert.Contains(t, []string{
			string(fault.KindOverloaded),
			string(fault.KindCircuitOpen),
		}, e.Kind)
	}

	// Failed agents contribute no cards, and with no findings anywhere the
	// parents synthesize nothing.
	assert.Equal(t, 0, summary.CardsCreated)

	agents := agentsByScope(t, env.store, summary.SessionID)
	for _, a := range agents[models.ScopeFunction] {
		assert.Equal(t, models.AgentStatusError, a.Status, a.ID)
	}
	for _, a := range agents[models.ScopeSystem] {
		assert.Equal(t, models.AgentStatusCompleted, a.Status)
	}

	events := drainEvents(env.sub)
	assert.NotEmpty(t, eventsOfType(events, bus.EventTypeAnalysisError))
}

func TestAnalyzeFullFlakyUpstreamRecovers(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AIMaxRetries = 2
		cfg.AIBreakerThreshold = 100
	})

	var mu sync.Mutex
	attempts := make(map[string]int)
	env.adapter.SetHandler(func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		key := req.System + "|" + req.Messages[0].Content
		mu.Lock()
		attempts[key]++
		n := attempts[key]
		mu.Unlock()
		if n <= 2 {
			return nil, fault.New(fault.KindOverloaded, "transient saturation")
		}
		return &provider.Response{Content: "[]", TokensIn: 40, TokensOut: 2}, nil
	})
	dir := t.TempDir()
	writeSource(t, dir, "util.go", utilSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Empty(t, summary.Errors)
	// One leaf, two failed attempts, one success; no findings, no synthesis.
	assert.Equal(t, 3, env.adapter.Calls())

	agents := agentsByScope(t, env.store, summary.SessionID)
	for _, list := range agents {
		for _, a := range list {
			assert.Equal(t, models.AgentStatusCompleted, a.Status, a.ID)
		}
	}
}

func TestAnalyzeFullEmptyDirectory(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := t.TempDir()

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.ModuleCount)
	assert.Equal(t, 0, summary.CacheHits+summary.CacheMisses)
	assert.Equal(t, 1, summary.CardsCreated)
	assert.Zero(t, env.adapter.Calls())

	agents := agentsByScope(t, env.store, summary.SessionID)
	require.Len(t, agents[models.ScopeSystem], 1)
	assert.Len(t, agents, 1)
	assert.Equal(t, models.AgentStatusCompleted, agents[models.ScopeSystem][0].Status)

	cards, err := env.store.ListCards(context.Background(), &models.CardFilters{SessionID: summary.SessionID})
	require.NoError(t, err)
	require.Len(t, cards.Cards, 1)
	assert.Equal(t, models.CardTypeArchitecture, cards.Cards[0].Type)
	assert.Equal(t, "Empty analysis scope", cards.Cards[0].Title)
}

func TestAnalyzeFullNestedTree(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	dir := t.TempDir()
	writeSource(t, dir, "main.go", utilSource)
	writeSource(t, dir, "pkg/calc/calc.go", calcSource)
	writeSource(t, dir, "pkg/calc/internal/deep.go", utilSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.ModuleCount)

	// main.go hangs directly off the System agent; pkg, pkg/calc, and
	// pkg/calc/internal each get a Subsystem agent.
	agents := agentsByScope(t, env.store, summary.SessionID)
	assert.Len(t, agents[models.ScopeSystem], 1)
	assert.Len(t, agents[models.ScopeModule], 3)
	require.Len(t, agents[models.ScopeSubsystem], 3)

	targets := make(map[string]bool)
	for _, a := range agents[models.ScopeSubsystem] {
		targets[a.Target] = true
	}
	assert.True(t, targets["pkg"])
	assert.True(t, targets["pkg/calc"])
	assert.True(t, targets["pkg/calc/internal"])
}

const fanoutSource = `package fanout

func F1(x int) int { return x + 1 }

func F2(x int) int { return x + 2 }

func F3(x int) int { return x + 3 }

func F4(x int) int { return x + 4 }

func F5(x int) int { return x + 5 }

func F6(x int) int { return x + 6 }
`

func TestAnalyzeFullBoundsFunctionConcurrency(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxConcurrentFunctions = 2
	})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	env.adapter.SetHandler(func(context.Context, *provider.Request) (*provider.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(25 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &provider.Response{Content: "[]", TokensIn: 40, TokensOut: 2}, nil
	})
	dir := t.TempDir()
	writeSource(t, dir, "fanout.go", fanoutSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, summary.Status)
	require.Equal(t, 6, summary.FunctionCount)
	require.Equal(t, 6, env.adapter.Calls())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "in-flight leaf calls must saturate but never exceed the permits")
}

func TestAnalyzeFullCancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(func(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "call abandoned")
	})
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	summary, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCancelled, summary.Status)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 0, summary.CardsCreated)

	// Outstanding agents land in Error, none stuck mid-flight.
	agents := agentsByScope(t, env.store, summary.SessionID)
	for _, a := range agents[models.ScopeFunction] {
		assert.Equal(t, models.AgentStatusError, a.Status, a.ID)
	}

	sess, err := env.store.GetSession(context.Background(), summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, sess.Status)
	require.NotNil(t, sess.CompletedAt)
}

type failingGraphProvider struct{ err error }

func (p failingGraphProvider) ParseDirectory(context.Context, string) (*graph.Graph, error) {
	return nil, p.err
}

func TestAnalyzeFullGraphFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.o.graphs = failingGraphProvider{err: fault.New(fault.KindInternal, "parser exploded")}
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	summary, err := env.o.AnalyzeFull(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusFailed, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, string(fault.KindInternal), summary.Errors[0].Kind)

	sess, err := env.store.GetSession(context.Background(), summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)

	events := drainEvents(env.sub)
	require.NotEmpty(t, events)
	assert.Equal(t, bus.EventTypeAnalysisCompleted, events[len(events)-1].Type)
	assert.NotEmpty(t, eventsOfType(events, bus.EventTypeAnalysisError))
}

func TestAnalyzeFullRejectsFilePath(t *testing.T) {
	env := newTestEnv(t, nil)
	file := filepath.Join(t.TempDir(), "calc.go")
	require.NoError(t, os.WriteFile(file, []byte(calcSource), 0o644))

	_, err := env.o.AnalyzeFull(context.Background(), file)
	require.Error(t, err)
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))

	sessions, err := env.store.ListSessions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sessions.TotalCount)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	env := newTestEnv(t, nil)
	_, err = New(Options{Config: env.cfg, Store: env.store, Cache: env.cache})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway")
}
