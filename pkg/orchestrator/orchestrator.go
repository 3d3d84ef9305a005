// Package orchestrator runs hierarchical analysis sessions. One run fans a
// parsed code graph out into a tree of scoped agents (System at the root,
// Subsystems per directory, Modules per file, Classes and Functions as
// leaves), bounded by per-scope semaphores. Leaves consult the cache before
// calling the provider; parents synthesize their children's findings into
// cards. Failures are isolated per scope and recorded on the session rather
// than aborting the run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tessellate-ai/cardinal/pkg/agentrun"
	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph"
	"github.com/tessellate-ai/cardinal/pkg/metrics"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/provider"
	"github.com/tessellate-ai/cardinal/pkg/redact"
	"github.com/tessellate-ai/cardinal/pkg/store"
	"github.com/tessellate-ai/cardinal/pkg/vcs"
)

const tracerName = "cardinal/orchestrator"

// Options collects the orchestrator's dependencies. Config, Store, Cache,
// Gateway, and Graph are required; the rest degrade gracefully when nil.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Cache    *cache.Cache
	Gateway  *provider.Gateway
	Graph    graph.Provider
	VCS      vcs.Adapter
	Bus      *bus.Bus
	Redactor *redact.Redactor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Orchestrator owns the agent tree of every analysis run. The three
// semaphores are the only concurrency authority: Subsystem, Module, and
// Function agents each hold one permit of their scope's semaphore while
// active, across every concurrent session.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	cache    *cache.Cache
	gateway  *provider.Gateway
	graphs   graph.Provider
	vcs      vcs.Adapter
	bus      *bus.Bus
	redactor *redact.Redactor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	subsystemSem *semaphore.Weighted
	moduleSem    *semaphore.Weighted
	functionSem  *semaphore.Weighted
}

// New validates the dependency set and sizes the per-scope semaphores from
// the configured concurrency ceilings.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator requires a config")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("orchestrator requires a cache")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("orchestrator requires a provider gateway")
	}
	if opts.Graph == nil {
		return nil, fmt.Errorf("orchestrator requires a graph provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	redactor := opts.Redactor
	if redactor == nil {
		redactor = redact.New(opts.Config.RedactOn(), logger)
	}
	return &Orchestrator{
		cfg:          opts.Config,
		store:        opts.Store,
		cache:        opts.Cache,
		gateway:      opts.Gateway,
		graphs:       opts.Graph,
		vcs:          opts.VCS,
		bus:          opts.Bus,
		redactor:     redactor,
		metrics:      opts.Metrics,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		subsystemSem: semaphore.NewWeighted(permits(opts.Config.MaxConcurrentSubsystems)),
		moduleSem:    semaphore.NewWeighted(permits(opts.Config.MaxConcurrentModules)),
		functionSem:  semaphore.NewWeighted(permits(opts.Config.MaxConcurrentFunctions)),
	}, nil
}

func permits(n int) int64 {
	if n < 1 {
		return 1
	}
	return int64(n)
}

func (o *Orchestrator) publish(evt bus.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}

// AnalyzeFull analyzes every source file under path. The returned summary
// reflects the terminal session row; scope-level failures degrade the session
// instead of erroring, so a non-nil error means no session survived at all.
func (o *Orchestrator) AnalyzeFull(ctx context.Context, path string) (*models.SessionSummary, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, fault.IO(err, false, "failed to resolve analysis path %s", path)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fault.IO(err, false, "failed to stat analysis path %s", root)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.KindBadRequest, "analysis path %s is not a directory", root)
	}

	sess := &models.AnalysisSession{
		Path:          root,
		Mode:          models.ModeFull,
		FilesAnalyzed: []string{},
		FilesSkipped:  []string{},
	}
	if o.vcs != nil && o.vcs.IsRepo(ctx, root) {
		if commit, err := o.vcs.CurrentCommit(ctx, root); err == nil {
			sess.CurrentCommit = commit
		}
		if branch, err := o.vcs.CurrentBranch(ctx, root); err == nil {
			sess.CurrentBranch = branch
		}
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return o.execute(ctx, sess, nil, nil)
}

// execute runs one session against the graph of sess.Path. analyze, when
// non-nil, restricts module agents to the named paths; prior carries card ids
// earlier runs attached to those paths. The session always reaches a terminal
// status here, so execute reports run-level trouble through the summary.
func (o *Orchestrator) execute(ctx context.Context, sess *models.AnalysisSession, analyze map[string]bool, prior map[string][]string) (*models.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisDeadline())
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "orchestrator.analyze",
		trace.WithAttributes(
			attribute.String("session_id", sess.ID),
			attribute.String("mode", string(sess.Mode)),
		))
	defer span.End()

	o.publish(bus.NewAnalysisStarted(sess.ID, sess.Mode, sess.Path))
	o.logger.Info("Analysis started",
		"session_id", sess.ID, "mode", sess.Mode, "path", sess.Path)

	g, err := o.graphs.ParseDirectory(ctx, sess.Path)
	if err != nil {
		span.RecordError(err)
		return o.failSession(ctx, sess, err)
	}

	r := newRun(o, sess, g, analyze, prior)
	sess.ModuleCount = r.modulesTotal
	sess.FunctionCount = r.functionsTotal

	r.runSystem(ctx)

	summary := r.close(ctx, ctx.Err() != nil)
	span.SetAttributes(
		attribute.String("status", string(summary.Status)),
		attribute.Int("cards_created", summary.CardsCreated),
	)
	return summary, nil
}

// failSession closes a session that never got its agent tree off the ground,
// e.g. when the graph parse fails.
func (o *Orchestrator) failSession(ctx context.Context, sess *models.AnalysisSession, cause error) (*models.SessionSummary, error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	kind := string(fault.KindOf(cause))

	sess.Status = models.SessionStatusFailed
	sess.CompletedAt = &now
	sess.Errors = append(sess.Errors, models.SessionError{
		TS:      now,
		Target:  sess.Path,
		Kind:    kind,
		Message: cause.Error(),
	})
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		o.logger.Error("Failed to persist failed session", "session_id", sess.ID, "error", err)
	}

	o.publish(bus.NewAnalysisError(sess.ID, "", sess.Path, kind, cause.Error()))
	summary := &models.SessionSummary{
		SessionID:  sess.ID,
		Path:       sess.Path,
		Mode:       sess.Mode,
		Status:     sess.Status,
		DurationMS: now.Sub(sess.StartedAt).Milliseconds(),
		Errors:     sess.Errors,
	}
	o.publish(bus.NewAnalysisCompleted(sess.ID, sess.Status, summary))
	if o.metrics != nil {
		o.metrics.Sessions.WithLabelValues(string(sess.Mode), string(sess.Status)).Inc()
	}
	o.logger.Error("Analysis failed before agents started",
		"session_id", sess.ID, "kind", kind, "error", cause)
	return summary, nil
}

// run is the mutable state of one session execution.
type run struct {
	o       *Orchestrator
	sess    *models.AnalysisSession
	graph   *graph.Graph
	plan    *scopeNode
	factory *agentrun.Factory
	analyze map[string]bool
	prior   map[string][]string

	modulesTotal   int
	functionsTotal int
	skippedPaths   []string

	mu            sync.Mutex
	errs          []models.SessionError
	hits, misses  int
	modulesDone   int
	functionsDone int
	analyzedPaths []string
}

func newRun(o *Orchestrator, sess *models.AnalysisSession, g *graph.Graph, analyze map[string]bool, prior map[string][]string) *run {
	r := &run{
		o:       o,
		sess:    sess,
		graph:   g,
		factory: agentrun.NewFactory(o.store, o.bus, o.logger, sess.ID),
		analyze: analyze,
		prior:   prior,
	}

	var kept []*graph.Module
	for _, m := range g.Modules() {
		if r.analyzes(m.Path) {
			kept = append(kept, m)
			r.functionsTotal += len(m.AllFunctions())
		} else {
			r.skippedPaths = append(r.skippedPaths, m.Path)
		}
	}
	r.modulesTotal = len(kept)
	r.plan = buildTree(kept)
	return r
}

func (r *run) analyzes(path string) bool {
	return r.analyze == nil || r.analyze[path]
}

// addError records an isolated failure on the session and announces it.
// Cancellation is reported through the session status, not the error list.
func (r *run) addError(agentID, target string, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindCancelled {
		return
	}
	entry := models.SessionError{
		TS:      time.Now().UTC(),
		AgentID: agentID,
		Target:  target,
		Kind:    string(kind),
		Message: err.Error(),
	}
	r.mu.Lock()
	r.errs = append(r.errs, entry)
	r.mu.Unlock()

	r.o.publish(bus.NewAnalysisError(r.sess.ID, agentID, target, entry.Kind, entry.Message))
	r.o.logger.Warn("Agent failure isolated",
		"session_id", r.sess.ID, "agent_id", agentID, "target", target,
		"kind", entry.Kind, "error", err)
}

func (r *run) noteHit() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
	if r.o.metrics != nil {
		r.o.metrics.CacheHits.Inc()
	}
}

func (r *run) noteMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
	if r.o.metrics != nil {
		r.o.metrics.CacheMisses.Inc()
	}
}

func (r *run) noteFunctionDone() {
	r.mu.Lock()
	r.functionsDone++
	r.mu.Unlock()
	r.progress()
}

func (r *run) noteModuleDone(path string) {
	r.mu.Lock()
	r.modulesDone++
	r.analyzedPaths = append(r.analyzedPaths, path)
	r.mu.Unlock()
	r.progress()
}

func (r *run) progress() {
	r.mu.Lock()
	p := bus.AnalysisProgressPayload{
		SessionID:      r.sess.ID,
		ModulesDone:    r.modulesDone,
		ModulesTotal:   r.modulesTotal,
		FunctionsDone:  r.functionsDone,
		FunctionsTotal: r.functionsTotal,
		CacheHits:      r.hits,
		CacheMisses:    r.misses,
	}
	r.mu.Unlock()
	r.o.publish(bus.NewAnalysisProgress(p))
}

// acquire takes one permit of a scope's semaphore, failing only when the
// context dies first. The running gauge tracks permit holders.
func (r *run) acquire(ctx context.Context, sem *semaphore.Weighted, scope models.AgentScope) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return fault.Wrap(fault.KindCancelled, err, "%s permit not acquired", strings.ToLower(string(scope)))
	}
	if r.o.metrics != nil {
		r.o.metrics.AgentsRunning.WithLabelValues(string(scope)).Inc()
	}
	return nil
}

func (r *run) release(sem *semaphore.Weighted, scope models.AgentScope) {
	if r.o.metrics != nil {
		r.o.metrics.AgentsRunning.WithLabelValues(string(scope)).Dec()
	}
	sem.Release(1)
}

// createCard mints a card and counts it.
func (r *run) createCard(ctx context.Context, req *models.CreateCardRequest) (*models.Card, error) {
	card, err := r.o.store.CreateCard(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.o.metrics != nil {
		r.o.metrics.CardsCreated.WithLabelValues(string(card.Type)).Inc()
	}
	return card, nil
}

// close finalizes the session row, derives the summary, and emits the
// terminal event. Persistence here survives the caller's cancellation.
func (r *run) close(ctx context.Context, cancelled bool) *models.SessionSummary {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	sess := r.sess

	r.mu.Lock()
	sort.Strings(r.analyzedPaths)
	sort.Strings(r.skippedPaths)
	sess.FilesAnalyzed = append([]string{}, r.analyzedPaths...)
	sess.FilesSkipped = append([]string{}, r.skippedPaths...)
	sess.CacheHits = r.hits
	sess.CacheMisses = r.misses
	sess.Errors = r.errs
	r.mu.Unlock()

	switch {
	case cancelled:
		sess.Status = models.SessionStatusCancelled
	case len(sess.Errors) > 0:
		sess.Status = models.SessionStatusDegraded
	default:
		sess.Status = models.SessionStatusCompleted
	}
	sess.CompletedAt = &now

	if err := r.o.store.UpdateSession(ctx, sess); err != nil {
		r.o.logger.Error("Failed to persist session", "session_id", sess.ID, "error", err)
	}

	cardsCreated, err := r.o.store.CountCardsBySession(ctx, sess.ID)
	if err != nil {
		r.o.logger.Warn("Failed to count session cards", "session_id", sess.ID, "error", err)
	}
	tokensIn, tokensOut, err := r.o.store.SumSessionTokens(ctx, sess.ID)
	if err != nil {
		r.o.logger.Warn("Failed to sum session tokens", "session_id", sess.ID, "error", err)
	}

	summary := &models.SessionSummary{
		SessionID:     sess.ID,
		Path:          sess.Path,
		Mode:          sess.Mode,
		Status:        sess.Status,
		ModuleCount:   sess.ModuleCount,
		FunctionCount: sess.FunctionCount,
		FilesAnalyzed: len(sess.FilesAnalyzed),
		FilesSkipped:  len(sess.FilesSkipped),
		CardsCreated:  cardsCreated,
		CacheHits:     sess.CacheHits,
		CacheMisses:   sess.CacheMisses,
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,
		DurationMS:    now.Sub(sess.StartedAt).Milliseconds(),
		Errors:        sess.Errors,
	}

	if r.o.metrics != nil {
		r.o.metrics.Sessions.WithLabelValues(string(sess.Mode), string(sess.Status)).Inc()
	}
	r.o.publish(bus.NewAnalysisCompleted(sess.ID, sess.Status, summary))
	r.o.logger.Info("Analysis completed",
		"session_id", sess.ID, "status", sess.Status,
		"cards", cardsCreated, "cache_hits", sess.CacheHits,
		"cache_misses", sess.CacheMisses, "errors", len(sess.Errors),
		"duration_ms", summary.DurationMS)
	return summary
}
