// Package agentrun owns the in-memory state of one agent activation. The
// orchestrator creates one Runtime per activation and never shares it;
// every status transition flushes the record to the store and publishes an
// agent_status event.
package agentrun

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// Rough blended list price per token, for the running cost estimate shown
// alongside the token totals.
const (
	costPerTokenIn  = 3.0 / 1e6
	costPerTokenOut = 15.0 / 1e6
)

// Store is the persistence surface a runtime needs.
type Store interface {
	NextAgentID(ctx context.Context, scope models.AgentScope) (string, error)
	SaveAgent(ctx context.Context, agent *models.Agent) error
}

// Factory mints runtimes bound to one analysis session.
type Factory struct {
	store     Store
	bus       *bus.Bus
	logger    *slog.Logger
	sessionID string
}

func NewFactory(st Store, b *bus.Bus, logger *slog.Logger, sessionID string) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		store:     st,
		bus:       b,
		logger:    logger.With("component", "agentrun"),
		sessionID: sessionID,
	}
}

// Begin mints the agent identifier, persists the Idle record and announces
// the new activation.
func (f *Factory) Begin(ctx context.Context, parentID string, scope models.AgentScope, target, qualifier string) (*Runtime, error) {
	id, err := f.store.NextAgentID(ctx, scope)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		store:  f.store,
		bus:    f.bus,
		logger: f.logger.With("agent_id", id, "scope", scope),
		agent: &models.Agent{
			ID:        id,
			SessionID: f.sessionID,
			Scope:     scope,
			Target:    target,
			Qualifier: qualifier,
			Status:    models.AgentStatusIdle,
			ParentID:  parentID,
			StartedAt: time.Now().UTC(),
		},
	}
	if err := rt.flushAndPublish(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// Runtime is the mutable state of one agent activation. Safe for concurrent
// use: the provider gateway records usage from the call goroutine while the
// owning task appends messages and findings.
type Runtime struct {
	store  Store
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	agent *models.Agent
}

func (r *Runtime) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.ID
}

func (r *Runtime) Scope() models.AgentScope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.Scope
}

func (r *Runtime) Status() models.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.Status
}

// Snapshot returns a copy of the agent record. Slices are copied so callers
// can hold the result across further mutations.
func (r *Runtime) Snapshot() *models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyAgent()
}

func (r *Runtime) copyAgent() *models.Agent {
	a := *r.agent
	a.ChildIDs = append([]string(nil), r.agent.ChildIDs...)
	a.Messages = append([]models.Message(nil), r.agent.Messages...)
	a.Snapshots = append([]models.Snapshot(nil), r.agent.Snapshots...)
	a.Findings = append([]models.Finding(nil), r.agent.Findings...)
	a.CardIDs = append([]string(nil), r.agent.CardIDs...)
	if r.agent.CompletedAt != nil {
		t := *r.agent.CompletedAt
		a.CompletedAt = &t
	}
	return &a
}

// SetStatus moves the agent forward through its lifecycle. Transitions are
// validated, flushed and published; illegal moves leave the record untouched.
func (r *Runtime) SetStatus(ctx context.Context, to models.AgentStatus, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := models.ValidateAgentTransition(r.agent.Status, to); err != nil {
		return err
	}
	r.agent.Status = to
	if note != "" {
		r.agent.StatusNote = note
	}
	return r.flushAndPublishLocked(ctx)
}

// RecordMessage appends one conversation entry. Token totals are tracked by
// RecordUsage, not here, so per-message counts never double-count.
func (r *Runtime) RecordMessage(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	r.agent.Messages = append(r.agent.Messages, msg)
}

// RecordSnapshot preserves an input the agent worked from.
func (r *Runtime) RecordSnapshot(kind models.SnapshotKind, label, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.Snapshots = append(r.agent.Snapshots, models.Snapshot{
		TS:      time.Now().UTC(),
		Kind:    kind,
		Label:   label,
		Content: content,
	})
}

// AddFinding appends one structured observation.
func (r *Runtime) AddFinding(f models.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.Findings = append(r.agent.Findings, f)
}

// Findings returns a copy of the findings recorded so far.
func (r *Runtime) Findings() []models.Finding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Finding(nil), r.agent.Findings...)
}

// AttachChild links a spawned child agent. Duplicate links are ignored.
func (r *Runtime) AttachChild(childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.agent.ChildIDs {
		if id == childID {
			return
		}
	}
	r.agent.ChildIDs = append(r.agent.ChildIDs, childID)
}

// AttachCard links a card this activation produced or re-attached.
// Duplicate links are ignored.
func (r *Runtime) AttachCard(cardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.agent.CardIDs {
		if id == cardID {
			return
		}
	}
	r.agent.CardIDs = append(r.agent.CardIDs, cardID)
}

// CardIDs returns a copy of the card links recorded so far.
func (r *Runtime) CardIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.agent.CardIDs...)
}

// RecordUsage accumulates provider token usage and the derived cost
// estimate. Implements the gateway's usage recorder.
func (r *Runtime) RecordUsage(tokensIn, tokensOut int, latencyMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.TokensIn += tokensIn
	r.agent.TokensOut += tokensOut
	r.agent.CostUSD += float64(tokensIn)*costPerTokenIn + float64(tokensOut)*costPerTokenOut
	r.logger.Debug("Recorded provider usage",
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"latency_ms", latencyMS)
}

// Complete ends the activation successfully. The summary lands in the status
// note and the record is flushed with its completion time.
func (r *Runtime) Complete(ctx context.Context, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := models.ValidateAgentTransition(r.agent.Status, models.AgentStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.agent.Status = models.AgentStatusCompleted
	r.agent.StatusNote = summary
	r.agent.CompletedAt = &now
	return r.flushAndPublishLocked(ctx)
}

// Fail ends the activation in Error, recording the cause. Calling Fail on an
// already failed activation is a no-op so cleanup paths can be unconditional.
func (r *Runtime) Fail(ctx context.Context, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agent.Status == models.AgentStatusError {
		return nil
	}
	now := time.Now().UTC()
	r.agent.Status = models.AgentStatusError
	if cause != nil {
		r.agent.StatusNote = cause.Error()
	}
	r.agent.CompletedAt = &now
	return r.flushAndPublishLocked(ctx)
}

func (r *Runtime) flushAndPublish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushAndPublishLocked(ctx)
}

func (r *Runtime) flushAndPublishLocked(ctx context.Context) error {
	if err := r.store.SaveAgent(ctx, r.agent); err != nil {
		r.logger.Error("Failed to flush agent record", "error", err)
		return err
	}
	if r.bus != nil {
		r.bus.Publish(bus.NewAgentStatus(r.copyAgent()))
	}
	return nil
}
