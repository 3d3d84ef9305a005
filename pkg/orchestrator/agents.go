package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/agentrun"
	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/provider"
)

// childOutcome is what a finished child hands its parent: the findings of
// its subtree and the card ids the parent should link under its own
// synthesis card.
type childOutcome struct {
	agentID  string
	findings []models.Finding
	cards    []string
}

// gather runs the child thunks concurrently and keeps the outcomes of the
// ones that succeeded, in spawn order. Children record their own failures.
func gather(thunks []func() (*childOutcome, error)) []*childOutcome {
	results := make([]*childOutcome, len(thunks))
	var wg sync.WaitGroup
	for i, thunk := range thunks {
		wg.Add(1)
		go func(i int, thunk func() (*childOutcome, error)) {
			defer wg.Done()
			if out, err := thunk(); err == nil {
				results[i] = out
			}
		}(i, thunk)
	}
	wg.Wait()
	return results
}

func mergeOutcomes(outcomes []*childOutcome) ([]models.Finding, []string) {
	var findings []models.Finding
	var cards []string
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		findings = append(findings, out.findings...)
		cards = append(cards, out.cards...)
	}
	return findings, cards
}

func cancelledFault(ctx context.Context) error {
	return fault.Wrap(fault.KindCancelled, ctx.Err(), "analysis cancelled")
}

// runSystem is the root of the agent tree. Root-level modules become its
// direct Module children; top-level directories become Subsystem children.
func (r *run) runSystem(ctx context.Context) {
	rt, err := r.factory.Begin(ctx, "", models.ScopeSystem, ".", "")
	if err != nil {
		r.addError("", ".", err)
		return
	}
	if err := rt.SetStatus(ctx, models.AgentStatusAnalyzing, ""); err != nil {
		r.addError(rt.ID(), ".", err)
		return
	}

	if len(r.graph.Modules()) == 0 {
		r.emptyScope(ctx, rt)
		return
	}
	rt.RecordSnapshot(models.SnapshotGraphExtract, "module tree", renderGraphExtract(r.graph))

	outcomes := r.spawnNode(ctx, rt, r.plan)
	if ctx.Err() != nil {
		_ = rt.Fail(context.WithoutCancel(ctx), cancelledFault(ctx))
		return
	}
	if _, err := r.synthesize(ctx, rt, ".", outcomes); err != nil {
		r.o.logger.Warn("System synthesis failed", "session_id", r.sess.ID, "error", err)
	}
}

// emptyScope closes out a System agent whose tree had nothing to analyze.
// The one Architecture card notes the empty scope; no provider call is made.
func (r *run) emptyScope(ctx context.Context, rt *agentrun.Runtime) {
	card, err := r.createCard(ctx, &models.CreateCardRequest{
		Type:         models.CardTypeArchitecture,
		Priority:     models.PriorityP3,
		Title:        "Empty analysis scope",
		Summary:      fmt.Sprintf("No source files matching the configured extensions were found under %s.", r.sess.Path),
		OwnerAgentID: rt.ID(),
		SessionID:    r.sess.ID,
		Confidence:   1,
	})
	if err != nil {
		r.addError(rt.ID(), ".", err)
		_ = rt.Fail(context.WithoutCancel(ctx), err)
		return
	}
	rt.AttachCard(card.ID)
	if err := rt.SetStatus(ctx, models.AgentStatusReporting, ""); err == nil {
		_ = rt.Complete(ctx, "empty analysis scope")
	}
}

// spawnNode runs a node's direct modules as Module agents and its child
// directories as Subsystem agents, concurrently.
func (r *run) spawnNode(ctx context.Context, parent *agentrun.Runtime, node *scopeNode) []*childOutcome {
	thunks := make([]func() (*childOutcome, error), 0, len(node.modules)+len(node.children))
	for _, mod := range node.modules {
		mod := mod
		thunks = append(thunks, func() (*childOutcome, error) {
			return r.runModule(ctx, parent, mod)
		})
	}
	for _, child := range node.children {
		child := child
		thunks = append(thunks, func() (*childOutcome, error) {
			return r.runSubsystem(ctx, parent, child)
		})
	}
	return gather(thunks)
}

// runSubsystem analyzes one directory subtree. The permit is held while
// spawning and while synthesizing, but released while the subsystem waits on
// its children so nested subsystems can make progress.
func (r *run) runSubsystem(ctx context.Context, parent *agentrun.Runtime, node *scopeNode) (*childOutcome, error) {
	if err := r.acquire(ctx, r.o.subsystemSem, models.ScopeSubsystem); err != nil {
		return nil, err
	}
	rt, err := r.factory.Begin(ctx, parent.ID(), models.ScopeSubsystem, node.dir, "")
	if err != nil {
		r.release(r.o.subsystemSem, models.ScopeSubsystem)
		r.addError("", node.dir, err)
		return nil, err
	}
	parent.AttachChild(rt.ID())
	if err := rt.SetStatus(ctx, models.AgentStatusAnalyzing, ""); err != nil {
		r.release(r.o.subsystemSem, models.ScopeSubsystem)
		r.addError(rt.ID(), node.dir, err)
		return nil, err
	}
	r.release(r.o.subsystemSem, models.ScopeSubsystem)

	outcomes := r.spawnNode(ctx, rt, node)

	if err := r.acquire(ctx, r.o.subsystemSem, models.ScopeSubsystem); err != nil {
		_ = rt.Fail(context.WithoutCancel(ctx), cancelledFault(ctx))
		return nil, err
	}
	defer r.release(r.o.subsystemSem, models.ScopeSubsystem)

	if ctx.Err() != nil {
		_ = rt.Fail(context.WithoutCancel(ctx), cancelledFault(ctx))
		return nil, ctx.Err()
	}
	return r.synthesize(ctx, rt, node.dir, outcomes)
}

// runModule analyzes one source file: its standalone functions directly, its
// classes through Class agents. The module permit is held for the whole run;
// children draw from the function semaphore, so this cannot deadlock.
func (r *run) runModule(ctx context.Context, parent *agentrun.Runtime, mod *graph.Module) (*childOutcome, error) {
	if err := r.acquire(ctx, r.o.moduleSem, models.ScopeModule); err != nil {
		return nil, err
	}
	defer r.release(r.o.moduleSem, models.ScopeModule)

	rt, err := r.factory.Begin(ctx, parent.ID(), models.ScopeModule, mod.Path, "")
	if err != nil {
		r.addError("", mod.Path, err)
		return nil, err
	}
	parent.AttachChild(rt.ID())
	if err := rt.SetStatus(ctx, models.AgentStatusAnalyzing, ""); err != nil {
		r.addError(rt.ID(), mod.Path, err)
		return nil, err
	}

	src, err := os.ReadFile(filepath.Join(r.graph.Root(), filepath.FromSlash(mod.Path)))
	if err != nil {
		err = fault.IO(err, false, "failed to read module %s", mod.Path)
		r.addError(rt.ID(), mod.Path, err)
		_ = rt.Fail(context.WithoutCancel(ctx), err)
		return nil, err
	}
	defer r.noteModuleDone(mod.Path)

	thunks := make([]func() (*childOutcome, error), 0, len(mod.Functions)+len(mod.Classes))
	for _, fn := range mod.Functions {
		fn := fn
		thunks = append(thunks, func() (*childOutcome, error) {
			return r.runFunction(ctx, rt, fn, src)
		})
	}
	for _, cls := range mod.Classes {
		cls := cls
		thunks = append(thunks, func() (*childOutcome, error) {
			return r.runClass(ctx, rt, mod, cls, src)
		})
	}
	outcomes := gather(thunks)

	if ctx.Err() != nil {
		_ = rt.Fail(context.WithoutCancel(ctx), cancelledFault(ctx))
		return nil, ctx.Err()
	}
	return r.synthesize(ctx, rt, mod.Path, outcomes)
}

// runClass analyzes one type's methods. Class agents carry no semaphore of
// their own; their methods take function permits like any other leaf.
func (r *run) runClass(ctx context.Context, parent *agentrun.Runtime, mod *graph.Module, cls *graph.Class, src []byte) (*childOutcome, error) {
	rt, err := r.factory.Begin(ctx, parent.ID(), models.ScopeClass, mod.Path, cls.Name)
	if err != nil {
		r.addError("", mod.Path+":"+cls.Name, err)
		return nil, err
	}
	parent.AttachChild(rt.ID())
	if err := rt.SetStatus(ctx, models.AgentStatusAnalyzing, ""); err != nil {
		r.addError(rt.ID(), mod.Path+":"+cls.Name, err)
		return nil, err
	}

	thunks := make([]func() (*childOutcome, error), 0, len(cls.Methods))
	for _, fn := range cls.Methods {
		fn := fn
		thunks = append(thunks, func() (*childOutcome, error) {
			return r.runFunction(ctx, rt, fn, src)
		})
	}
	outcomes := gather(thunks)

	if ctx.Err() != nil {
		_ = rt.Fail(context.WithoutCancel(ctx), cancelledFault(ctx))
		return nil, ctx.Err()
	}
	return r.synthesize(ctx, rt, mod.Path+":"+cls.Name, outcomes)
}

// runFunction is the leaf. It consults the cache under the hash of the whole
// file; a hit re-attaches the cached findings and cards without a provider
// call, a miss pays for one completion and caches what came back.
func (r *run) runFunction(ctx context.Context, parent *agentrun.Runtime, fn *graph.Function, src []byte) (*childOutcome, error) {
	if err := r.acquire(ctx, r.o.functionSem, models.ScopeFunction); err != nil {
		return nil, err
	}
	defer r.release(r.o.functionSem, models.ScopeFunction)
	defer r.noteFunctionDone()

	qual := fn.QualifiedName()
	rt, err := r.factory.Begin(ctx, parent.ID(), models.ScopeFunction, fn.FilePath, fn.Qualifier)
	if err != nil {
		r.addError("", qual, err)
		return nil, err
	}
	parent.AttachChild(rt.ID())
	if err := rt.SetStatus(ctx, models.AgentStatusAnalyzing, ""); err != nil {
		r.addError(rt.ID(), qual, err)
		return nil, err
	}

	redacted := r.o.redactor.Apply(fn.Source)
	rt.RecordSnapshot(models.SnapshotCodeSlice, fn.Qualifier, redacted)

	key := cache.Key{SourcePath: fn.FilePath, Scope: models.ScopeFunction, Qualifier: fn.Qualifier}
	if payload, ok := r.o.cache.Lookup(ctx, key, src); ok {
		r.noteHit()
		for _, f := range payload.Findings {
			rt.AddFinding(f)
		}
		cards := r.liveCards(ctx, payload.CardIDs)
		for _, id := range cards {
			rt.AttachCard(id)
		}
		if err := rt.SetStatus(ctx, models.AgentStatusReporting, "cache hit"); err != nil {
			r.addError(rt.ID(), qual, err)
			return nil, err
		}
		if err := rt.Complete(ctx, fmt.Sprintf("cache hit: %d findings", len(payload.Findings))); err != nil {
			r.addError(rt.ID(), qual, err)
			return nil, err
		}
		return &childOutcome{agentID: rt.ID(), findings: payload.Findings, cards: cards}, nil
	}
	r.noteMiss()

	userPrompt := buildFunctionPrompt(r.graph, fn, redacted)
	rt.RecordMessage(models.Message{Role: models.RoleUser, Content: userPrompt})

	started := time.Now()
	resp, err := r.o.gateway.Complete(ctx, rt, &provider.Request{
		System:    functionInstructions,
		Messages:  []provider.Message{{Role: models.RoleUser, Content: userPrompt}},
		MaxTokens: maxFunctionTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = cancelledFault(ctx)
		}
		r.addError(rt.ID(), qual, err)
		_ = rt.Fail(context.WithoutCancel(ctx), err)
		return nil, err
	}
	rt.RecordMessage(models.Message{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		ToolCalls: resp.ToolCalls,
		LatencyMS: time.Since(started).Milliseconds(),
	})

	findings, err := parseFindings(resp.Content)
	if err != nil {
		r.o.logger.Warn("Discarding unparseable findings payload",
			"session_id", r.sess.ID, "agent_id", rt.ID(), "target", qual, "error", err)
		findings = nil
	}

	var cardIDs []string
	for i := range findings {
		if len(findings[i].Refs) == 0 {
			findings[i].Refs = []models.CodeRef{{Path: fn.FilePath, Line: fn.StartLine}}
		}
		rt.AddFinding(findings[i])

		card, err := r.createCard(ctx, &models.CreateCardRequest{
			Type:         findings[i].Type,
			Priority:     findings[i].Priority,
			Title:        findings[i].Title,
			Summary:      findings[i].Detail,
			OwnerAgentID: rt.ID(),
			SessionID:    r.sess.ID,
			Links:        models.CardLinks{Code: findings[i].Refs},
			Risk:         findings[i].Risk,
			Confidence:   findings[i].Confidence,
			ProposedFix:  findings[i].ProposedFix,
		})
		if err != nil {
			r.addError(rt.ID(), qual, err)
			rt.AddFinding(models.Finding{
				Title:    "card creation failed: " + findings[i].Title,
				Detail:   err.Error(),
				Type:     models.CardTypeReview,
				Priority: models.PriorityP3,
			})
			continue
		}
		rt.AttachCard(card.ID)
		cardIDs = append(cardIDs, card.ID)
	}

	err = r.o.cache.Store(ctx, key, src, &cache.Payload{
		Findings:  findings,
		CardIDs:   cardIDs,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	})
	if err != nil {
		// A failed cache write costs a future provider call, nothing else.
		r.o.logger.Warn("Failed to write cache entry",
			"session_id", r.sess.ID, "target", qual, "error", err)
	}

	if err := rt.SetStatus(ctx, models.AgentStatusReporting, ""); err != nil {
		r.addError(rt.ID(), qual, err)
		return nil, err
	}
	if err := rt.Complete(ctx, fmt.Sprintf("%d findings", len(findings))); err != nil {
		r.addError(rt.ID(), qual, err)
		return nil, err
	}
	return &childOutcome{agentID: rt.ID(), findings: findings, cards: cardIDs}, nil
}

// liveCards filters cached card ids down to the ones that still exist, so a
// hit never re-attaches a deleted card.
func (r *run) liveCards(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	cards, err := r.o.store.GetCardsByIDs(ctx, ids)
	if err != nil {
		r.o.logger.Warn("Failed to verify cached cards", "error", err)
		return ids
	}
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.ID)
	}
	return out
}

// synthesize closes out a parent agent. With findings in the subtree it
// makes one provider call to summarize them, mints the synthesis card, and
// links the children's cards under it. No findings, no card.
func (r *run) synthesize(ctx context.Context, rt *agentrun.Runtime, target string, outcomes []*childOutcome) (*childOutcome, error) {
	findings, childCards := mergeOutcomes(outcomes)
	deduped := models.DedupeAndRank(findings)
	for _, f := range deduped {
		rt.AddFinding(f)
	}

	if err := rt.SetStatus(ctx, models.AgentStatusReporting, ""); err != nil {
		r.addError(rt.ID(), target, err)
		return nil, err
	}
	if len(deduped) == 0 {
		if err := rt.Complete(ctx, "no findings"); err != nil {
			r.addError(rt.ID(), target, err)
			return nil, err
		}
		return &childOutcome{agentID: rt.ID()}, nil
	}

	userPrompt := buildSynthesisPrompt(rt.Scope(), target, deduped)
	rt.RecordMessage(models.Message{Role: models.RoleUser, Content: userPrompt})

	started := time.Now()
	resp, err := r.o.gateway.Complete(ctx, rt, &provider.Request{
		System:    synthesisInstructions,
		Messages:  []provider.Message{{Role: models.RoleUser, Content: userPrompt}},
		MaxTokens: maxSynthesisTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = cancelledFault(ctx)
		}
		r.addError(rt.ID(), target, err)
		_ = rt.Fail(context.WithoutCancel(ctx), err)
		return nil, err
	}
	rt.RecordMessage(models.Message{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		LatencyMS: time.Since(started).Milliseconds(),
	})

	outcome := &childOutcome{agentID: rt.ID(), findings: deduped}
	card, err := r.createCard(ctx, synthesisCardRequest(rt, r.sess.ID, target, resp.Content, deduped))
	if err != nil {
		r.addError(rt.ID(), target, err)
		rt.AddFinding(models.Finding{
			Title:    "card creation failed: synthesis",
			Detail:   err.Error(),
			Type:     models.CardTypeReview,
			Priority: models.PriorityP3,
		})
	} else {
		rt.AttachCard(card.ID)
		outcome.cards = []string{card.ID}
		if len(childCards) > 0 {
			if _, err := r.o.store.LinkCards(ctx, card.ID, childCards, rt.ID()); err != nil {
				r.o.logger.Warn("Failed to link child cards",
					"session_id", r.sess.ID, "card_id", card.ID, "error", err)
			}
		}
	}

	if err := rt.Complete(ctx, fmt.Sprintf("%d findings synthesized", len(deduped))); err != nil {
		r.addError(rt.ID(), target, err)
		return nil, err
	}
	return outcome, nil
}

// synthesisCardRequest shapes the synthesis card: Architecture at the System
// scope, Review below it. Priority, risk, and refs aggregate the findings.
func synthesisCardRequest(rt *agentrun.Runtime, sessionID, target, summary string, findings []models.Finding) *models.CreateCardRequest {
	cardType := models.CardTypeReview
	title := "Review: " + target
	if rt.Scope() == models.ScopeSystem {
		cardType = models.CardTypeArchitecture
		title = "Architecture overview"
	}

	var (
		maxRisk   float64
		confSum   float64
		refs      []models.CodeRef
		refBudget = 20
	)
	for _, f := range findings {
		if f.Risk > maxRisk {
			maxRisk = f.Risk
		}
		confSum += f.Confidence
		for _, ref := range f.Refs {
			if len(refs) < refBudget {
				refs = append(refs, ref)
			}
		}
	}

	return &models.CreateCardRequest{
		Type:         cardType,
		Priority:     findings[0].Priority,
		Title:        title,
		Summary:      summary,
		OwnerAgentID: rt.ID(),
		SessionID:    sessionID,
		Links:        models.CardLinks{Code: refs},
		Risk:         maxRisk,
		Confidence:   confSum / float64(len(findings)),
	}
}
