package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/health"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// ────────────────────────────────────────────────────────────────────────────
// Full analysis
// ────────────────────────────────────────────────────────────────────────────

func TestE2E_SingleFileAnalysis(t *testing.T) {
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFindingJSON)))
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	res := app.analyze(dir)
	summary := res.Summary
	require.Equal(t, res.SessionID, summary.SessionID)

	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, models.ModeFull, summary.Mode)
	assert.Equal(t, 1, summary.ModuleCount)
	assert.Equal(t, 2, summary.FunctionCount)
	assert.Equal(t, 1, summary.FilesAnalyzed)
	assert.Equal(t, 0, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 2, summary.CacheMisses)
	assert.Equal(t, 3, summary.CardsCreated)
	assert.Empty(t, summary.Errors)
	assert.Positive(t, summary.TokensIn)

	// Two leaf calls plus module and system synthesis.
	assert.Equal(t, 4, app.Adapter.Calls())

	sess := app.session(summary.SessionID)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, []string{"calc.go"}, sess.FilesAnalyzed)
	assert.NotNil(t, sess.CompletedAt)

	agents := agentsByScope(app.sessionAgents(summary.SessionID))
	assert.Len(t, agents[models.ScopeSystem], 1)
	assert.Len(t, agents[models.ScopeModule], 1)
	assert.Len(t, agents[models.ScopeFunction], 2)
	assert.Empty(t, agents[models.ScopeSubsystem])
	assert.Empty(t, agents[models.ScopeClass])
	for _, list := range agents {
		for _, ag := range list {
			assert.Equal(t, models.AgentStatusCompleted, ag.Status, ag.ID)
		}
	}

	// Leaf finding card plus one synthesis card per parent level, linked
	// bottom-up.
	cards := app.sessionCards(summary.SessionID)
	require.Len(t, cards, 3)
	var leaf, moduleSynth, systemSynth *models.Card
	for _, c := range cards {
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
	assert.Equal(t, moduleSynth.ID, leaf.ParentCardID)
	assert.Equal(t, systemSynth.ID, moduleSynth.ParentCardID)
	assert.Contains(t, moduleSynth.ChildCardIDs, leaf.ID)
	assert.Contains(t, systemSynth.ChildCardIDs, moduleSynth.ID)
}

func TestE2E_WarmCacheRerun(t *testing.T) {
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFindingJSON)))
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	first := app.analyze(dir)
	require.Equal(t, 2, first.Summary.CacheMisses)
	callsAfterFirst := app.Adapter.Calls()

	second := app.analyze(dir)
	summary := second.Summary
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.CacheHits)
	assert.Equal(t, 0, summary.CacheMisses)

	// Only the two synthesis calls hit the provider on a warm cache.
	assert.Equal(t, 2, app.Adapter.Calls()-callsAfterFirst)

	// The rerun minted synthesis cards only; the leaf card was re-attached,
	// not re-created.
	cards := app.sessionCards(summary.SessionID)
	require.Len(t, cards, 2)
	for _, c := range cards {
		assert.NotEqual(t, "missing zero check before division", c.Title)
	}

	agents := agentsByScope(app.sessionAgents(summary.SessionID))
	var divAgent *models.Agent
	for _, ag := range agents[models.ScopeFunction] {
		if ag.Qualifier == "Div" {
			divAgent = ag
		}
	}
	require.NotNil(t, divAgent)
	require.Len(t, divAgent.CardIDs, 1)

	// The re-attached card still belongs to the first session.
	reattached := app.card(divAgent.CardIDs[0])
	assert.Equal(t, first.Summary.SessionID, reattached.SessionID)
}

func TestE2E_EmptyScope(t *testing.T) {
	app := NewTestApp(t)
	dir := t.TempDir()
	writeSource(t, dir, "README.md", "no source here\n")

	res := app.analyze(dir)
	summary := res.Summary
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.ModuleCount)
	assert.Equal(t, 0, summary.CacheHits+summary.CacheMisses)
	assert.Equal(t, 1, summary.CardsCreated)
	assert.Zero(t, app.Adapter.Calls())

	cards := app.sessionCards(summary.SessionID)
	require.Len(t, cards, 1)
	assert.Equal(t, models.CardTypeArchitecture, cards[0].Type)
	assert.Equal(t, "Empty analysis scope", cards[0].Title)

	agents := agentsByScope(app.sessionAgents(summary.SessionID))
	require.Len(t, agents[models.ScopeSystem], 1)
	assert.Len(t, agents, 1)
	assert.Equal(t, models.AgentStatusCompleted, agents[models.ScopeSystem][0].Status)
}

// ────────────────────────────────────────────────────────────────────────────
// Incremental analysis
// ────────────────────────────────────────────────────────────────────────────

func TestE2E_IncrementalAfterEdit(t *testing.T) {
	requireGit(t)
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFindingJSON)))
	dir, firstCommit := initCalcRepo(t)

	full := app.analyze(dir)
	require.Equal(t, models.SessionStatusCompleted, full.Summary.Status)
	priorCard := findCardByTitle(t,
		app.sessionCards(full.Summary.SessionID), "missing zero check before division")

	// Touch calc.go only; the markdown file must not widen the scope.
	writeSource(t, dir, "calc.go", calcSource+"\n// reviewed 2026-08\n")
	writeSource(t, dir, "NOTES.md", "second pass\n")
	secondCommit := commitAll(t, dir, "touch calc")

	res := app.analyzeIncremental(dir, "")
	assert.Equal(t, models.ChangeStats{ModifiedN: 1}, res.Changes)
	assert.Equal(t, firstCommit, res.Git.BaseRef)
	assert.Equal(t, secondCommit, res.Git.Commit)
	assert.Equal(t, "main", res.Git.Branch)

	summary := res.Summary
	assert.Equal(t, models.ModeIncremental, summary.Mode)
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.FilesAnalyzed)
	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 2, summary.CacheMisses)
	assert.Equal(t, 3, summary.CardsCreated)

	sess := app.session(summary.SessionID)
	assert.Equal(t, []string{"calc.go"}, sess.FilesAnalyzed)
	assert.Equal(t, []string{"util.go"}, sess.FilesSkipped)
	assert.Equal(t, firstCommit, sess.BaseReference)
	assert.Equal(t, secondCommit, sess.CurrentCommit)

	// The first run's card gained an annotation but kept its status.
	got := app.card(priorCard.ID)
	assert.Equal(t, models.CardStatusNew, got.Status)
	event, diff := lastAudit(t, got)
	assert.Equal(t, models.AuditEventAnnotated, event)
	assert.Equal(t, "calc.go", diff["path"])
	assert.Equal(t, summary.SessionID, diff["session_id"])
	assert.NotEmpty(t, diff["note"])
}

func TestE2E_IncrementalAllUnchanged(t *testing.T) {
	requireGit(t)
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFindingJSON)))
	dir, base := initCalcRepo(t)

	full := app.analyze(dir)
	require.Equal(t, models.SessionStatusCompleted, full.Summary.Status)
	callsAfterFull := app.Adapter.Calls()

	res := app.analyzeIncremental(dir, "")
	assert.Equal(t, models.ChangeStats{}, res.Changes)
	assert.Equal(t, base, res.Git.BaseRef)

	summary := res.Summary
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.FilesAnalyzed)
	assert.Equal(t, 2, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 0, summary.CacheMisses)
	assert.Equal(t, 0, summary.CardsCreated)
	assert.Zero(t, app.Adapter.Calls()-callsAfterFull)
	assert.Empty(t, app.sessionCards(summary.SessionID))
}

func TestE2E_IncrementalOutsideRepo(t *testing.T) {
	requireGit(t)
	app := NewTestApp(t)
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	data := app.do(http.MethodPost, "/api/v1/analyses/incremental",
		map[string]string{"path": dir}, http.StatusPreconditionFailed)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, string(fault.KindVcsRequired), body["kind"])
	assert.NotEmpty(t, body["hint"])
}

// ────────────────────────────────────────────────────────────────────────────
// Resilience
// ────────────────────────────────────────────────────────────────────────────

func TestE2E_FlakyUpstreamRecovers(t *testing.T) {
	app := NewTestApp(t,
		WithConfig(func(cfg *config.Config) {
			cfg.AIMaxRetries = 2
			cfg.AIBreakerThreshold = 100
		}),
		WithProviderHandler(flakyScript(2, divFindingJSON)),
	)
	dir := t.TempDir()
	writeSource(t, dir, "util.go", utilSource)

	res := app.analyze(dir)
	summary := res.Summary
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Empty(t, summary.Errors)
	// One leaf, two failed attempts, one success; no findings, no synthesis.
	assert.Equal(t, 3, app.Adapter.Calls())

	agents := agentsByScope(app.sessionAgents(summary.SessionID))
	for _, list := range agents {
		for _, ag := range list {
			assert.Equal(t, models.AgentStatusCompleted, ag.Status, ag.ID)
		}
	}
}

func TestE2E_BreakerTripDegradesRun(t *testing.T) {
	app := NewTestApp(t,
		WithConfig(func(cfg *config.Config) {
			cfg.AIMaxRetries = 0
			cfg.AIBreakerThreshold = 3
		}),
		WithProviderHandler(overloadedScript()),
	)
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)
	writeSource(t, dir, "util.go", utilSource)

	res := app.analyze(dir)
	summary := res.Summary
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
	assert.Empty(t, app.sessionCards(summary.SessionID))

	agents := agentsByScope(app.sessionAgents(summary.SessionID))
	for _, ag := range agents[models.ScopeFunction] {
		assert.Equal(t, models.AgentStatusError, ag.Status, ag.ID)
	}
	for _, ag := range agents[models.ScopeSystem] {
		assert.Equal(t, models.AgentStatusCompleted, ag.Status)
	}

	// The degraded outcome is on the persisted session too.
	sess := app.session(summary.SessionID)
	assert.Equal(t, models.SessionStatusDegraded, sess.Status)
	assert.Len(t, sess.Errors, 3)
}

// ────────────────────────────────────────────────────────────────────────────
// Fix application
// ────────────────────────────────────────────────────────────────────────────

func TestE2E_ApplyFix(t *testing.T) {
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFixFindingJSON)))
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	res := app.analyze(dir)
	leaf := findCardByTitle(t,
		app.sessionCards(res.Summary.SessionID), "missing zero check before division")
	require.NotNil(t, leaf.ProposedFix)

	var out map[string]any
	app.postJSON("/api/v1/cards/"+leaf.ID+"/apply-fix",
		map[string]string{"actor": "reviewer"}, http.StatusOK, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, leaf.ID, out["card_id"])
	assert.Equal(t, "calc.go", out["file_path"])
	backupRef, _ := out["backup_ref"].(string)
	require.NotEmpty(t, backupRef)

	patched, err := os.ReadFile(filepath.Join(dir, "calc.go"))
	require.NoError(t, err)
	assert.Contains(t, string(patched), "if b == 0 {")
	assert.Equal(t, 1, strings.Count(string(patched), "return a / b"))

	backup, err := os.ReadFile(backupRef)
	require.NoError(t, err)
	assert.Equal(t, calcSource, string(backup))

	got := app.card(leaf.ID)
	event, diff := lastAudit(t, got)
	assert.Equal(t, models.AuditEventFixApplied, event)
	assert.Equal(t, "calc.go", diff["file_path"])
	assert.Equal(t, backupRef, diff["backup_ref"])
	assert.Equal(t, "reviewer", got.AuditLog[len(got.AuditLog)-1].Actor)
}

func TestE2E_ApplyFixPathTraversal(t *testing.T) {
	app := NewTestApp(t, WithProviderHandler(reviewScript(escapeFixFindingJSON)))
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	res := app.analyze(dir)
	leaf := findCardByTitle(t,
		app.sessionCards(res.Summary.SessionID), "missing zero check before division")

	data := app.do(http.MethodPost, "/api/v1/cards/"+leaf.ID+"/apply-fix",
		map[string]string{"actor": "reviewer"}, http.StatusUnprocessableEntity)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, string(fault.KindPathOutOfScope), body["kind"])

	// The refusal is recorded on the card; nothing else changes.
	got := app.card(leaf.ID)
	assert.Equal(t, models.CardStatusNew, got.Status)
	event, diff := lastAudit(t, got)
	assert.Equal(t, models.AuditEventFixRejected, event)
	assert.Equal(t, string(fault.KindPathOutOfScope), diff["kind"])

	// The source file is untouched.
	content, err := os.ReadFile(filepath.Join(dir, "calc.go"))
	require.NoError(t, err)
	assert.Equal(t, calcSource, string(content))
}

// ────────────────────────────────────────────────────────────────────────────
// Operational surface
// ────────────────────────────────────────────────────────────────────────────

func TestE2E_OpsEndpoints(t *testing.T) {
	app := NewTestApp(t, WithProviderHandler(reviewScript(divFindingJSON)))
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)
	app.analyze(dir)

	app.getJSON("/healthz", http.StatusOK, nil)
	app.getJSON("/readyz", http.StatusOK, nil)

	var report map[string]any
	app.getJSON("/health", http.StatusOK, &report)
	assert.Equal(t, string(health.StatusHealthy), report["status"])
	assert.NotEmpty(t, report["components"])

	var stats map[string]any
	app.getJSON("/api/v1/cache/stats", http.StatusOK, &stats)
	assert.Equal(t, true, stats["enabled"])
	assert.EqualValues(t, 2, stats["entries"])

	metricsText := string(app.do(http.MethodGet, "/metrics", nil, http.StatusOK))
	assert.Contains(t, metricsText, "cardinal_provider_calls_total")
	assert.Contains(t, metricsText, "cardinal_sessions_total")
	assert.Contains(t, metricsText, "cardinal_cards_created_total")
	assert.Contains(t, metricsText, "cardinal_http_request_duration_seconds")
}
