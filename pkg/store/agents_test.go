package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

func saveTestAgent(t *testing.T, s *Store, sessionID string, mutate func(*models.Agent)) *models.Agent {
	t.Helper()
	ctx := context.Background()
	id, err := s.NextAgentID(ctx, models.ScopeFunction)
	require.NoError(t, err)
	agent := &models.Agent{
		ID:        id,
		SessionID: sessionID,
		Scope:     models.ScopeFunction,
		Target:    "pkg/calc/calc.go#Add",
		Status:    models.AgentStatusIdle,
		StartedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(agent)
	}
	require.NoError(t, s.SaveAgent(ctx, agent))
	return agent
}

func TestSaveAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	agent := saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Messages = []models.Message{{
			TS:      time.Now().UTC(),
			Role:    models.RoleUser,
			Content: "analyze this function",
			ToolCalls: []models.ToolCall{{
				ID:            "call-1",
				Name:          "read_graph",
				ArgumentsJSON: json.RawMessage(`{"target":"Add"}`),
			}},
		}}
		a.Snapshots = []models.Snapshot{{
			TS: time.Now().UTC(), Kind: models.SnapshotCodeSlice, Label: "Add", Content: "func Add(a, b int) int { return a + b }",
		}}
		a.Findings = []models.Finding{{
			Title: "missing overflow check", Type: models.CardTypeReview, Priority: models.PriorityP2,
		}}
	})

	loaded, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Target, loaded.Target)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "read_graph", loaded.Messages[0].ToolCalls[0].Name)
	require.Len(t, loaded.Snapshots, 1)
	assert.Equal(t, models.SnapshotCodeSlice, loaded.Snapshots[0].Kind)
	require.Len(t, loaded.Findings, 1)
	assert.Equal(t, "missing overflow check", loaded.Findings[0].Title)
}

func TestSaveAgentUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	agent := saveTestAgent(t, s, sess.ID, nil)

	agent.Status = models.AgentStatusCompleted
	agent.TokensIn = 420
	agent.TokensOut = 77
	done := time.Now().UTC()
	agent.CompletedAt = &done
	agent.CardIDs = []string{"PRJ-2026-REV-0001"}
	require.NoError(t, s.SaveAgent(ctx, agent))

	loaded, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, loaded.Status)
	assert.Equal(t, 420, loaded.TokensIn)
	require.NotNil(t, loaded.CompletedAt)
	assert.Equal(t, []string{"PRJ-2026-REV-0001"}, loaded.CardIDs)
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "AGN-SYSTEM-9999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAgentsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	parent := saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Scope = models.ScopeModule
		a.Target = "pkg/calc/calc.go"
		a.Status = models.AgentStatusAnalyzing
	})
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.ParentID = parent.ID
		a.Status = models.AgentStatusCompleted
	})
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.ParentID = parent.ID
	})

	resp, err := s.ListAgents(ctx, &models.AgentFilters{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalCount)

	resp, err = s.ListAgents(ctx, &models.AgentFilters{Scope: models.ScopeModule})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalCount)

	resp, err = s.ListAgents(ctx, &models.AgentFilters{ParentID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalCount)

	resp, err = s.ListAgents(ctx, &models.AgentFilters{Status: models.AgentStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalCount)
}

func TestListStaleAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	stale := saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Status = models.AgentStatusAnalyzing
		a.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	})
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Status = models.AgentStatusAnalyzing // fresh, keeps running
	})
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Status = models.AgentStatusCompleted // terminal, never stale
		a.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	})

	agents, err := s.ListStaleAgents(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, stale.ID, agents[0].ID)
}

func TestCountRunningAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	saveTestAgent(t, s, sess.ID, func(a *models.Agent) { a.Status = models.AgentStatusAnalyzing })
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) { a.Status = models.AgentStatusAnalyzing })
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) {
		a.Scope = models.ScopeModule
		a.Status = models.AgentStatusReporting
	})
	saveTestAgent(t, s, sess.ID, func(a *models.Agent) { a.Status = models.AgentStatusCompleted })

	counts, err := s.CountRunningAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.ScopeFunction])
	assert.Equal(t, 1, counts[models.ScopeModule])
}
