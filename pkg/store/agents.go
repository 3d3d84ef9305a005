package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// agentRow mirrors the agents table.
type agentRow struct {
	ID          string         `db:"id"`
	SessionID   string         `db:"session_id"`
	Scope       string         `db:"scope"`
	Target      string         `db:"target"`
	Qualifier   string         `db:"qualifier"`
	Status      string         `db:"status"`
	StatusNote  string         `db:"status_note"`
	ParentID    sql.NullString `db:"parent_id"`
	ChildIDs    string         `db:"child_ids"`
	Messages    string         `db:"messages"`
	Snapshots   string         `db:"snapshots"`
	Findings    string         `db:"findings"`
	CardIDs     string         `db:"card_ids"`
	TokensIn    int            `db:"tokens_in"`
	TokensOut   int            `db:"tokens_out"`
	CostUSD     float64        `db:"cost_usd"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func agentToRow(a *models.Agent) (*agentRow, error) {
	enc := func(field string, v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode agent %s: %w", field, err)
		}
		return string(raw), nil
	}
	childIDs, err := enc("child_ids", a.ChildIDs)
	if err != nil {
		return nil, err
	}
	messages, err := enc("messages", a.Messages)
	if err != nil {
		return nil, err
	}
	snapshots, err := enc("snapshots", a.Snapshots)
	if err != nil {
		return nil, err
	}
	findings, err := enc("findings", a.Findings)
	if err != nil {
		return nil, err
	}
	cardIDs, err := enc("card_ids", a.CardIDs)
	if err != nil {
		return nil, err
	}

	row := &agentRow{
		ID:         a.ID,
		SessionID:  a.SessionID,
		Scope:      string(a.Scope),
		Target:     a.Target,
		Qualifier:  a.Qualifier,
		Status:     string(a.Status),
		StatusNote: a.StatusNote,
		ChildIDs:   childIDs,
		Messages:   messages,
		Snapshots:  snapshots,
		Findings:   findings,
		CardIDs:    cardIDs,
		TokensIn:   a.TokensIn,
		TokensOut:  a.TokensOut,
		CostUSD:    a.CostUSD,
		StartedAt:  a.StartedAt,
	}
	if a.ParentID != "" {
		row.ParentID = sql.NullString{String: a.ParentID, Valid: true}
	}
	if a.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *a.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *agentRow) toModel() (*models.Agent, error) {
	a := &models.Agent{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Scope:      models.AgentScope(r.Scope),
		Target:     r.Target,
		Qualifier:  r.Qualifier,
		Status:     models.AgentStatus(r.Status),
		StatusNote: r.StatusNote,
		ParentID:   r.ParentID.String,
		TokensIn:   r.TokensIn,
		TokensOut:  r.TokensOut,
		CostUSD:    r.CostUSD,
		StartedAt:  r.StartedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	dec := func(field, raw string, v any) error {
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return fmt.Errorf("failed to decode agent %s for %s: %w", field, r.ID, err)
		}
		return nil
	}
	if err := dec("child_ids", r.ChildIDs, &a.ChildIDs); err != nil {
		return nil, err
	}
	if err := dec("messages", r.Messages, &a.Messages); err != nil {
		return nil, err
	}
	if err := dec("snapshots", r.Snapshots, &a.Snapshots); err != nil {
		return nil, err
	}
	if err := dec("findings", r.Findings, &a.Findings); err != nil {
		return nil, err
	}
	if err := dec("card_ids", r.CardIDs, &a.CardIDs); err != nil {
		return nil, err
	}
	return a, nil
}

const agentColumns = `id, session_id, scope, target, qualifier, status, status_note, parent_id,
	child_ids, messages, snapshots, findings, card_ids, tokens_in, tokens_out, cost_usd,
	started_at, completed_at`

const upsertAgentSQL = `
INSERT INTO agents (id, session_id, scope, target, qualifier, status, status_note, parent_id,
	child_ids, messages, snapshots, findings, card_ids, tokens_in, tokens_out, cost_usd,
	started_at, completed_at)
VALUES (:id, :session_id, :scope, :target, :qualifier, :status, :status_note, :parent_id,
	:child_ids, :messages, :snapshots, :findings, :card_ids, :tokens_in, :tokens_out, :cost_usd,
	:started_at, :completed_at)
ON CONFLICT(id) DO UPDATE SET
	session_id = excluded.session_id, scope = excluded.scope, target = excluded.target,
	qualifier = excluded.qualifier, status = excluded.status, status_note = excluded.status_note,
	parent_id = excluded.parent_id, child_ids = excluded.child_ids, messages = excluded.messages,
	snapshots = excluded.snapshots, findings = excluded.findings, card_ids = excluded.card_ids,
	tokens_in = excluded.tokens_in, tokens_out = excluded.tokens_out, cost_usd = excluded.cost_usd,
	started_at = excluded.started_at, completed_at = excluded.completed_at`

// SaveAgent writes the full agent record, inserting on first flush and
// replacing afterwards. The agent runtime owns transition legality; the
// store persists what it is handed.
func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return NewValidationError("id", "agent id is required")
	}
	if !agent.Scope.Valid() {
		return NewValidationError("scope", fmt.Sprintf("unknown agent scope %q", agent.Scope))
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row, err := agentToRow(agent)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertAgentSQL, row); err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row agentRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return row.toModel()
}

// ListAgents returns agents matching the filters, newest first.
func (s *Store) ListAgents(ctx context.Context, filters *models.AgentFilters) (*models.AgentListResponse, error) {
	if filters == nil {
		filters = &models.AgentFilters{}
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var where []string
	var args []any
	if filters.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filters.SessionID)
	}
	if filters.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, filters.Scope)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filters.ParentID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM agents"+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	limit, offset := normalizePage(filters.Limit, filters.Offset)
	var rows []agentRow
	query := "SELECT " + agentColumns + " FROM agents" + clause +
		" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return &models.AgentListResponse{
		Agents:     agents,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// ListStaleAgents finds non-terminal agents whose activation began before
// the cutoff. The janitor sweeps these into Error.
func (s *Store) ListStaleAgents(ctx context.Context, before time.Time) ([]*models.Agent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows []agentRow
	query := "SELECT " + agentColumns + ` FROM agents
		WHERE status NOT IN (?, ?) AND started_at < ?
		ORDER BY started_at ASC`
	err := s.db.SelectContext(ctx, &rows, query,
		models.AgentStatusCompleted, models.AgentStatusError, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}

	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// SumSessionTokens totals provider token usage across a session's agents.
func (s *Store) SumSessionTokens(ctx context.Context, sessionID string) (int, int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var totals struct {
		In  int `db:"tokens_in"`
		Out int `db:"tokens_out"`
	}
	err := s.db.GetContext(ctx, &totals,
		`SELECT COALESCE(SUM(tokens_in), 0) AS tokens_in,
		        COALESCE(SUM(tokens_out), 0) AS tokens_out
		 FROM agents WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum session tokens: %w", err)
	}
	return totals.In, totals.Out, nil
}

// CountRunningAgents reports non-terminal agents grouped by scope, for
// health and metrics surfaces.
func (s *Store) CountRunningAgents(ctx context.Context) (map[models.AgentScope]int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		"SELECT scope, COUNT(*) AS n FROM agents WHERE status NOT IN (?, ?) GROUP BY scope",
		models.AgentStatusCompleted, models.AgentStatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to count running agents: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AgentScope]int)
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("failed to scan agent counts: %w", err)
		}
		counts[models.AgentScope(scope)] = n
	}
	return counts, rows.Err()
}
