package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// cardRow mirrors the cards table. Slice- and struct-valued fields are
// stored as JSON text.
type cardRow struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Status         string         `db:"status"`
	Priority       string         `db:"priority"`
	Title          string         `db:"title"`
	Summary        string         `db:"summary"`
	OwnerAgentID   string         `db:"owner_agent_id"`
	SessionID      string         `db:"session_id"`
	ParentCardID   sql.NullString `db:"parent_card_id"`
	ChildCardIDs   string         `db:"child_card_ids"`
	Links          string         `db:"links"`
	Risk           float64        `db:"risk"`
	Confidence     float64        `db:"confidence"`
	CoverageImpact float64        `db:"coverage_impact"`
	Routing        sql.NullString `db:"routing"`
	ProposedFix    sql.NullString `db:"proposed_fix"`
	AuditLog       string         `db:"audit_log"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func cardToRow(c *models.Card) (*cardRow, error) {
	childIDs, err := json.Marshal(c.ChildCardIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode child_card_ids: %w", err)
	}
	links, err := json.Marshal(c.Links)
	if err != nil {
		return nil, fmt.Errorf("failed to encode links: %w", err)
	}
	audit, err := json.Marshal(c.AuditLog)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit_log: %w", err)
	}
	row := &cardRow{
		ID:             c.ID,
		Type:           string(c.Type),
		Status:         string(c.Status),
		Priority:       string(c.Priority),
		Title:          c.Title,
		Summary:        c.Summary,
		OwnerAgentID:   c.OwnerAgentID,
		SessionID:      c.SessionID,
		ChildCardIDs:   string(childIDs),
		Links:          string(links),
		Risk:           c.Risk,
		Confidence:     c.Confidence,
		CoverageImpact: c.CoverageImpact,
		AuditLog:       string(audit),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.ParentCardID != "" {
		row.ParentCardID = sql.NullString{String: c.ParentCardID, Valid: true}
	}
	if c.Routing != nil {
		raw, err := json.Marshal(c.Routing)
		if err != nil {
			return nil, fmt.Errorf("failed to encode routing: %w", err)
		}
		row.Routing = sql.NullString{String: string(raw), Valid: true}
	}
	if c.ProposedFix != nil {
		raw, err := json.Marshal(c.ProposedFix)
		if err != nil {
			return nil, fmt.Errorf("failed to encode proposed_fix: %w", err)
		}
		row.ProposedFix = sql.NullString{String: string(raw), Valid: true}
	}
	return row, nil
}

func (r *cardRow) toModel() (*models.Card, error) {
	c := &models.Card{
		ID:             r.ID,
		Type:           models.CardType(r.Type),
		Status:         models.CardStatus(r.Status),
		Priority:       models.Priority(r.Priority),
		Title:          r.Title,
		Summary:        r.Summary,
		OwnerAgentID:   r.OwnerAgentID,
		SessionID:      r.SessionID,
		ParentCardID:   r.ParentCardID.String,
		Risk:           r.Risk,
		Confidence:     r.Confidence,
		CoverageImpact: r.CoverageImpact,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ChildCardIDs), &c.ChildCardIDs); err != nil {
		return nil, fmt.Errorf("failed to decode child_card_ids for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Links), &c.Links); err != nil {
		return nil, fmt.Errorf("failed to decode links for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.AuditLog), &c.AuditLog); err != nil {
		return nil, fmt.Errorf("failed to decode audit_log for %s: %w", r.ID, err)
	}
	if r.Routing.Valid {
		if err := json.Unmarshal([]byte(r.Routing.String), &c.Routing); err != nil {
			return nil, fmt.Errorf("failed to decode routing for %s: %w", r.ID, err)
		}
	}
	if r.ProposedFix.Valid {
		if err := json.Unmarshal([]byte(r.ProposedFix.String), &c.ProposedFix); err != nil {
			return nil, fmt.Errorf("failed to decode proposed_fix for %s: %w", r.ID, err)
		}
	}
	return c, nil
}

const cardColumns = `id, type, status, priority, title, summary, owner_agent_id, session_id,
	parent_card_id, child_card_ids, links, risk, confidence, coverage_impact,
	routing, proposed_fix, audit_log, created_at, updated_at`

const insertCardSQL = `
INSERT INTO cards (id, type, status, priority, title, summary, owner_agent_id, session_id,
	parent_card_id, child_card_ids, links, risk, confidence, coverage_impact,
	routing, proposed_fix, audit_log, created_at, updated_at)
VALUES (:id, :type, :status, :priority, :title, :summary, :owner_agent_id, :session_id,
	:parent_card_id, :child_card_ids, :links, :risk, :confidence, :coverage_impact,
	:routing, :proposed_fix, :audit_log, :created_at, :updated_at)`

const updateCardSQL = `
UPDATE cards SET
	status = :status, priority = :priority, title = :title, summary = :summary,
	parent_card_id = :parent_card_id, child_card_ids = :child_card_ids, links = :links,
	risk = :risk, confidence = :confidence, coverage_impact = :coverage_impact,
	routing = :routing, proposed_fix = :proposed_fix, audit_log = :audit_log,
	updated_at = :updated_at
WHERE id = :id`

// appendAudit attaches one audit entry to the card in memory. The entry is
// persisted with the surrounding write.
func appendAudit(card *models.Card, actor, event string, diff any) error {
	raw, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("failed to encode audit diff: %w", err)
	}
	card.AuditLog = append(card.AuditLog, models.AuditEntry{
		TS:    time.Now().UTC(),
		Actor: actor,
		Event: event,
		Diff:  raw,
	})
	return nil
}

// creationSnapshot renders the full card (minus its audit log) as the first
// audit entry, so the log alone can reconstruct the card.
func creationSnapshot(card *models.Card) (json.RawMessage, error) {
	snap := *card
	snap.AuditLog = nil
	raw, err := json.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode creation snapshot: %w", err)
	}
	return raw, nil
}

func getCard(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Card, error) {
	var row cardRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT "+cardColumns+" FROM cards WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card %s: %w", id, err)
	}
	return row.toModel()
}

func writeCard(ctx context.Context, tx *sqlx.Tx, card *models.Card, query string) error {
	row, err := cardToRow(card)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to write card %s: %w", card.ID, err)
	}
	return nil
}

// CreateCard validates the request, allocates the card id, seeds the audit
// log with a full snapshot, links the parent when one is named, and commits
// it all atomically. The card_created event fires only after commit.
func (s *Store) CreateCard(ctx context.Context, req *models.CreateCardRequest) (*models.Card, error) {
	if req == nil {
		return nil, NewValidationError("request", "request is required")
	}
	if !req.Type.Valid() {
		return nil, NewValidationError("type", fmt.Sprintf("unknown card type %q", req.Type))
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, NewValidationError("title", "title is required")
	}
	if req.OwnerAgentID == "" {
		return nil, NewValidationError("owner_agent_id", "owner agent is required")
	}
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "session is required")
	}
	priority := req.Priority
	if priority.Rank() > models.PriorityP3.Rank() {
		priority = models.PriorityP2
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	var card *models.Card
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.nextCardID(ctx, tx, req.Type, now)
		if err != nil {
			return err
		}
		card = &models.Card{
			ID:             id,
			Type:           req.Type,
			Status:         models.CardStatusNew,
			Priority:       priority,
			Title:          req.Title,
			Summary:        req.Summary,
			OwnerAgentID:   req.OwnerAgentID,
			SessionID:      req.SessionID,
			ParentCardID:   req.ParentCardID,
			Links:          req.Links,
			Risk:           req.Risk,
			Confidence:     req.Confidence,
			CoverageImpact: req.CoverageImpact,
			Routing:        req.Routing,
			ProposedFix:    req.ProposedFix,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if req.ParentCardID != "" {
			parent, err := getCard(ctx, tx, req.ParentCardID)
			if err != nil {
				return err
			}
			parent.ChildCardIDs = append(parent.ChildCardIDs, id)
			parent.UpdatedAt = now
			if err := appendAudit(parent, card.OwnerAgentID, models.AuditEventUpdated,
				map[string]any{"child_card_ids": parent.ChildCardIDs}); err != nil {
				return err
			}
			if err := writeCard(ctx, tx, parent, updateCardSQL); err != nil {
				return err
			}
		}

		snapshot, err := creationSnapshot(card)
		if err != nil {
			return err
		}
		card.AuditLog = []models.AuditEntry{{
			TS:    now,
			Actor: req.OwnerAgentID,
			Event: models.AuditEventCreated,
			Diff:  snapshot,
		}}
		return writeCard(ctx, tx, card, insertCardSQL)
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.NewCardCreated(card.SessionID, card))
	return card, nil
}

// GetCard loads one card by id.
func (s *Store) GetCard(ctx context.Context, id string) (*models.Card, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return getCard(ctx, s.db, id)
}

// GetCardsByIDs loads the cards whose ids are present, preserving input
// order. Missing ids are skipped, not errors; callers needing strictness
// compare lengths.
func (s *Store) GetCardsByIDs(ctx context.Context, ids []string) ([]*models.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args, err := sqlx.In("SELECT "+cardColumns+" FROM cards WHERE id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build card id query: %w", err)
	}
	var rows []cardRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load cards by id: %w", err)
	}

	byID := make(map[string]*models.Card, len(rows))
	for i := range rows {
		card, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		byID[card.ID] = card
	}
	out := make([]*models.Card, 0, len(byID))
	for _, id := range ids {
		if card, ok := byID[id]; ok {
			out = append(out, card)
		}
	}
	return out, nil
}

// ListCards returns cards matching the filters, newest first.
func (s *Store) ListCards(ctx context.Context, filters *models.CardFilters) (*models.CardListResponse, error) {
	if filters == nil {
		filters = &models.CardFilters{}
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var where []string
	var args []any
	if filters.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filters.Type)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.OwnerAgentID != "" {
		where = append(where, "owner_agent_id = ?")
		args = append(args, filters.OwnerAgentID)
	}
	if filters.ParentCardID != "" {
		where = append(where, "parent_card_id = ?")
		args = append(args, filters.ParentCardID)
	}
	if filters.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filters.SessionID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM cards"+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count cards: %w", err)
	}

	limit, offset := normalizePage(filters.Limit, filters.Offset)
	var rows []cardRow
	query := "SELECT " + cardColumns + " FROM cards" + clause +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}

	cards := make([]*models.Card, 0, len(rows))
	for i := range rows {
		card, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return &models.CardListResponse{
		Cards:      cards,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateCard applies a partial update. Status changes go through the card
// state machine; entering Proposed requires a fix on the card or in the
// patch. The applied patch lands in the audit log, and card_updated fires
// after commit.
func (s *Store) UpdateCard(ctx context.Context, id string, patch *models.CardPatch) (*models.Card, error) {
	if patch == nil {
		return nil, NewValidationError("patch", "patch is required")
	}
	actor := patch.Actor
	if actor == "" {
		actor = "api"
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var card *models.Card
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		card, err = getCard(ctx, tx, id)
		if err != nil {
			return err
		}

		diff := make(map[string]any)
		if patch.Status != nil {
			if err := models.ValidateTransition(card.Status, *patch.Status); err != nil {
				return err
			}
			if models.TransitionRequiresFix(*patch.Status) {
				fix := card.ProposedFix
				if patch.ProposedFix != nil {
					fix = patch.ProposedFix
				}
				if fix == nil {
					return NewValidationError("proposed_fix",
						fmt.Sprintf("status %s requires a proposed fix", *patch.Status))
				}
			}
			card.Status = *patch.Status
			diff["status"] = card.Status
		}
		if patch.Priority != nil {
			if patch.Priority.Rank() > models.PriorityP3.Rank() {
				return NewValidationError("priority", fmt.Sprintf("unknown priority %q", *patch.Priority))
			}
			card.Priority = *patch.Priority
			diff["priority"] = card.Priority
		}
		if patch.Title != nil {
			if strings.TrimSpace(*patch.Title) == "" {
				return NewValidationError("title", "title cannot be empty")
			}
			card.Title = *patch.Title
			diff["title"] = card.Title
		}
		if patch.Summary != nil {
			card.Summary = *patch.Summary
			diff["summary"] = card.Summary
		}
		if patch.Routing != nil {
			card.Routing = patch.Routing
			diff["routing"] = card.Routing
		}
		if patch.ProposedFix != nil {
			card.ProposedFix = patch.ProposedFix
			diff["proposed_fix"] = card.ProposedFix
		}
		if len(diff) == 0 {
			return NewValidationError("patch", "patch contains no fields")
		}

		card.UpdatedAt = time.Now().UTC()
		if err := appendAudit(card, actor, models.AuditEventUpdated, diff); err != nil {
			return err
		}
		return writeCard(ctx, tx, card, updateCardSQL)
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.NewCardUpdated(card.SessionID, card))
	return card, nil
}

// AppendCardAudit attaches an audit entry outside a field patch, e.g. after
// a fix application. The card's updated_at advances with the entry.
func (s *Store) AppendCardAudit(ctx context.Context, id, actor, event string, diff any) (*models.Card, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var card *models.Card
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		card, err = getCard(ctx, tx, id)
		if err != nil {
			return err
		}
		card.UpdatedAt = time.Now().UTC()
		if err := appendAudit(card, actor, event, diff); err != nil {
			return err
		}
		return writeCard(ctx, tx, card, updateCardSQL)
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.NewCardUpdated(card.SessionID, card))
	return card, nil
}

// LinkCards sets parentID as the parent of each named child card, in one
// transaction. Children that no longer exist or already have a parent are
// left alone; the first linkage a card receives is the one it keeps. Both
// sides gain audit entries, and card_updated fires for the parent after
// commit.
func (s *Store) LinkCards(ctx context.Context, parentID string, childIDs []string, actor string) (*models.Card, error) {
	if actor == "" {
		actor = "store"
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var parent *models.Card
	var linked []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		parent, err = getCard(ctx, tx, parentID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		for _, childID := range childIDs {
			if childID == parentID {
				continue
			}
			child, err := getCard(ctx, tx, childID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if child.ParentCardID != "" {
				continue
			}
			child.ParentCardID = parentID
			child.UpdatedAt = now
			if err := appendAudit(child, actor, models.AuditEventUpdated,
				map[string]any{"parent_card_id": parentID}); err != nil {
				return err
			}
			if err := writeCard(ctx, tx, child, updateCardSQL); err != nil {
				return err
			}
			linked = append(linked, childID)
		}
		if len(linked) == 0 {
			return nil
		}

		parent.ChildCardIDs = append(parent.ChildCardIDs, linked...)
		parent.UpdatedAt = now
		if err := appendAudit(parent, actor, models.AuditEventUpdated,
			map[string]any{"child_card_ids": parent.ChildCardIDs}); err != nil {
			return err
		}
		return writeCard(ctx, tx, parent, updateCardSQL)
	})
	if err != nil {
		return nil, err
	}

	if len(linked) > 0 {
		s.publish(bus.NewCardUpdated(parent.SessionID, parent))
	}
	return parent, nil
}

// DeleteCard removes a card, detaching it from its parent's child list and
// orphaning its children explicitly so their histories record the change.
func (s *Store) DeleteCard(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var card *models.Card
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		card, err = getCard(ctx, tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		var childRows []cardRow
		if err := tx.SelectContext(ctx, &childRows,
			"SELECT "+cardColumns+" FROM cards WHERE parent_card_id = ?", id); err != nil {
			return fmt.Errorf("failed to load children of %s: %w", id, err)
		}
		for i := range childRows {
			child, err := childRows[i].toModel()
			if err != nil {
				return err
			}
			child.ParentCardID = ""
			child.UpdatedAt = now
			if err := appendAudit(child, "store", models.AuditEventUpdated,
				map[string]any{"parent_card_id": ""}); err != nil {
				return err
			}
			if err := writeCard(ctx, tx, child, updateCardSQL); err != nil {
				return err
			}
		}

		if card.ParentCardID != "" {
			parent, err := getCard(ctx, tx, card.ParentCardID)
			if err == nil {
				kept := parent.ChildCardIDs[:0]
				for _, childID := range parent.ChildCardIDs {
					if childID != id {
						kept = append(kept, childID)
					}
				}
				parent.ChildCardIDs = kept
				parent.UpdatedAt = now
				if err := appendAudit(parent, "store", models.AuditEventUpdated,
					map[string]any{"child_card_ids": parent.ChildCardIDs}); err != nil {
					return err
				}
				if err := writeCard(ctx, tx, parent, updateCardSQL); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM cards WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete card %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(bus.NewCardDeleted(card))
	return nil
}

// CountCardsBySession reports how many cards a session minted.
func (s *Store) CountCardsBySession(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM cards WHERE session_id = ?", sessionID); err != nil {
		return 0, fmt.Errorf("failed to count session cards: %w", err)
	}
	return n, nil
}

// normalizePage clamps paging inputs to sane bounds.
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
