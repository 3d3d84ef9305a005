package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// Sequence rows are keyed by a composite name so card numbering is
// independent per project, year, and kind, and agent numbering per scope.
// Allocation rides the caller's transaction: a rolled-back create may leave a
// gap, but a value is never handed out twice.

const nextSeqSQL = `
INSERT INTO id_sequences (name, value) VALUES (?, 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1
RETURNING value`

func nextSeq(ctx context.Context, q sqlx.QueryerContext, name string) (int64, error) {
	var value int64
	if err := sqlx.GetContext(ctx, q, &value, nextSeqSQL, name); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %q: %w", name, err)
	}
	return value, nil
}

func cardSeqName(projectCode string, year int, t models.CardType) string {
	return fmt.Sprintf("card:%s:%d:%s", projectCode, year, t.KindCode())
}

func agentSeqName(scope models.AgentScope) string {
	return fmt.Sprintf("agent:%s", strings.ToUpper(string(scope)))
}

// nextCardID mints the next card identifier inside the given transaction.
func (s *Store) nextCardID(ctx context.Context, tx *sqlx.Tx, t models.CardType, now time.Time) (string, error) {
	year := now.UTC().Year()
	seq, err := nextSeq(ctx, tx, cardSeqName(s.projectCode, year, t))
	if err != nil {
		return "", err
	}
	return models.FormatCardID(s.projectCode, year, t, seq), nil
}

// NextAgentID mints the next agent identifier for a scope. Agent creation is
// a single-row insert, so allocation runs on the main handle rather than a
// caller transaction.
func (s *Store) NextAgentID(ctx context.Context, scope models.AgentScope) (string, error) {
	if !scope.Valid() {
		return "", NewValidationError("scope", fmt.Sprintf("unknown agent scope %q", scope))
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	seq, err := nextSeq(ctx, s.db, agentSeqName(scope))
	if err != nil {
		return "", err
	}
	return models.FormatAgentID(scope, seq), nil
}
