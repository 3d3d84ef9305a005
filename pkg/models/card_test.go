package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

func TestCardTransitions(t *testing.T) {
	legal := []struct{ from, to CardStatus }{
		{CardStatusNew, CardStatusQueued},
		{CardStatusNew, CardStatusBlocked},
		{CardStatusNew, CardStatusDone},
		{CardStatusQueued, CardStatusInAnalysis},
		{CardStatusQueued, CardStatusBlocked},
		{CardStatusInAnalysis, CardStatusProposed},
		{CardStatusInAnalysis, CardStatusBlocked},
		{CardStatusInAnalysis, CardStatusDone},
		{CardStatusProposed, CardStatusInReview},
		{CardStatusProposed, CardStatusInAnalysis},
		{CardStatusInReview, CardStatusApproved},
		{CardStatusInReview, CardStatusInAnalysis},
		{CardStatusInReview, CardStatusBlocked},
		{CardStatusApproved, CardStatusDone},
		{CardStatusBlocked, CardStatusQueued},
		{CardStatusBlocked, CardStatusInAnalysis},
	}
	for _, tt := range legal {
		assert.NoError(t, ValidateTransition(tt.from, tt.to), "%s -> %s should be legal", tt.from, tt.to)
	}

	illegal := []struct{ from, to CardStatus }{
		{CardStatusNew, CardStatusInAnalysis},
		{CardStatusNew, CardStatusApproved},
		{CardStatusQueued, CardStatusDone},
		{CardStatusInAnalysis, CardStatusApproved},
		{CardStatusProposed, CardStatusDone},
		{CardStatusApproved, CardStatusInAnalysis},
		{CardStatusDone, CardStatusNew},
		{CardStatusDone, CardStatusQueued},
		{CardStatusDone, CardStatusBlocked},
		{CardStatusBlocked, CardStatusDone},
	}
	for _, tt := range illegal {
		err := ValidateTransition(tt.from, tt.to)
		require.Error(t, err, "%s -> %s should be illegal", tt.from, tt.to)
		assert.Equal(t, fault.KindIllegalTransition, fault.KindOf(err))
	}
}

func TestDoneIsTerminal(t *testing.T) {
	for _, to := range []CardStatus{
		CardStatusNew, CardStatusQueued, CardStatusInAnalysis, CardStatusProposed,
		CardStatusInReview, CardStatusApproved, CardStatusBlocked, CardStatusDone,
	} {
		assert.False(t, CanTransition(CardStatusDone, to), "Done -> %s must be forbidden", to)
	}
}

func TestTransitionRequiresFix(t *testing.T) {
	assert.True(t, TransitionRequiresFix(CardStatusProposed))
	assert.False(t, TransitionRequiresFix(CardStatusInReview))
	assert.False(t, TransitionRequiresFix(CardStatusDone))
}

func TestKindCodes(t *testing.T) {
	tests := []struct {
		cardType CardType
		code     string
	}{
		{CardTypeReview, "REV"},
		{CardTypeChange, "CHG"},
		{CardTypeArchitecture, "ARC"},
		{CardTypeTest, "TST"},
		{CardTypeDefect, "DEF"},
		{CardTypeRequirement, "REQ"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.cardType.KindCode())
	}
}

func TestFormatCardID(t *testing.T) {
	assert.Equal(t, "PRJ-2026-REV-0001", FormatCardID("PRJ", 2026, CardTypeReview, 1))
	assert.Equal(t, "ACME-2026-DEF-0042", FormatCardID("ACME", 2026, CardTypeDefect, 42))
	// Sequences past 9999 widen rather than truncate.
	assert.Equal(t, "PRJ-2026-ARC-12345", FormatCardID("PRJ", 2026, CardTypeArchitecture, 12345))
}

func TestCodeRefString(t *testing.T) {
	assert.Equal(t, "pkg/m.go:10:4", CodeRef{Path: "pkg/m.go", Line: 10, Col: 4}.String())
	assert.Equal(t, "pkg/m.go:10", CodeRef{Path: "pkg/m.go", Line: 10}.String())
	assert.Equal(t, "pkg/m.go", CodeRef{Path: "pkg/m.go"}.String())
}

func TestReplayAuditReproducesCardState(t *testing.T) {
	created := Card{
		ID:           "PRJ-2026-REV-0007",
		Type:         CardTypeReview,
		Status:       CardStatusNew,
		Priority:     PriorityP2,
		Title:        "missing zero check",
		Summary:      "div has no divisor guard",
		OwnerAgentID: "AGN-FUNCTION-0002",
		SessionID:    "ses-1",
		Risk:         0.7,
		Confidence:   0.9,
		CreatedAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	snapshot, err := json.Marshal(created)
	require.NoError(t, err)

	patch1, err := json.Marshal(map[string]any{"status": "Queued"})
	require.NoError(t, err)
	patch2, err := json.Marshal(map[string]any{"priority": "P1", "summary": "div has no divisor guard; crash reproduced"})
	require.NoError(t, err)

	entries := []AuditEntry{
		{TS: created.CreatedAt, Actor: "AGN-FUNCTION-0002", Event: AuditEventCreated, Diff: snapshot},
		{TS: created.CreatedAt.Add(time.Minute), Actor: "reviewer", Event: AuditEventUpdated, Diff: patch1},
		{TS: created.CreatedAt.Add(2 * time.Minute), Actor: "reviewer", Event: AuditEventUpdated, Diff: patch2},
	}

	replayed, err := ReplayAudit(entries)
	require.NoError(t, err)
	assert.Equal(t, "PRJ-2026-REV-0007", replayed.ID)
	assert.Equal(t, CardStatusQueued, replayed.Status)
	assert.Equal(t, PriorityP1, replayed.Priority)
	assert.Equal(t, "div has no divisor guard; crash reproduced", replayed.Summary)
	assert.Equal(t, created.Risk, replayed.Risk)
}

func TestReplayAuditRejectsMalformedLogs(t *testing.T) {
	_, err := ReplayAudit(nil)
	assert.Error(t, err)

	_, err = ReplayAudit([]AuditEntry{{Event: AuditEventUpdated, Diff: json.RawMessage(`{}`)}})
	assert.Error(t, err)

	var target *fault.Fault
	assert.False(t, errors.As(err, &target), "replay errors are plain errors, not faults")
}
