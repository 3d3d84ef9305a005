// Package models contains the domain types shared across the analysis
// pipeline: cards, agents, sessions, findings, and their request/response
// shapes.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// CardType classifies the unit of output a card represents.
type CardType string

const (
	CardTypeReview       CardType = "Review"
	CardTypeChange       CardType = "Change"
	CardTypeArchitecture CardType = "Architecture"
	CardTypeTest         CardType = "Test"
	CardTypeDefect       CardType = "Defect"
	CardTypeRequirement  CardType = "Requirement"
)

// KindCode returns the four-letter-max id segment for the type (REV, CHG,
// ARC, TST, DEF, REQ). Unknown types map to REV.
func (t CardType) KindCode() string {
	switch t {
	case CardTypeReview:
		return "REV"
	case CardTypeChange:
		return "CHG"
	case CardTypeArchitecture:
		return "ARC"
	case CardTypeTest:
		return "TST"
	case CardTypeDefect:
		return "DEF"
	case CardTypeRequirement:
		return "REQ"
	}
	return "REV"
}

// Valid reports whether t is one of the six known card types.
func (t CardType) Valid() bool {
	switch t {
	case CardTypeReview, CardTypeChange, CardTypeArchitecture,
		CardTypeTest, CardTypeDefect, CardTypeRequirement:
		return true
	}
	return false
}

// CardStatus is a card's position in the review workflow.
type CardStatus string

const (
	CardStatusNew        CardStatus = "New"
	CardStatusQueued     CardStatus = "Queued"
	CardStatusInAnalysis CardStatus = "InAnalysis"
	CardStatusProposed   CardStatus = "Proposed"
	CardStatusInReview   CardStatus = "InReview"
	CardStatusApproved   CardStatus = "Approved"
	CardStatusBlocked    CardStatus = "Blocked"
	CardStatusDone       CardStatus = "Done"
)

// cardTransitions enumerates the permitted status edges. Absent edges are
// illegal. Done has no outgoing edges.
var cardTransitions = map[CardStatus][]CardStatus{
	CardStatusNew:        {CardStatusQueued, CardStatusBlocked, CardStatusDone},
	CardStatusQueued:     {CardStatusInAnalysis, CardStatusBlocked},
	CardStatusInAnalysis: {CardStatusProposed, CardStatusBlocked, CardStatusDone},
	CardStatusProposed:   {CardStatusInReview, CardStatusInAnalysis},
	CardStatusInReview:   {CardStatusApproved, CardStatusInAnalysis, CardStatusBlocked},
	CardStatusApproved:   {CardStatusDone},
	CardStatusBlocked:    {CardStatusQueued, CardStatusInAnalysis},
	CardStatusDone:       {},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to CardStatus) bool {
	for _, next := range cardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an IllegalTransition fault when from -> to is
// not a legal edge.
func ValidateTransition(from, to CardStatus) error {
	if !CanTransition(from, to) {
		return fault.New(fault.KindIllegalTransition, "card status %s -> %s", from, to)
	}
	return nil
}

// TransitionRequiresFix reports whether the target status needs a proposed
// fix attached before the store may commit it.
func TransitionRequiresFix(to CardStatus) bool {
	return to == CardStatusProposed
}

// Priority orders cards by urgency, P0 highest.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Rank returns a sortable weight, 0 for P0 through 3 for P3. Unknown
// priorities rank after P3.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	}
	return 4
}

// CodeRef points into a source file.
type CodeRef struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
}

// String renders path:line:col with empty trailing parts omitted.
func (r CodeRef) String() string {
	switch {
	case r.Col > 0:
		return fmt.Sprintf("%s:%d:%d", r.Path, r.Line, r.Col)
	case r.Line > 0:
		return fmt.Sprintf("%s:%d", r.Path, r.Line)
	}
	return r.Path
}

// CardLinks groups the references a card carries.
type CardLinks struct {
	Code  []CodeRef `json:"code,omitempty"`
	Tests []string  `json:"tests,omitempty"`
	Docs  []string  `json:"docs,omitempty"`
}

// Routing records which view a card came from and where it is headed.
// Routing is pure metadata; changing it never interacts with the status
// machine.
type Routing struct {
	FromView string `json:"from_view,omitempty"`
	ToView   string `json:"to_view,omitempty"`
}

// ProposedFix is a concrete, appliable edit attached to a card.
type ProposedFix struct {
	FilePath        string   `json:"file_path"`
	LineRange       [2]int   `json:"line_range"`
	OldText         string   `json:"old_text"`
	NewText         string   `json:"new_text"`
	ValidationFlags []string `json:"validation_flags,omitempty"`
}

// AuditEntry is one append-only record in a card's audit log. The first
// entry of every card snapshots the full card as Diff; later entries carry
// the field patch that was applied.
type AuditEntry struct {
	TS    time.Time       `json:"ts"`
	Actor string          `json:"actor"`
	Event string          `json:"event"`
	Diff  json.RawMessage `json:"diff,omitempty"`
}

// Audit event names used by the store and ApplyFix.
const (
	AuditEventCreated     = "created"
	AuditEventUpdated     = "updated"
	AuditEventFixApplied  = "fix_applied"
	AuditEventFixRejected = "fix_rejected"
	AuditEventAnnotated   = "annotated"
)

// Card is the persisted unit of actionable output.
type Card struct {
	ID             string       `json:"id" db:"id"`
	Type           CardType     `json:"type" db:"type"`
	Status         CardStatus   `json:"status" db:"status"`
	Priority       Priority     `json:"priority" db:"priority"`
	Title          string       `json:"title" db:"title"`
	Summary        string       `json:"summary" db:"summary"`
	OwnerAgentID   string       `json:"owner_agent_id" db:"owner_agent_id"`
	SessionID      string       `json:"session_id" db:"session_id"`
	ParentCardID   string       `json:"parent_card_id,omitempty" db:"parent_card_id"`
	ChildCardIDs   []string     `json:"child_card_ids,omitempty"`
	Links          CardLinks    `json:"links"`
	Risk           float64      `json:"risk" db:"risk"`
	Confidence     float64      `json:"confidence" db:"confidence"`
	CoverageImpact float64      `json:"coverage_impact" db:"coverage_impact"`
	Routing        *Routing     `json:"routing,omitempty"`
	ProposedFix    *ProposedFix `json:"proposed_fix,omitempty"`
	AuditLog       []AuditEntry `json:"audit_log,omitempty"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// ReplayAudit reconstructs a card from its audit log alone: the first entry
// must be a full-card snapshot, subsequent entries shallow-merge their field
// patches. The audit log itself is not part of the replayed state.
func ReplayAudit(entries []AuditEntry) (*Card, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit log is empty")
	}
	if entries[0].Event != AuditEventCreated {
		return nil, fmt.Errorf("audit log does not begin with %s entry", AuditEventCreated)
	}

	state := make(map[string]any)
	if err := json.Unmarshal(entries[0].Diff, &state); err != nil {
		return nil, fmt.Errorf("decode creation snapshot: %w", err)
	}
	for i, entry := range entries[1:] {
		if len(entry.Diff) == 0 {
			continue
		}
		patch := make(map[string]any)
		if err := json.Unmarshal(entry.Diff, &patch); err != nil {
			return nil, fmt.Errorf("decode audit patch %d: %w", i+1, err)
		}
		for k, v := range patch {
			state[k] = v
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("re-encode replayed state: %w", err)
	}
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("decode replayed card: %w", err)
	}
	card.AuditLog = nil
	return &card, nil
}

// FormatCardID renders the canonical card identifier, e.g.
// PRJ-2026-REV-0001. Sequence values past 9999 widen naturally.
func FormatCardID(projectCode string, year int, t CardType, seq int64) string {
	return fmt.Sprintf("%s-%d-%s-%04d", projectCode, year, t.KindCode(), seq)
}
