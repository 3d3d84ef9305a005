package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// AgentScope is the granularity at which an agent analyzes.
type AgentScope string

const (
	ScopeSystem    AgentScope = "System"
	ScopeSubsystem AgentScope = "Subsystem"
	ScopeModule    AgentScope = "Module"
	ScopeClass     AgentScope = "Class"
	ScopeFunction  AgentScope = "Function"
)

// Scopes lists all scopes from the widest inward.
func Scopes() []AgentScope {
	return []AgentScope{ScopeSystem, ScopeSubsystem, ScopeModule, ScopeClass, ScopeFunction}
}

// Valid reports whether s is one of the five scopes.
func (s AgentScope) Valid() bool {
	switch s {
	case ScopeSystem, ScopeSubsystem, ScopeModule, ScopeClass, ScopeFunction:
		return true
	}
	return false
}

// AgentStatus tracks an agent activation through its lifecycle.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "Idle"
	AgentStatusAnalyzing AgentStatus = "Analyzing"
	AgentStatusReporting AgentStatus = "Reporting"
	AgentStatusCompleted AgentStatus = "Completed"
	AgentStatusError     AgentStatus = "Error"
)

// agentStatusOrder backs the monotonic-forward rule. Error sits outside the
// ladder: any state may fall into it, and the only way back is the explicit
// Error -> Idle retry reset.
var agentStatusOrder = map[AgentStatus]int{
	AgentStatusIdle:      0,
	AgentStatusAnalyzing: 1,
	AgentStatusReporting: 2,
	AgentStatusCompleted: 3,
}

// Terminal reports whether the status ends an activation.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusError
}

// ValidateAgentTransition enforces the monotonic status rule: forward moves
// only, any state may transition to Error, and Error -> Idle is the single
// allowed reset (explicit retry).
func ValidateAgentTransition(from, to AgentStatus) error {
	if from == to {
		return fault.New(fault.KindIllegalTransition, "agent status %s -> %s", from, to)
	}
	if to == AgentStatusError {
		if from == AgentStatusError {
			return fault.New(fault.KindIllegalTransition, "agent status Error -> Error")
		}
		return nil
	}
	if from == AgentStatusError {
		if to == AgentStatusIdle {
			return nil
		}
		return fault.New(fault.KindIllegalTransition, "agent status Error -> %s", to)
	}
	fromOrd, ok := agentStatusOrder[from]
	if !ok {
		return fault.New(fault.KindIllegalTransition, "unknown agent status %s", from)
	}
	toOrd, ok := agentStatusOrder[to]
	if !ok {
		return fault.New(fault.KindIllegalTransition, "unknown agent status %s", to)
	}
	if toOrd <= fromOrd {
		return fault.New(fault.KindIllegalTransition, "agent status %s -> %s", from, to)
	}
	return nil
}

// MessageRole is the speaker of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ToolCall is a provider-issued tool invocation, surfaced verbatim.
// Arguments stay opaque JSON so provider shapes remain interoperable.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ArgumentsJSON json.RawMessage `json:"arguments_json"`
	ResultJSON    json.RawMessage `json:"result_json,omitempty"`
}

// Message is one ordered entry in an agent's conversation log.
type Message struct {
	TS        time.Time   `json:"ts"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	TokensIn  int         `json:"tokens_in"`
	TokensOut int         `json:"tokens_out"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	LatencyMS int64       `json:"latency_ms"`
}

// SnapshotKind labels what an agent captured as input.
type SnapshotKind string

const (
	SnapshotCodeSlice    SnapshotKind = "code_slice"
	SnapshotGraphExtract SnapshotKind = "graph_extract"
	SnapshotTestResult   SnapshotKind = "test_result"
)

// Snapshot is a captured input preserved with the agent record.
type Snapshot struct {
	TS      time.Time    `json:"ts"`
	Kind    SnapshotKind `json:"kind"`
	Label   string       `json:"label"`
	Content string       `json:"content"`
}

// Agent is the persisted record of one analysis activation.
type Agent struct {
	ID          string      `json:"id" db:"id"`
	SessionID   string      `json:"session_id" db:"session_id"`
	Scope       AgentScope  `json:"scope" db:"scope"`
	Target      string      `json:"target" db:"target"`
	Qualifier   string      `json:"qualifier,omitempty" db:"qualifier"`
	Status      AgentStatus `json:"status" db:"status"`
	StatusNote  string      `json:"status_note,omitempty" db:"status_note"`
	ParentID    string      `json:"parent_id,omitempty" db:"parent_id"`
	ChildIDs    []string    `json:"child_ids,omitempty"`
	Messages    []Message   `json:"messages,omitempty"`
	Snapshots   []Snapshot  `json:"snapshots,omitempty"`
	Findings    []Finding   `json:"findings,omitempty"`
	CardIDs     []string    `json:"card_ids,omitempty"`
	TokensIn    int         `json:"tokens_in" db:"tokens_in"`
	TokensOut   int         `json:"tokens_out" db:"tokens_out"`
	CostUSD     float64     `json:"cost_usd" db:"cost_usd"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// FormatAgentID renders the canonical agent identifier, e.g.
// AGN-FUNCTION-0001.
func FormatAgentID(scope AgentScope, seq int64) string {
	return fmt.Sprintf("AGN-%s-%04d", strings.ToUpper(string(scope)), seq)
}
