package bus

import (
	"time"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// AnalysisStartedPayload announces a new analysis session.
type AnalysisStartedPayload struct {
	SessionID string              `json:"session_id"`
	Mode      models.AnalysisMode `json:"mode"`
	RootPath  string              `json:"root_path"`
}

// AnalysisProgressPayload reports running counters as the scope tree is
// walked. Totals may grow while decomposition is still in flight.
type AnalysisProgressPayload struct {
	SessionID      string `json:"session_id"`
	ModulesDone    int    `json:"modules_done"`
	ModulesTotal   int    `json:"modules_total"`
	FunctionsDone  int    `json:"functions_done"`
	FunctionsTotal int    `json:"functions_total"`
	CacheHits      int    `json:"cache_hits"`
	CacheMisses    int    `json:"cache_misses"`
}

// CardPayload carries the full card for created/updated/deleted events.
type CardPayload struct {
	SessionID string       `json:"session_id,omitempty"`
	Card      *models.Card `json:"card"`
}

// AgentStatusPayload reports an agent lifecycle transition.
type AgentStatusPayload struct {
	SessionID string             `json:"session_id"`
	AgentID   string             `json:"agent_id"`
	Scope     models.AgentScope  `json:"scope"`
	Target    string             `json:"target"`
	Status    models.AgentStatus `json:"status"`
}

// AnalysisCompletedPayload closes out a session with its summary.
type AnalysisCompletedPayload struct {
	SessionID string                 `json:"session_id"`
	Status    models.SessionStatus   `json:"status"`
	Summary   *models.SessionSummary `json:"summary,omitempty"`
}

// AnalysisErrorPayload reports a scope failure that was isolated rather than
// fatal, or the terminal error of a failed session.
type AnalysisErrorPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Target    string `json:"target,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

func newEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
}

// NewAnalysisStarted builds an analysis_started event.
func NewAnalysisStarted(sessionID string, mode models.AnalysisMode, rootPath string) Event {
	return newEvent(EventTypeAnalysisStarted, AnalysisStartedPayload{
		SessionID: sessionID,
		Mode:      mode,
		RootPath:  rootPath,
	})
}

// NewAnalysisProgress builds an analysis_progress event.
func NewAnalysisProgress(p AnalysisProgressPayload) Event {
	return newEvent(EventTypeAnalysisProgress, p)
}

// NewCardCreated builds a card_created event.
func NewCardCreated(sessionID string, card *models.Card) Event {
	return newEvent(EventTypeCardCreated, CardPayload{SessionID: sessionID, Card: card})
}

// NewCardUpdated builds a card_updated event.
func NewCardUpdated(sessionID string, card *models.Card) Event {
	return newEvent(EventTypeCardUpdated, CardPayload{SessionID: sessionID, Card: card})
}

// NewCardDeleted builds a card_deleted event.
func NewCardDeleted(card *models.Card) Event {
	return newEvent(EventTypeCardDeleted, CardPayload{Card: card})
}

// NewAgentStatus builds an agent_status event.
func NewAgentStatus(agent *models.Agent) Event {
	return newEvent(EventTypeAgentStatus, AgentStatusPayload{
		SessionID: agent.SessionID,
		AgentID:   agent.ID,
		Scope:     agent.Scope,
		Target:    agent.Target,
		Status:    agent.Status,
	})
}

// NewAnalysisCompleted builds an analysis_completed event.
func NewAnalysisCompleted(sessionID string, status models.SessionStatus, summary *models.SessionSummary) Event {
	return newEvent(EventTypeAnalysisCompleted, AnalysisCompletedPayload{
		SessionID: sessionID,
		Status:    status,
		Summary:   summary,
	})
}

// NewAnalysisError builds an analysis_error event.
func NewAnalysisError(sessionID, agentID, target, kind, message string) Event {
	return newEvent(EventTypeAnalysisError, AnalysisErrorPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		Target:    target,
		Kind:      kind,
		Message:   message,
	})
}
