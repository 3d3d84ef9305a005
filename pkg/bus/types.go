// Package bus provides the in-process progress channel: analysis lifecycle
// events published by the orchestrator and the store, fanned out to
// subscribers on bounded channels. External broadcasters (WebSocket, SSE)
// attach here via Subscribe.
package bus

import "time"

// Event type names. Every payload carries its type so serialized events are
// self-describing.
const (
	EventTypeAnalysisStarted   = "analysis_started"
	EventTypeAnalysisProgress  = "analysis_progress"
	EventTypeCardCreated       = "card_created"
	EventTypeCardUpdated       = "card_updated"
	EventTypeCardDeleted       = "card_deleted"
	EventTypeAgentStatus       = "agent_status"
	EventTypeAnalysisCompleted = "analysis_completed"
	EventTypeAnalysisError     = "analysis_error"
)

// Event is the envelope delivered to subscribers. Payload is one of the
// typed structs in payloads.go and is JSON-serializable.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
