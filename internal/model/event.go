package model

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	EventTypeStatusChanged EventType = "status_changed"
	EventTypeEscalated     EventType = "escalated"
	EventTypeDispatched    EventType = "dispatched"
)

// OrchestratorEvent is published whenever the orchestrator changes a conversation's state.
type OrchestratorEvent struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Type           EventType          `json:"type"`
	From           OrchestratorStatus `json:"from,omitempty"`
	To             OrchestratorStatus `json:"to,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
