// Package model defines data structures for the support orchestrator.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle status of a conversation in the messaging channel.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Handler identifies who currently owns a conversation.
type Handler string

const (
	HandlerOrchestrator       Handler = "orchestrator"
	HandlerWaitingForCustomer Handler = "waiting_for_customer"
	HandlerCloser             Handler = "closer"
	HandlerHuman              Handler = "human"
)

// Conversation represents a customer conversation as tracked by the ingestion layer.
type Conversation struct {
	ID                string             `json:"id"`
	ExternalID        string             `json:"external_id"`
	Status            ConversationStatus `json:"status"`
	CurrentHandler    Handler            `json:"current_handler"`
	AutomationEnabled bool               `json:"automation_enabled"`
	CustomerProfile   map[string]string  `json:"customer_profile,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
}

// IsClosed reports whether the channel has closed the conversation.
func (c *Conversation) IsClosed() bool {
	return c.Status == ConversationClosed
}

// OrchestratorStatus is the conversation's current stage in the automation lifecycle.
type OrchestratorStatus string

const (
	StatusNew                     OrchestratorStatus = "NEW"
	StatusDemandUnderstanding     OrchestratorStatus = "DEMAND_UNDERSTANDING"
	StatusTempDemandUnderstood    OrchestratorStatus = "TEMP_DEMAND_UNDERSTOOD"
	StatusTempDemandNotUnderstood OrchestratorStatus = "TEMP_DEMAND_NOT_UNDERSTOOD"
	StatusProvidingSolution       OrchestratorStatus = "PROVIDING_SOLUTION"
	StatusFinalizing              OrchestratorStatus = "FINALIZING"
	StatusEscalated               OrchestratorStatus = "ESCALATED"
	StatusClosed                  OrchestratorStatus = "CLOSED"
)

// IsAbsorbing reports whether no event may change the status any further.
func (s OrchestratorStatus) IsAbsorbing() bool {
	return s == StatusEscalated || s == StatusClosed
}

// IsTemporary reports whether the status is one of the clarification outcomes
// that are always handed to a human.
func (s OrchestratorStatus) IsTemporary() bool {
	return s == StatusTempDemandUnderstood || s == StatusTempDemandNotUnderstood
}

func (s OrchestratorStatus) String() string {
	return string(s)
}

// KnowledgeKind is the type of a knowledge corpus item.
type KnowledgeKind string

const (
	KnowledgeArticle   KnowledgeKind = "article"
	KnowledgeProblem   KnowledgeKind = "problem"
	KnowledgeRootCause KnowledgeKind = "root_cause"
)

// KnowledgeMatch is a knowledge item matched against the conversation.
type KnowledgeMatch struct {
	ID      string        `json:"id"`
	Kind    KnowledgeKind `json:"kind"`
	Title   string        `json:"title"`
	Snippet string        `json:"snippet,omitempty"`
	Score   float64       `json:"score"`
}

// Classification holds the product and request type inferred for a conversation.
type Classification struct {
	ProductID             string  `json:"product_id,omitempty"`
	ProductName           string  `json:"product_name,omitempty"`
	ProductConfidence     float64 `json:"product_confidence"`
	RequestType           string  `json:"request_type,omitempty"`
	RequestTypeConfidence float64 `json:"request_type_confidence"`
}

// ConversationSummary is the orchestrator's per-conversation working record.
// There is exactly one per conversation.
type ConversationSummary struct {
	ID                 string             `json:"id"`
	ConversationID     string             `json:"conversation_id"`
	Summary            string             `json:"summary"`
	Classification     Classification     `json:"classification"`
	EmotionLevel       int                `json:"emotion_level"`
	OrchestratorStatus OrchestratorStatus `json:"orchestrator_status"`
	TopMatches         []KnowledgeMatch   `json:"top_matches,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the summary.
func (s *ConversationSummary) Clone() *ConversationSummary {
	if s == nil {
		return nil
	}
	out := *s
	out.TopMatches = append([]KnowledgeMatch(nil), s.TopMatches...)
	return &out
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.CustomerProfile != nil {
		out.CustomerProfile = make(map[string]string, len(c.CustomerProfile))
		for k, v := range c.CustomerProfile {
			out.CustomerProfile[k] = v
		}
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}
