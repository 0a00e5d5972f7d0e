package model

import (
	"time"
)

// AuthorType identifies who wrote an inbound message.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorAgent    AuthorType = "agent"
	AuthorBot      AuthorType = "bot"
	AuthorSystem   AuthorType = "system"
)

// InboundEvent is a message received from the channel for a conversation.
type InboundEvent struct {
	ID                     string     `json:"id"`
	ConversationID         string     `json:"conversation_id"`
	ExternalConversationID string     `json:"external_conversation_id,omitempty"`
	AuthorType             AuthorType `json:"author_type"`
	Text                   string     `json:"text"`
	ReceivedAt             time.Time  `json:"received_at"`
}

// DispatchStatus is the delivery status of a SuggestedResponse.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// SuggestedResponse is a customer-facing message pending or already dispatched.
type SuggestedResponse struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TriggerEventID string `json:"trigger_event_id,omitempty"`

	// Content
	Text           string   `json:"text"`
	Source         string   `json:"source"`
	KnowledgeItems []string `json:"knowledge_items,omitempty"`

	// Delivery
	DispatchStatus DispatchStatus `json:"dispatch_status"`
	DispatchError  string         `json:"dispatch_error,omitempty"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *SuggestedResponse) Clone() *SuggestedResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.KnowledgeItems = append([]string(nil), r.KnowledgeItems...)
	if r.SentAt != nil {
		t := *r.SentAt
		out.SentAt = &t
	}
	return &out
}
