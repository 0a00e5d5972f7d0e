// Package events publishes orchestrator state changes to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

// Publisher publishes orchestrator events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, evt model.OrchestratorEvent) error
}

// New stamps a new event.
func New(conversationID string, typ model.EventType) model.OrchestratorEvent {
	return model.OrchestratorEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Type:           typ,
		CreatedAt:      time.Now(),
	}
}

// Nop discards events.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(ctx context.Context, evt model.OrchestratorEvent) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.OrchestratorEvent
}

// Publish records the event.
func (r *Recorder) Publish(ctx context.Context, evt model.OrchestratorEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns the recorded events.
func (r *Recorder) Events() []model.OrchestratorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OrchestratorEvent(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ model.EventType) []model.OrchestratorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OrchestratorEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
