package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

const (
	// StreamName is the name of the support stream.
	StreamName = "SUPPORT"

	// SubjectPrefix is the prefix for all support subjects.
	SubjectPrefix = "support"

	inboundToken = "inbound"
	statusToken  = "status"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the support stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{InboundFilter(), StatusFilter()},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		Description: "Inbound customer messages and orchestrator status events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// InboundSubject returns the subject inbound events of a conversation are published on.
func InboundSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, inboundToken, subjectToken(conversationID))
}

// StatusSubject returns the subject orchestrator events of a conversation are published on.
func StatusSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, statusToken, subjectToken(conversationID))
}

// InboundFilter matches every inbound subject.
func InboundFilter() string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, inboundToken)
}

// StatusFilter matches every status subject.
func StatusFilter() string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, statusToken)
}

// ConversationFromSubject returns the conversation token of an inbound or status subject.
func ConversationFromSubject(subject string) (string, bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != SubjectPrefix || parts[2] == "" {
		return "", false
	}
	if parts[1] != inboundToken && parts[1] != statusToken {
		return "", false
	}
	return parts[2], true
}

// subjectToken maps characters NATS reserves in subjects to underscores.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// jsPublisher is the part of jetstream.JetStream the status publisher uses.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StatusPublisher publishes orchestrator events to the support stream.
type StatusPublisher struct {
	js jsPublisher
}

var _ events.Publisher = (*StatusPublisher)(nil)

// NewStatusPublisher creates a publisher on js.
func NewStatusPublisher(js jsPublisher) *StatusPublisher {
	return &StatusPublisher{js: js}
}

// Publish publishes evt on its conversation's status subject. The event id is
// the message id, so retried publishes are deduplicated by the stream.
func (p *StatusPublisher) Publish(ctx context.Context, evt model.OrchestratorEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, StatusSubject(evt.ConversationID), data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishInbound publishes a customer message for the orchestrator. The
// ingestion layer owns this in production; it is used by operational tooling.
func (m *StreamManager) PublishInbound(ctx context.Context, evt model.InboundEvent) (uint64, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal inbound event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, InboundSubject(evt.ConversationID), data, jetstream.WithMsgID(evt.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish inbound event: %w", err)
	}
	return ack.Sequence, nil
}
