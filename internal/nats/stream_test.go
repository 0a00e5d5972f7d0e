package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "support.inbound.conv-1", InboundSubject("conv-1"))
	assert.Equal(t, "support.status.conv-1", StatusSubject("conv-1"))
	assert.Equal(t, "support.inbound.>", InboundFilter())
	assert.Equal(t, "support.status.>", StatusFilter())
	assert.Equal(t, "support.inbound.a_b_c_d", InboundSubject("a.b*c>d"))
	assert.Equal(t, "support.status._", StatusSubject(""))
}

func TestConversationFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{subject: "support.inbound.conv-1", want: "conv-1", ok: true},
		{subject: "support.status.conv-2", want: "conv-2", ok: true},
		{subject: "support.other.conv-1"},
		{subject: "conv.t1.c1.msg.user"},
		{subject: "support.inbound."},
		{subject: "support"},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, ok := ConversationFromSubject(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInbound(t *testing.T) {
	t.Run("full event", func(t *testing.T) {
		evt, err := DecodeInbound("support.inbound.c1", []byte(`{"id": "e1", "conversation_id": "c9", "author_type": "customer", "text": "hi", "received_at": "2026-01-02T03:04:05Z"}`))
		require.NoError(t, err)
		assert.Equal(t, "c9", evt.ConversationID)
		assert.Equal(t, model.AuthorCustomer, evt.AuthorType)
		assert.Equal(t, 2026, evt.ReceivedAt.Year())
	})

	t.Run("conversation from subject", func(t *testing.T) {
		evt, err := DecodeInbound("support.inbound.c1", []byte(`{"id": "e1", "author_type": "customer", "text": "hi"}`))
		require.NoError(t, err)
		assert.Equal(t, "c1", evt.ConversationID)
		assert.False(t, evt.ReceivedAt.IsZero())
	})

	for name, body := range map[string]string{
		"not json":        `hello`,
		"missing id":      `{"conversation_id": "c1", "text": "hi"}`,
		"no conversation": `{"id": "e1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound("support.unknown", []byte(body))
			assert.Error(t, err)
		})
	}
}

type fakeMsg struct {
	acked  int
	naked  int
	delay  time.Duration
	ackErr error
}

func (m *fakeMsg) Ack() error {
	m.acked++
	return m.ackErr
}

func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naked++
	m.delay = delay
	return nil
}

func TestSettle(t *testing.T) {
	log := logger.NewNop()

	t.Run("processed events are acked", func(t *testing.T) {
		for _, outcome := range []orchestrator.Outcome{orchestrator.OutcomeProcessed, orchestrator.OutcomeEscalated, orchestrator.OutcomeDropped, orchestrator.OutcomeIgnored} {
			msg := &fakeMsg{}
			settle(msg, orchestrator.Result{Outcome: outcome}, nil, time.Second, log)
			assert.Equal(t, 1, msg.acked, outcome)
			assert.Zero(t, msg.naked, outcome)
		}
	})

	t.Run("unprocessed events are redelivered", func(t *testing.T) {
		msg := &fakeMsg{}
		settle(msg, orchestrator.Result{Outcome: orchestrator.OutcomeFailed}, errors.New("lock not acquired"), 3*time.Second, log)
		assert.Zero(t, msg.acked)
		assert.Equal(t, 1, msg.naked)
		assert.Equal(t, 3*time.Second, msg.delay)
	})

	t.Run("interrupted runs are redelivered", func(t *testing.T) {
		msg := &fakeMsg{}
		err := fmt.Errorf("%w: context canceled", orchestrator.ErrInterrupted)
		settle(msg, orchestrator.Result{Outcome: orchestrator.OutcomeInterrupted}, err, time.Second, log)
		assert.Zero(t, msg.acked)
		assert.Equal(t, 1, msg.naked)
	})

	t.Run("ack failure is tolerated", func(t *testing.T) {
		msg := &fakeMsg{ackErr: errors.New("connection closed")}
		settle(msg, orchestrator.Result{Outcome: orchestrator.OutcomeProcessed}, nil, time.Second, log)
		assert.Equal(t, 1, msg.acked)
	})
}

type publishCall struct {
	subject string
	data    []byte
	opts    int
}

type fakeJS struct {
	calls []publishCall
	err   error
}

func (f *fakeJS) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.calls = append(f.calls, publishCall{subject: subject, data: data, opts: len(opts)})
	if f.err != nil {
		return nil, f.err
	}
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.calls))}, nil
}

func TestStatusPublisher(t *testing.T) {
	js := &fakeJS{}
	pub := NewStatusPublisher(js)

	evt := events.New("conv-1", model.EventTypeStatusChanged)
	evt.From = model.StatusNew
	evt.To = model.StatusDemandUnderstanding
	require.NoError(t, pub.Publish(context.Background(), evt))

	require.Len(t, js.calls, 1)
	assert.Equal(t, "support.status.conv-1", js.calls[0].subject)
	assert.Equal(t, 1, js.calls[0].opts, "message id is set")

	var got model.OrchestratorEvent
	require.NoError(t, json.Unmarshal(js.calls[0].data, &got))
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, model.StatusDemandUnderstanding, got.To)

	js.err = errors.New("no responders")
	assert.Error(t, pub.Publish(context.Background(), evt))
}
