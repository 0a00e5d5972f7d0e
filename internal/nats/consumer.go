package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// Submitter queues an inbound event for processing. orchestrator.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, evt model.InboundEvent, done orchestrator.DoneFunc) error
}

// ConsumerConfig configures the inbound consumer.
type ConsumerConfig struct {
	Durable    string
	BatchSize  int
	AckWait    time.Duration
	MaxDeliver int
	// RetryDelay is how long a message that could not be processed waits before redelivery.
	RetryDelay time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Durable == "" {
		c.Durable = "support-orchestrator"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// InboundConsumer feeds inbound customer messages from the support stream
// into the dispatcher. Messages are acknowledged once processed.
type InboundConsumer struct {
	client *Client
	submit Submitter
	cfg    ConsumerConfig
	log    *logger.Logger
}

// NewInboundConsumer creates the consumer.
func NewInboundConsumer(client *Client, submit Submitter, cfg ConsumerConfig, log *logger.Logger) *InboundConsumer {
	return &InboundConsumer{client: client, submit: submit, cfg: cfg.withDefaults(), log: log.Named("inbound_consumer")}
}

// Run fetches and submits messages until ctx is done.
func (c *InboundConsumer) Run(ctx context.Context) error {
	stream, err := c.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: InboundFilter(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxAckPending: c.cfg.BatchSize * 8,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}
	c.log.Info("inbound consumer started", zap.String("durable", c.cfg.Durable), zap.String("filter", InboundFilter()))

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := consumer.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Debug("fetch failed", zap.Error(err))
			continue
		}

		for msg := range batch.Messages() {
			c.handle(ctx, msg)
		}

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			c.log.Warn("message fetch error", zap.Error(err))
		}
	}
}

func (c *InboundConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	evt, err := DecodeInbound(msg.Subject(), msg.Data())
	if err != nil {
		c.log.Warn("dropping malformed inbound message", zap.String("subject", msg.Subject()), zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("malformed").Inc()
		if err := msg.Term(); err != nil {
			c.log.Warn("failed to terminate message", zap.Error(err))
		}
		return
	}

	err = c.submit.Submit(ctx, evt, func(res orchestrator.Result, err error) {
		settle(msg, res, err, c.cfg.RetryDelay, c.log)
	})
	if err != nil {
		c.log.Warn("failed to queue inbound event", zap.String("event_id", evt.ID), zap.Error(err))
		if err := msg.NakWithDelay(c.cfg.RetryDelay); err != nil {
			c.log.Warn("failed to nak message", zap.Error(err))
		}
	}
}

// acker is the settlement part of jetstream.Msg.
type acker interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
}

// settle acknowledges a processed message. Events that were not processed
// at all are redelivered after delay.
func settle(msg acker, res orchestrator.Result, err error, delay time.Duration, log *logger.Logger) {
	if err != nil {
		metrics.EventsConsumed.WithLabelValues("retried").Inc()
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			log.Warn("failed to nak message", zap.Error(nakErr))
		}
		return
	}

	metrics.EventsConsumed.WithLabelValues(string(res.Outcome)).Inc()
	if ackErr := msg.Ack(); ackErr != nil {
		log.Warn("failed to ack message", zap.Error(ackErr))
	}
}

// DecodeInbound parses an inbound message. A missing conversation id is taken
// from the subject.
func DecodeInbound(subject string, data []byte) (model.InboundEvent, error) {
	var evt model.InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("decode inbound event: %w", err)
	}
	if evt.ConversationID == "" {
		id, ok := ConversationFromSubject(subject)
		if !ok {
			return evt, fmt.Errorf("inbound event without conversation id on %q", subject)
		}
		evt.ConversationID = id
	}
	if evt.ID == "" {
		return evt, fmt.Errorf("inbound event without id on %q", subject)
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}
	return evt, nil
}
