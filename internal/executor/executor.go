// Package executor dispatches side-effecting orchestrator actions through the channel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/channel"
	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/idempotency"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/retry"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// ActionType enumerates the dispatchable actions.
type ActionType string

const (
	SendMessage     ActionType = "SEND_MESSAGE"
	TransferToHuman ActionType = "TRANSFER_TO_HUMAN"
)

// Request is one dispatch.
type Request struct {
	Type           ActionType
	ConversationID string
	// EventID is the inbound event that triggered the dispatch.
	EventID string

	// SuggestedResponseID is the message to deliver for SEND_MESSAGE.
	SuggestedResponseID string

	// NoticeResponseID is an optional message delivered before TRANSFER_TO_HUMAN.
	NoticeResponseID string
	// Reason is attached to the transfer metadata.
	Reason string
}

// Result is the outcome of a dispatch. Dispatch never returns an error or panics;
// callers decide whether a failed dispatch is worth escalating.
type Result struct {
	Success   bool
	Duplicate bool
	Error     string
}

func failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Dispatcher is the Action Executor's entry point.
type Dispatcher interface {
	Execute(ctx context.Context, req Request) Result
}

// Store is the persistence the executor needs.
type Store interface {
	store.ConversationStore
	store.ResponseStore
}

// Config holds executor settings.
type Config struct {
	HumanQueueID string
	Policy       retry.Policy
}

type handler func(ctx context.Context, conv *model.Conversation, req Request, log *logger.Logger) Result

// Executor is the Action Executor.
type Executor struct {
	store    Store
	channel  channel.Client
	guard    idempotency.Guard
	events   events.Publisher
	cfg      Config
	log      *logger.Logger
	handlers map[ActionType]handler
}

var _ Dispatcher = (*Executor)(nil)

// New creates an executor.
func New(st Store, ch channel.Client, guard idempotency.Guard, pub events.Publisher, cfg Config, log *logger.Logger) *Executor {
	if cfg.Policy.Name == "" {
		cfg.Policy = retry.Exponential("channel-dispatch", 3, 0, 0)
	}
	cfg.Policy = cfg.Policy.WithRetryable(channel.IsTransient)
	if pub == nil {
		pub = events.Nop{}
	}

	e := &Executor{
		store:   st,
		channel: ch,
		guard:   guard,
		events:  pub,
		cfg:     cfg,
		log:     log.Named("executor"),
	}
	e.handlers = map[ActionType]handler{
		SendMessage:     e.sendMessage,
		TransferToHuman: e.transferToHuman,
	}
	return e
}

// Execute dispatches the request.
func (e *Executor) Execute(ctx context.Context, req Request) (res Result) {
	log := e.log.WithConversation(req.ConversationID).With(zap.String("action", string(req.Type)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", zap.Any("panic", r))
			res = failed("dispatch panicked: %v", r)
		}
		outcome := "failure"
		switch {
		case res.Duplicate:
			outcome = "duplicate"
		case res.Success:
			outcome = "success"
		}
		metrics.RecordDispatch(string(req.Type), outcome)
	}()

	h, ok := e.handlers[req.Type]
	if !ok {
		log.Warn("unknown action type")
		return failed("unknown action type %q", req.Type)
	}

	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		log.Error("failed to load conversation", zap.Error(err))
		return failed("load conversation: %v", err)
	}

	res = h(ctx, conv, req, log)
	if res.Success {
		log.Info("dispatch succeeded", zap.Bool("duplicate", res.Duplicate))
		if !res.Duplicate {
			evt := events.New(req.ConversationID, model.EventTypeDispatched)
			evt.Reason = req.Reason
			evt.Metadata = map[string]any{"action": string(req.Type)}
			if err := e.events.Publish(ctx, evt); err != nil {
				log.Warn("failed to publish dispatch event", zap.Error(err))
			}
		}
	} else {
		log.Warn("dispatch failed", zap.String("error", res.Error))
	}
	return res
}

func externalID(conv *model.Conversation) string {
	if conv.ExternalID != "" {
		return conv.ExternalID
	}
	return conv.ID
}

func (e *Executor) sendMessage(ctx context.Context, conv *model.Conversation, req Request, log *logger.Logger) Result {
	if req.SuggestedResponseID == "" {
		return failed("send message without suggested response")
	}
	return e.deliver(ctx, conv, req.SuggestedResponseID, log)
}

// deliver sends one suggested response. It is the only writer of dispatch status.
func (e *Executor) deliver(ctx context.Context, conv *model.Conversation, responseID string, log *logger.Logger) Result {
	log = log.With(zap.String("suggested_response_id", responseID))

	resp, err := e.store.GetSuggestedResponse(ctx, responseID)
	if err != nil {
		return failed("load suggested response: %v", err)
	}
	if resp.DispatchStatus == model.DispatchSent {
		return Result{Success: true, Duplicate: true}
	}

	key := "send:" + responseID
	res := e.guarded(ctx, key, log, func(ctx context.Context) error {
		return e.channel.SendMessage(ctx, channel.Message{
			ExternalConversationID: externalID(conv),
			Text:                   resp.Text,
			Tag:                    channel.Tag,
			IdempotencyKey:         key,
		})
	})

	status := model.DispatchSent
	if !res.Success {
		status = model.DispatchFailed
	}
	if err := e.store.MarkSuggestedResponse(ctx, responseID, status, res.Error); err != nil {
		log.Error("failed to mark suggested response", zap.Error(err))
	}
	return res
}

func (e *Executor) transferToHuman(ctx context.Context, conv *model.Conversation, req Request, log *logger.Logger) Result {
	if req.NoticeResponseID != "" {
		if notice := e.deliver(ctx, conv, req.NoticeResponseID, log); !notice.Success {
			// A missing notice does not block the handoff.
			log.Warn("transfer notice not delivered", zap.String("error", notice.Error))
		}
	}

	key := "transfer:" + conv.ID
	if req.EventID != "" {
		key += ":" + req.EventID
	}
	return e.guarded(ctx, key, log, func(ctx context.Context) error {
		return e.channel.PassControl(ctx, channel.Transfer{
			ExternalConversationID: externalID(conv),
			TargetQueueID:          e.cfg.HumanQueueID,
			Metadata: map[string]string{
				"conversation_id": conv.ID,
				"reason":          req.Reason,
			},
			Tag:            channel.Tag,
			IdempotencyKey: key,
		})
	})
}

var errInFlight = errors.New("dispatch already in progress")

const releaseTimeout = 5 * time.Second

// guarded runs call at most once per key: completed keys short-circuit as
// duplicates and failed calls release their claim.
func (e *Executor) guarded(ctx context.Context, key string, log *logger.Logger, call func(ctx context.Context) error) Result {
	log = log.With(zap.String("idempotency_key", key))

	outcome, err := e.guard.Claim(ctx, key)
	if err != nil {
		return failed("claim %s: %v", key, err)
	}
	switch outcome {
	case idempotency.Duplicate:
		log.Info("dispatch already completed")
		return Result{Success: true, Duplicate: true}
	case idempotency.InFlight:
		return failed("%v: %s", errInFlight, key)
	}

	res := retry.Do(ctx, e.cfg.Policy, log, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
	if !res.OK() {
		// The claim must go even when ctx ended, or a redelivery sees it in flight.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := e.guard.Release(releaseCtx, key); err != nil {
			log.Warn("failed to release idempotency claim", zap.Error(err))
		}
		return failed("%v", res.Err)
	}

	if err := e.guard.Complete(ctx, key); err != nil {
		log.Warn("failed to complete idempotency claim", zap.Error(err))
	}
	return Result{Success: true}
}
