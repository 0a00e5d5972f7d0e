// Package escalation moves conversations to the terminal ESCALATED status.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// Reason says why a conversation left automation.
type Reason string

const (
	ReasonEnrichmentFailed    Reason = "enrichment failed"
	ReasonSearchFailed        Reason = "search failed"
	ReasonPromptCallFailed    Reason = "prompt call failed"
	ReasonMaxInteractions     Reason = "max interactions reached"
	ReasonNoPendingAction     Reason = "no pending action found"
	ReasonSolutionTooComplex  Reason = "solution too complex"
	ReasonTransferRequested   Reason = "transfer requested"
	ReasonNoSolution          Reason = "no solution available"
	ReasonDispatchFailed      Reason = "dispatch failed"
	ReasonDemandNotUnderstood Reason = "demand not understood"
	ReasonDemandUnderstood    Reason = "demand understood"
	ReasonUnexpected          Reason = "unexpected error"
)

func (r Reason) String() string {
	return string(r)
}

// Options tune one escalation.
type Options struct {
	// EventID is the inbound event being processed, used for idempotency.
	EventID string
	// Message is delivered to the customer before the handoff. Empty sends nothing.
	Message string
	// DemandStatus, when set, is applied to the active case demand.
	DemandStatus model.DemandStatus
	// SolutionStatus, when set, is applied to the active case solution.
	SolutionStatus model.SolutionStatus
}

// Result describes what the escalation did.
type Result struct {
	// Skipped is set when the conversation was already escalated or closed.
	Skipped bool
	From    model.OrchestratorStatus
	// Dispatch is the outcome of the handoff to the human queue.
	Dispatch executor.Result
}

// Escalator is implemented by Manager.
type Escalator interface {
	Escalate(ctx context.Context, conversationID string, reason Reason, opts Options) (Result, error)
}

// Store is the persistence the manager needs.
type Store interface {
	store.ConversationStore
	store.SummaryStore
	store.DemandStore
	store.SolutionStore
	store.ResponseStore
}

// Manager is the only writer of the ESCALATED status.
type Manager struct {
	store    Store
	executor executor.Dispatcher
	events   events.Publisher
	log      *logger.Logger
}

var _ Escalator = (*Manager)(nil)

// NewManager creates an escalation manager.
func NewManager(st Store, exec executor.Dispatcher, pub events.Publisher, log *logger.Logger) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{store: st, executor: exec, events: pub, log: log.Named("escalation")}
}

// Escalate sets the conversation to ESCALATED, hands ownership to a human and
// optionally tells the customer. Escalating an absorbed conversation is a no-op.
func (m *Manager) Escalate(ctx context.Context, conversationID string, reason Reason, opts Options) (Result, error) {
	log := m.log.WithConversation(conversationID).With(zap.String("reason", reason.String()))

	summary, err := m.store.GetOrCreateSummary(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load summary: %w", err)
	}
	from := summary.OrchestratorStatus
	if from.IsAbsorbing() {
		log.Debug("conversation already absorbed, escalation skipped", zap.String("status", from.String()))
		return Result{Skipped: true, From: from}, nil
	}

	if err := m.store.SetOrchestratorStatus(ctx, conversationID, model.StatusEscalated); err != nil {
		return Result{From: from}, fmt.Errorf("failed to set escalated status: %w", err)
	}
	if err := m.store.SetConversationOwnership(ctx, conversationID, model.HandlerHuman, false); err != nil {
		log.Error("failed to release automation ownership", zap.Error(err))
	}

	if opts.DemandStatus != "" {
		m.markDemand(ctx, conversationID, opts.DemandStatus, log)
	}
	if opts.SolutionStatus != "" {
		m.markSolution(ctx, conversationID, opts.SolutionStatus, log)
	}

	req := executor.Request{
		Type:           executor.TransferToHuman,
		ConversationID: conversationID,
		EventID:        opts.EventID,
		Reason:         reason.String(),
	}
	if opts.Message != "" {
		resp := &model.SuggestedResponse{
			ConversationID: conversationID,
			TriggerEventID: opts.EventID,
			Text:           opts.Message,
			Source:         "escalation",
		}
		if err := m.store.CreateSuggestedResponse(ctx, resp); err != nil {
			log.Error("failed to persist escalation message", zap.Error(err))
		} else {
			req.NoticeResponseID = resp.ID
		}
	}
	dispatch := m.executor.Execute(ctx, req)

	metrics.RecordEscalation(reason.String())
	metrics.RecordTransition(from.String(), model.StatusEscalated.String())

	evt := events.New(conversationID, model.EventTypeEscalated)
	evt.From = from
	evt.To = model.StatusEscalated
	evt.Reason = reason.String()
	evt.Metadata = map[string]any{"handoff_delivered": dispatch.Success}
	if err := m.events.Publish(ctx, evt); err != nil {
		log.Warn("failed to publish escalation event", zap.Error(err))
	}

	log.Info("conversation escalated",
		zap.String("from", from.String()),
		zap.Bool("handoff_delivered", dispatch.Success),
	)
	return Result{From: from, Dispatch: dispatch}, nil
}

func (m *Manager) markDemand(ctx context.Context, conversationID string, status model.DemandStatus, log *logger.Logger) {
	demand, err := m.store.LatestCaseDemand(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("failed to load case demand", zap.Error(err))
		return
	}
	if !demand.Status.IsActive() {
		return
	}
	demand.Status = status
	if err := m.store.SaveCaseDemand(ctx, demand); err != nil {
		log.Error("failed to mark case demand", zap.String("case_demand_id", demand.ID), zap.Error(err))
	}
}

func (m *Manager) markSolution(ctx context.Context, conversationID string, status model.SolutionStatus, log *logger.Logger) {
	solution, err := m.store.ActiveCaseSolution(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("failed to load case solution", zap.Error(err))
		return
	}
	solution.Status = status
	if err := m.store.SaveCaseSolution(ctx, solution); err != nil {
		log.Error("failed to mark case solution", zap.String("case_solution_id", solution.ID), zap.Error(err))
	}
}
