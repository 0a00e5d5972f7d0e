// Package orchestrator drives the per-conversation support state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/agent"
	"github.com/capitalize-ai/support-orchestrator/internal/config"
	"github.com/capitalize-ai/support-orchestrator/internal/demand"
	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/lock"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/solution"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
	"github.com/capitalize-ai/support-orchestrator/pkg/tracing"
)

var (
	// ErrInvalidEvent is returned for events that cannot be routed to a conversation.
	ErrInvalidEvent = errors.New("invalid inbound event")
	// ErrInterrupted is returned when ctx ended mid-run. The event was not
	// processed and should be redelivered.
	ErrInterrupted = errors.New("event processing interrupted")
)

// Outcome classifies what one pipeline run did.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDropped     Outcome = "dropped"
	OutcomeProcessed   Outcome = "processed"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// Result is the outcome of one inbound event.
type Result struct {
	Outcome Outcome
	// Status is the orchestrator status after the run.
	Status model.OrchestratorStatus
	// ResponseID is the suggested response chosen for dispatch, if any.
	ResponseID string
	Dispatched bool
	// Reason is the escalation reason when Outcome is escalated.
	Reason string
	Error  string
}

// SummaryAgent refreshes the conversation summary.
type SummaryAgent interface {
	Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error
}

// Classifier infers product and request type.
type Classifier interface {
	Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error
}

// Ranker searches and re-ranks knowledge candidates.
type Ranker interface {
	Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) ([]model.KnowledgeMatch, error)
}

// DemandFinder runs one clarification round.
type DemandFinder interface {
	Run(ctx context.Context, in demand.Input) demand.Result
}

// SolutionProvider runs one solution turn.
type SolutionProvider interface {
	Run(ctx context.Context, in solution.Input) solution.Result
}

// Deps are the collaborators of the core.
type Deps struct {
	Store      store.Store
	Locker     lock.Locker
	Summary    SummaryAgent
	Classifier Classifier
	Ranker     Ranker
	Policy     agent.Policy
	Demand     DemandFinder
	Solution   SolutionProvider
	Escalation escalation.Escalator
	Executor   executor.Dispatcher
	Events     events.Publisher
}

// State is a snapshot of a conversation's orchestration records.
type State struct {
	Conversation *model.Conversation        `json:"conversation"`
	Summary      *model.ConversationSummary `json:"summary"`
	Demand       *model.CaseDemand          `json:"demand,omitempty"`
	Solution     *model.CaseSolution        `json:"solution,omitempty"`
	Actions      []*model.CaseAction        `json:"actions,omitempty"`
}

// Core is the Orchestrator Core. Events of one conversation are serialized
// through the locker.
type Core struct {
	deps Deps
	cfg  config.Orchestrator
	log  *logger.Logger
}

// New creates the core.
func New(deps Deps, cfg config.Orchestrator, log *logger.Logger) *Core {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Policy == nil {
		deps.Policy = agent.AnyPolicy{
			// Fires only when an earlier run marked the demand found but did not
			// persist DU -> PROVIDING_SOLUTION, e.g. on redelivery after a crash.
			agent.DemandFoundPolicy{},
			agent.ConfidencePolicy{MinProduct: cfg.MinProductConfidence, MinRequestType: cfg.MinRequestConfidence},
		}
	}
	if cfg.MaxDemandRounds <= 0 {
		cfg.MaxDemandRounds = config.DefaultOrchestrator().MaxDemandRounds
	}
	return &Core{deps: deps, cfg: cfg, log: log.Named("orchestrator")}
}

// run carries one event through the pipeline.
type run struct {
	evt     model.InboundEvent
	conv    *model.Conversation
	summary *model.ConversationSummary
	log     *logger.Logger
}

// HandleEvent runs the pipeline for one inbound event. The returned error is
// reserved for failures that left the event unprocessed, such as not getting
// the conversation lock; everything else is reported in Result.
func (c *Core) HandleEvent(ctx context.Context, evt model.InboundEvent) (res Result, err error) {
	start := time.Now()
	log := c.log.WithConversation(evt.ConversationID).With(zap.String("event_id", evt.ID))

	ctx, span := tracing.StartPipelineSpan(ctx, evt.ConversationID, evt.ID)
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.String("status", res.Status.String()),
		)
		tracing.RecordError(span, err)
		span.End()
		metrics.RecordPipelineRun(string(res.Outcome), time.Since(start).Seconds())
	}()

	if evt.AuthorType != model.AuthorCustomer {
		log.Debug("ignoring event from non-customer author", zap.String("author_type", string(evt.AuthorType)))
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if evt.ConversationID == "" {
		return Result{Outcome: OutcomeFailed, Error: "missing conversation id"}, fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	held, unlock, err := c.deps.Locker.Lock(ctx, evt.ConversationID)
	if err != nil {
		log.Error("failed to lock conversation", zap.Error(err))
		return Result{Outcome: OutcomeFailed, Error: err.Error()}, fmt.Errorf("lock conversation %s: %w", evt.ConversationID, err)
	}
	defer unlock()

	// A lost lease cancels held, so the run stops as interrupted.
	res, err = c.process(held, &run{evt: evt, log: log})
	if err != nil {
		log.Warn("event interrupted, left for redelivery", zap.Error(err))
		return res, err
	}
	log.Info("event processed",
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", res.Status.String()),
		zap.Bool("dispatched", res.Dispatched),
		zap.Duration("latency", time.Since(start)),
	)
	return res, nil
}

// process converts panics and errors into an escalation so no event leaves the
// conversation unprocessed. A run cut short by ctx is not escalated; it
// returns ErrInterrupted instead.
func (c *Core) process(ctx context.Context, r *run) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pipeline panicked", zap.Any("panic", p), zap.Stack("stack"))
			res = c.escalate(ctx, r, escalation.ReasonUnexpected)
		}
		if res.Outcome == OutcomeInterrupted && err == nil {
			err = fmt.Errorf("%w: %s", ErrInterrupted, res.Error)
		}
	}()

	if ctx.Err() != nil {
		return interrupted(context.Cause(ctx)), nil
	}

	res, err = c.pipeline(ctx, r)
	if err != nil {
		if isInterruption(ctx, err) {
			return interrupted(err), nil
		}
		r.log.Error("pipeline failed", zap.Error(err))
		return c.escalate(ctx, r, escalation.ReasonUnexpected), nil
	}
	return res, nil
}

func isInterruption(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func interrupted(err error) Result {
	return Result{Outcome: OutcomeInterrupted, Error: err.Error()}
}

func (c *Core) pipeline(ctx context.Context, r *run) (Result, error) {
	conv, err := c.conversation(ctx, r.evt)
	if err != nil {
		return Result{}, err
	}
	r.conv = conv

	summary, err := c.deps.Store.GetOrCreateSummary(ctx, conv.ID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load summary: %w", err)
	}
	r.summary = summary

	if reason := dropReason(conv, summary.OrchestratorStatus); reason != "" {
		r.log.Info("event dropped", zap.String("reason", reason), zap.String("status", summary.OrchestratorStatus.String()))
		return Result{Outcome: OutcomeDropped, Status: summary.OrchestratorStatus}, nil
	}

	c.refresh(ctx, r)

	status := summary.OrchestratorStatus
	if status == "" || status == model.StatusNew {
		if err := c.transition(ctx, r, model.StatusNew, model.StatusDemandUnderstanding, "customer message"); err != nil {
			return Result{}, err
		}
		status = model.StatusDemandUnderstanding
	}

	switch status {
	case model.StatusDemandUnderstanding:
		return c.understand(ctx, r)
	case model.StatusProvidingSolution:
		return c.provide(ctx, r, "")
	case model.StatusTempDemandUnderstood, model.StatusTempDemandNotUnderstood:
		// A previous run stopped between the transition and the handoff.
		return c.handOff(ctx, r, status, "")
	default:
		r.log.Warn("no handling for status, event dropped", zap.String("status", status.String()))
		return Result{Outcome: OutcomeDropped, Status: status}, nil
	}
}

// conversation loads the conversation, registering it on first contact.
func (c *Core) conversation(ctx context.Context, evt model.InboundEvent) (*model.Conversation, error) {
	conv, err := c.deps.Store.GetConversation(ctx, evt.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv = &model.Conversation{
		ID:                evt.ConversationID,
		ExternalID:        evt.ExternalConversationID,
		Status:            model.ConversationActive,
		CurrentHandler:    model.HandlerOrchestrator,
		AutomationEnabled: true,
	}
	if err := c.deps.Store.UpsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to register conversation: %w", err)
	}
	return conv, nil
}

func dropReason(conv *model.Conversation, status model.OrchestratorStatus) string {
	switch {
	case conv.IsClosed():
		return "conversation closed"
	case status.IsAbsorbing():
		return "status is terminal"
	case status == model.StatusFinalizing:
		return "conversation is finalizing"
	case !conv.AutomationEnabled:
		return "automation disabled"
	case conv.CurrentHandler == model.HandlerHuman || conv.CurrentHandler == model.HandlerCloser:
		return "owned by " + string(conv.CurrentHandler)
	}
	return ""
}

// refresh runs the summary, classification and ranking agents. Each failure
// falls back to the last persisted values.
func (c *Core) refresh(ctx context.Context, r *run) {
	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"summary", func(ctx context.Context) error { return c.deps.Summary.Run(ctx, r.summary, r.evt.Text) }},
		{"classification", func(ctx context.Context) error { return c.deps.Classifier.Run(ctx, r.summary, r.evt.Text) }},
		{"ranking", func(ctx context.Context) error {
			_, err := c.deps.Ranker.Run(ctx, r.summary, r.evt.Text)
			return err
		}},
	}

	for _, s := range steps {
		stepCtx, span := tracing.StartStepSpan(ctx, s.name)
		err := s.run(stepCtx)
		tracing.RecordError(span, err)
		span.End()
		if err != nil {
			r.log.Warn("agent failed, keeping previous values", zap.String("agent", s.name), zap.Error(err))
		}
	}
}

// understand decides the demand-understanding status and runs a finder round.
func (c *Core) understand(ctx context.Context, r *run) (Result, error) {
	convID := r.conv.ID

	current, err := c.deps.Store.LatestCaseDemand(ctx, convID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("failed to load case demand: %w", err)
	}
	if current == nil || current.Status != model.DemandFound {
		current, err = c.deps.Store.GetOrCreateActiveCaseDemand(ctx, convID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open case demand: %w", err)
		}
		n, err := c.deps.Store.IncrementDemandInteraction(ctx, current.ID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to count demand round: %w", err)
		}
		current.InteractionCount = n
		metrics.RecordDemandRound(n)
	}
	log := r.log.With(zap.String("case_demand_id", current.ID), zap.Int("round", current.InteractionCount))

	if name, ok := matchPolicy(c.deps.Policy, agent.Evaluation{Summary: r.summary, Demand: current}); ok {
		log.Info("demand understood", zap.String("policy", name))
		if err := c.transition(ctx, r, model.StatusDemandUnderstanding, model.StatusTempDemandUnderstood, "policy "+name); err != nil {
			return Result{}, err
		}
		return c.handOff(ctx, r, model.StatusTempDemandUnderstood, "")
	}

	if current.InteractionCount >= c.cfg.MaxDemandRounds {
		log.Info("demand rounds exhausted", zap.Int("max_rounds", c.cfg.MaxDemandRounds))
		if err := c.transition(ctx, r, model.StatusDemandUnderstanding, model.StatusTempDemandNotUnderstood, "max demand rounds"); err != nil {
			return Result{}, err
		}
		return c.handOff(ctx, r, model.StatusTempDemandNotUnderstood, model.DemandNotFound)
	}

	stepCtx, span := tracing.StartStepSpan(ctx, "demand_finder", attribute.Int("round", current.InteractionCount))
	found := c.deps.Demand.Run(stepCtx, demand.Input{
		ConversationID: convID,
		EventID:        r.evt.ID,
		Summary:        r.summary,
		LastMessage:    r.evt.Text,
		Round:          current.InteractionCount,
	})
	span.End()

	switch {
	case found.Interrupted:
		return Result{}, fmt.Errorf("%w: demand finder: %s", ErrInterrupted, found.Error)
	case found.Escalated:
		return escalated(found.Error), nil
	case !found.Success:
		log.Error("demand finder failed without escalating", zap.String("error", found.Error))
		return c.escalate(ctx, r, escalation.ReasonUnexpected), nil
	case found.SelectedIntent:
		if err := c.transition(ctx, r, model.StatusDemandUnderstanding, model.StatusProvidingSolution, "intent selected"); err != nil {
			return Result{}, err
		}
		return c.provide(ctx, r, found.ResponseID)
	}
	return c.dispatch(ctx, r, found.ResponseID, model.StatusDemandUnderstanding)
}

// provide runs a solution turn. fallbackResponse is a finder response that is
// dispatched when the provider has nothing to say.
func (c *Core) provide(ctx context.Context, r *run, fallbackResponse string) (Result, error) {
	stepCtx, span := tracing.StartStepSpan(ctx, "solution_provider")
	provided := c.deps.Solution.Run(stepCtx, solution.Input{
		ConversationID: r.conv.ID,
		EventID:        r.evt.ID,
		Summary:        r.summary,
		LastMessage:    r.evt.Text,
	})
	span.End()

	switch {
	case provided.Interrupted:
		return Result{}, fmt.Errorf("%w: solution provider: %s", ErrInterrupted, provided.Error)
	case provided.Escalated:
		return escalated(provided.Error), nil
	case !provided.Success:
		r.log.Error("solution provider failed without escalating", zap.String("error", provided.Error))
		return c.escalate(ctx, r, escalation.ReasonUnexpected), nil
	}

	responseID := provided.ResponseID
	if responseID == "" {
		responseID = fallbackResponse
	}

	working := model.StatusProvidingSolution
	if provided.Resolved {
		if err := c.transition(ctx, r, model.StatusProvidingSolution, model.StatusFinalizing, "solution resolved"); err != nil {
			return Result{}, err
		}
		working = model.StatusFinalizing
	}
	return c.dispatch(ctx, r, responseID, working)
}

// handOff escalates a TEMP_* outcome with the transfer notice.
func (c *Core) handOff(ctx context.Context, r *run, status model.OrchestratorStatus, demandStatus model.DemandStatus) (Result, error) {
	reason := escalation.ReasonDemandNotUnderstood
	if status == model.StatusTempDemandUnderstood {
		reason = escalation.ReasonDemandUnderstood
	}

	out, err := c.deps.Escalation.Escalate(ctx, r.conv.ID, reason, escalation.Options{
		EventID:      r.evt.ID,
		Message:      c.cfg.TransferNotice,
		DemandStatus: demandStatus,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to hand off: %w", err)
	}
	res := escalated(reason.String())
	res.Dispatched = out.Dispatch.Success
	return res, nil
}

// dispatch sends responseID if the status is still the one the run worked in.
// Gating on the step's working status rather than DU alone lets a run that
// moved to PROVIDING_SOLUTION or FINALIZING deliver its own reply; see the
// status drift decision in DESIGN.md.
func (c *Core) dispatch(ctx context.Context, r *run, responseID string, working model.OrchestratorStatus) (Result, error) {
	res := Result{Outcome: OutcomeProcessed, Status: working, ResponseID: responseID}
	if responseID == "" {
		return res, nil
	}

	summary, err := c.deps.Store.GetOrCreateSummary(ctx, r.conv.ID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to reload summary: %w", err)
	}
	if summary.OrchestratorStatus != working {
		r.log.Info("status changed during the run, dispatch dropped",
			zap.String("expected", working.String()),
			zap.String("status", summary.OrchestratorStatus.String()),
		)
		res.Status = summary.OrchestratorStatus
		return res, nil
	}

	sent := c.deps.Executor.Execute(ctx, executor.Request{
		Type:                executor.SendMessage,
		ConversationID:      r.conv.ID,
		EventID:             r.evt.ID,
		SuggestedResponseID: responseID,
	})
	if !sent.Success {
		r.log.Warn("reply not delivered", zap.String("suggested_response_id", responseID), zap.String("error", sent.Error))
		return c.escalate(ctx, r, escalation.ReasonDispatchFailed), nil
	}
	res.Dispatched = true
	return res, nil
}

// escalate hands the conversation to a human with the apology message.
func (c *Core) escalate(ctx context.Context, r *run, reason escalation.Reason) Result {
	if err := ctx.Err(); err != nil {
		r.log.Warn("run interrupted, not escalating", zap.String("reason", reason.String()), zap.Error(err))
		return Result{Outcome: OutcomeInterrupted, Reason: reason.String(), Error: err.Error()}
	}

	convID := r.evt.ConversationID
	if r.conv != nil {
		convID = r.conv.ID
	}

	out, err := c.deps.Escalation.Escalate(ctx, convID, reason, escalation.Options{
		EventID:        r.evt.ID,
		Message:        c.cfg.ApologyMessage,
		DemandStatus:   model.DemandError,
		SolutionStatus: model.SolutionError,
	})
	if err != nil {
		r.log.Error("escalation failed", zap.String("reason", reason.String()), zap.Error(err))
		return Result{Outcome: OutcomeFailed, Reason: reason.String(), Error: err.Error()}
	}
	res := escalated(reason.String())
	res.Dispatched = out.Dispatch.Success
	return res
}

func escalated(reason string) Result {
	return Result{Outcome: OutcomeEscalated, Status: model.StatusEscalated, Reason: reason}
}

// transition writes a non-terminal status change. Only the escalation manager
// writes ESCALATED.
func (c *Core) transition(ctx context.Context, r *run, from, to model.OrchestratorStatus, reason string) error {
	if err := c.deps.Store.SetOrchestratorStatus(ctx, r.conv.ID, to); err != nil {
		return fmt.Errorf("failed to set status %s: %w", to, err)
	}
	r.summary.OrchestratorStatus = to
	metrics.RecordTransition(from.String(), to.String())
	c.publish(ctx, r.conv.ID, from, to, reason, r.log)
	r.log.Info("status changed", zap.String("from", from.String()), zap.String("to", to.String()), zap.String("reason", reason))
	return nil
}

func (c *Core) publish(ctx context.Context, convID string, from, to model.OrchestratorStatus, reason string, log *logger.Logger) {
	evt := events.New(convID, model.EventTypeStatusChanged)
	evt.From = from
	evt.To = to
	evt.Reason = reason
	if err := c.deps.Events.Publish(ctx, evt); err != nil {
		log.Warn("failed to publish status event", zap.Error(err))
	}
}

func matchPolicy(p agent.Policy, ev agent.Evaluation) (string, bool) {
	if anyOf, ok := p.(agent.AnyPolicy); ok {
		if m, ok := anyOf.Match(ev); ok {
			return m.Name(), true
		}
		return "", false
	}
	if p.Understood(ev) {
		return p.Name(), true
	}
	return "", false
}

// Reset puts a conversation back under automation at NEW. Open case records
// are closed with an error status.
func (c *Core) Reset(ctx context.Context, conversationID string) error {
	log := c.log.WithConversation(conversationID)

	held, unlock, err := c.deps.Locker.Lock(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	defer unlock()
	ctx = held

	if _, err := c.deps.Store.GetConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	summary, err := c.deps.Store.GetOrCreateSummary(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load summary: %w", err)
	}
	from := summary.OrchestratorStatus

	if err := c.deps.Store.SetOrchestratorStatus(ctx, conversationID, model.StatusNew); err != nil {
		return fmt.Errorf("failed to reset status: %w", err)
	}
	if err := c.deps.Store.SetConversationOwnership(ctx, conversationID, model.HandlerOrchestrator, true); err != nil {
		return fmt.Errorf("failed to restore ownership: %w", err)
	}

	d, err := c.deps.Store.LatestCaseDemand(ctx, conversationID)
	switch {
	case err == nil && d.Status != model.DemandNotFound && d.Status != model.DemandError:
		d.Status = model.DemandError
		if err := c.deps.Store.SaveCaseDemand(ctx, d); err != nil {
			return fmt.Errorf("failed to close case demand: %w", err)
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load case demand: %w", err)
	}

	sol, err := c.deps.Store.ActiveCaseSolution(ctx, conversationID)
	switch {
	case err == nil:
		sol.Status = model.SolutionError
		if err := c.deps.Store.SaveCaseSolution(ctx, sol); err != nil {
			return fmt.Errorf("failed to close case solution: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load case solution: %w", err)
	}

	metrics.RecordTransition(from.String(), model.StatusNew.String())
	c.publish(ctx, conversationID, from, model.StatusNew, "manual reset", log)
	log.Info("orchestration reset", zap.String("from", from.String()))
	return nil
}

// State returns the orchestration records of a conversation.
func (c *Core) State(ctx context.Context, conversationID string) (*State, error) {
	conv, err := c.deps.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	summary, err := c.deps.Store.GetOrCreateSummary(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	st := &State{Conversation: conv, Summary: summary}

	st.Demand, err = c.deps.Store.LatestCaseDemand(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load case demand: %w", err)
	}
	st.Solution, err = c.deps.Store.LatestCaseSolution(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load case solution: %w", err)
	}
	if st.Solution != nil {
		st.Actions, err = c.deps.Store.ListCaseActions(ctx, st.Solution.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load case actions: %w", err)
		}
	}
	return st, nil
}
