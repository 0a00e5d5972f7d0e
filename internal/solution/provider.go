// Package solution executes the ordered remediation actions of a case solution.
package solution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/retry"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

// FallbackActionID identifies the synthetic transfer created when no plan resolves.
const FallbackActionID = "fallback_transfer_to_human"

// Input is the orchestrator context of one turn.
type Input struct {
	ConversationID string
	EventID        string
	Summary        *model.ConversationSummary
	LastMessage    string
}

// Result is the outcome of one turn. Run never returns an error or panics.
type Result struct {
	Success   bool
	Escalated bool
	Error     string

	// Interrupted is set when ctx ended before the turn could finish.
	Interrupted bool

	// Resolved is set when every action is done.
	Resolved bool
	// Waiting is set when the turn stopped for customer input.
	Waiting  bool
	Solution *model.CaseSolution
	// ResponseID is the question to dispatch while waiting.
	ResponseID string
}

// Store is the persistence the provider needs.
type Store interface {
	store.ConversationStore
	store.DemandStore
	store.SolutionStore
	store.ActionStore
	store.ResponseStore
}

// Config holds the provider's limits and texts.
type Config struct {
	Model             string
	MaxTokens         int
	MaxInteractions   int
	MaxActionsPerTurn int
	ApologyMessage    string
	TransferNotice    string
	ResolvePolicy     retry.Policy
}

// Provider is the Solution Provider sub-orchestrator.
type Provider struct {
	client     llm.Client
	search     search.Client
	prompts    *prompt.Catalog
	store      Store
	executor   executor.Dispatcher
	escalation escalation.Escalator
	cfg        Config
	log        *logger.Logger

	handlers  map[Kind]actionHandler
	automatic map[string]AutomaticHandler
}

// New creates a solution provider with the built-in automatic handlers.
func New(client llm.Client, sc search.Client, prompts *prompt.Catalog, st Store, exec executor.Dispatcher, esc escalation.Escalator, cfg Config, log *logger.Logger) *Provider {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.MaxInteractions <= 0 {
		cfg.MaxInteractions = 5
	}
	if cfg.MaxActionsPerTurn <= 0 {
		cfg.MaxActionsPerTurn = 10
	}
	if cfg.ResolvePolicy.Name == "" {
		cfg.ResolvePolicy = retry.Exponential("solution-resolve", 3, 500*time.Millisecond, 5*time.Second)
	}
	cfg.ResolvePolicy = cfg.ResolvePolicy.WithRetryable(search.IsTransient)

	p := &Provider{
		client:     client,
		search:     sc,
		prompts:    prompts,
		store:      st,
		executor:   exec,
		escalation: esc,
		cfg:        cfg,
		log:        log.Named("solution_provider"),
		automatic:  map[string]AutomaticHandler{},
	}
	p.handlers = map[Kind]actionHandler{
		KindTransfer:  p.transferToHuman,
		KindAutomatic: p.executeAutomatic,
		KindSend:      p.sendMessage,
		KindAsk:       p.askForInput,
		KindInternal:  p.executeInternal,
		KindSkip:      p.skipUnknown,
	}
	p.RegisterAutomatic("fetch_customer_profile", FetchCustomerProfile)
	return p
}

// RegisterAutomatic binds an action type to an automatic handler.
func (p *Provider) RegisterAutomatic(actionType string, h AutomaticHandler) {
	p.automatic[actionType] = h
}

// turn is the state of one Run.
type turn struct {
	in       Input
	conv     *model.Conversation
	solution *model.CaseSolution
	log      *logger.Logger
}

// Run advances the active case solution until it resolves, waits for the
// customer or escalates.
func (p *Provider) Run(ctx context.Context, in Input) (res Result) {
	log := p.log.WithConversation(in.ConversationID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("solution provider panicked", zap.Any("panic", r))
			res = p.escalate(ctx, in, escalation.ReasonUnexpected, p.cfg.ApologyMessage, model.SolutionError, log)
		}
	}()

	conv, err := p.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		log.Error("failed to load conversation", zap.Error(err))
		return Result{Error: err.Error()}
	}
	sol, err := p.openSolution(ctx, in.ConversationID)
	if err != nil {
		log.Error("failed to open case solution", zap.Error(err))
		return Result{Error: err.Error()}
	}
	t := &turn{in: in, conv: conv, solution: sol, log: log.With(zap.String("case_solution_id", sol.ID))}

	actions, err := p.store.ListCaseActions(ctx, sol.ID)
	if err != nil {
		return Result{Error: err.Error(), Solution: sol}
	}
	if len(actions) == 0 {
		err = p.materialize(ctx, t)
	} else {
		err = p.resume(ctx, t, actions)
	}
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx, t.log)
		}
		t.log.Error("failed to prepare case actions", zap.Error(err))
		return Result{Error: err.Error(), Solution: t.solution}
	}

	return p.loop(ctx, t)
}

func (p *Provider) openSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error) {
	sol, err := p.store.ActiveCaseSolution(ctx, conversationID)
	if err == nil {
		return sol, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	seed := store.SolutionSeed{}
	demand, err := p.store.LatestCaseDemand(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if demand != nil {
		seed.CaseDemandID = demand.ID
		if t := demand.ResolvedTarget; t != nil {
			switch t.Kind {
			case model.KnowledgeProblem:
				seed.ProblemID = t.ID
			case model.KnowledgeRootCause:
				seed.RootCauseID = t.ID
			default:
				seed.ArticleID = t.ID
			}
		}
	}
	return p.store.GetOrCreateActiveCaseSolution(ctx, conversationID, seed)
}

// materialize resolves the remediation plan and creates one case action per
// declared action, ordered by sequence and then declaration order.
func (p *Provider) materialize(ctx context.Context, t *turn) error {
	sol := t.solution
	req := search.ResolveRequest{ArticleID: sol.ArticleID, ProblemID: sol.ProblemID, RootCauseID: sol.RootCauseID}

	var plan *search.Solution
	if !req.Empty() {
		r := retry.Do(ctx, p.cfg.ResolvePolicy, t.log, func(ctx context.Context, attempt int) (*search.Solution, error) {
			return p.search.ResolveSolution(ctx, req)
		})
		switch {
		case r.OK():
			plan = r.Value
		case ctx.Err() != nil:
			// Not a missing plan; the fallback must not be persisted.
			return fmt.Errorf("resolve solution: %w", r.Err)
		default:
			t.log.Warn("no solution resolved", zap.Int("attempts", r.Attempts), zap.Error(r.Err))
		}
	}

	if plan == nil || len(plan.Actions) == 0 {
		t.log.Info("no actionable solution, falling back to human transfer")
		return p.store.CreateCaseActions(ctx, []*model.CaseAction{{
			CaseSolutionID:   sol.ID,
			Sequence:         1,
			ExternalActionID: FallbackActionID,
			Definition: model.ActionDefinition{
				Type: string(KindTransfer),
				Name: "Transfer to a human agent",
			},
		}})
	}

	sol.SolutionID = plan.ID
	if err := p.store.SaveCaseSolution(ctx, sol); err != nil {
		return err
	}

	type planned struct {
		seq    int
		action search.SolutionAction
	}
	steps := make([]planned, len(plan.Actions))
	for i, a := range plan.Actions {
		seq := i + 1
		if a.Sequence != nil {
			seq = *a.Sequence
		}
		steps[i] = planned{seq: seq, action: a}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].seq < steps[j].seq })

	actions := make([]*model.CaseAction, len(steps))
	for i, s := range steps {
		id := s.action.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", plan.ID, i+1)
		}
		actions[i] = &model.CaseAction{
			CaseSolutionID:   sol.ID,
			Sequence:         s.seq,
			ExternalActionID: id,
			Definition:       s.action.Definition(),
		}
	}
	t.log.Info("solution plan materialized", zap.String("solution_id", plan.ID), zap.Int("actions", len(actions)))
	return p.store.CreateCaseActions(ctx, actions)
}

// resume records the customer's reply into the action that asked for it.
func (p *Provider) resume(ctx context.Context, t *turn, actions []*model.CaseAction) error {
	for _, a := range actions {
		if a.Status != model.ActionInProgress || p.classify(a.Definition) != KindAsk {
			continue
		}

		field := a.Definition.InputField
		if field == "" {
			field = a.ExternalActionID
		}
		if t.solution.CollectedInputs == nil {
			t.solution.CollectedInputs = map[string]string{}
		}
		t.solution.CollectedInputs[field] = t.in.LastMessage
		t.solution.PendingQuestions = nil
		t.solution.Status = model.SolutionInProgress
		if err := p.store.SaveCaseSolution(ctx, t.solution); err != nil {
			return err
		}

		input, err := json.Marshal(map[string]string{field: t.in.LastMessage})
		if err != nil {
			return err
		}
		a.Input = input
		if err := p.finish(ctx, a, model.ActionCompleted, ""); err != nil {
			return err
		}
		if err := p.store.SetConversationOwnership(ctx, t.conv.ID, model.HandlerOrchestrator, true); err != nil {
			return err
		}
		t.log.Info("customer input recorded", zap.String("action_id", a.ID), zap.String("field", field))
	}
	return nil
}

func (p *Provider) loop(ctx context.Context, t *turn) Result {
	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			return interrupted(ctx, t.log)
		}
		actions, err := p.store.ListCaseActions(ctx, t.solution.ID)
		if err != nil {
			return Result{Error: err.Error(), Solution: t.solution}
		}
		if allDone(actions) {
			return p.resolve(ctx, t)
		}
		if iteration >= p.cfg.MaxActionsPerTurn {
			t.log.Warn("action bound reached", zap.Int("iterations", iteration))
			return p.escalate(ctx, t.in, escalation.ReasonSolutionTooComplex, p.cfg.ApologyMessage, model.SolutionError, t.log)
		}

		next := nextPending(actions)
		if next == nil {
			return p.escalate(ctx, t.in, escalation.ReasonNoPendingAction, p.cfg.ApologyMessage, model.SolutionError, t.log)
		}

		kind := p.classify(next.Definition)
		now := time.Now().UTC()
		next.StartedAt = &now
		outcome := p.handlers[kind](ctx, t, next)
		t.log.Debug("action executed",
			zap.String("action_id", next.ID),
			zap.String("kind", string(kind)),
			zap.String("status", string(next.Status)),
			zap.Int("sequence", next.Sequence),
		)
		if outcome.stop {
			return outcome.result
		}
	}
}

func (p *Provider) resolve(ctx context.Context, t *turn) Result {
	now := time.Now().UTC()
	t.solution.Status = model.SolutionResolved
	t.solution.ResolvedAt = &now
	t.solution.PendingQuestions = nil
	if err := p.store.SaveCaseSolution(ctx, t.solution); err != nil {
		return Result{Error: err.Error(), Solution: t.solution}
	}
	if err := p.store.SetConversationOwnership(ctx, t.conv.ID, model.HandlerCloser, true); err != nil {
		t.log.Error("failed to hand conversation to closer", zap.Error(err))
	}
	t.log.Info("case solution resolved")
	return Result{Success: true, Resolved: true, Solution: t.solution}
}

func (p *Provider) escalate(ctx context.Context, in Input, reason escalation.Reason, message string, status model.SolutionStatus, log *logger.Logger) Result {
	if ctx.Err() != nil {
		return interrupted(ctx, log.With(zap.String("reason", reason.String())))
	}
	_, err := p.escalation.Escalate(ctx, in.ConversationID, reason, escalation.Options{
		EventID:        in.EventID,
		Message:        message,
		SolutionStatus: status,
	})
	if err != nil {
		log.Error("escalation failed", zap.String("reason", reason.String()), zap.Error(err))
		return Result{Error: fmt.Sprintf("%s: %v", reason, err)}
	}
	return Result{Escalated: true, Error: reason.String()}
}

// interrupted reports a turn cut short by ctx. Nothing is escalated or marked
// failed, so a redelivery resumes from the persisted actions.
func interrupted(ctx context.Context, log *logger.Logger) Result {
	err := context.Cause(ctx)
	log.Warn("turn interrupted, not escalating", zap.Error(err))
	return Result{Interrupted: true, Error: err.Error()}
}

// finish moves an action to a terminal or waiting status and persists it.
func (p *Provider) finish(ctx context.Context, a *model.CaseAction, status model.ActionStatus, errMsg string) error {
	a.Status = status
	a.ErrorMessage = errMsg
	if status.IsDone() || status == model.ActionError {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	return p.store.UpdateCaseAction(ctx, a)
}

func allDone(actions []*model.CaseAction) bool {
	for _, a := range actions {
		if !a.Status.IsDone() {
			return false
		}
	}
	return true
}

// nextPending returns the first pending action in sequence order. An action
// blocking it that is neither done nor pending makes the plan unselectable.
func nextPending(actions []*model.CaseAction) *model.CaseAction {
	for _, a := range actions {
		switch {
		case a.Status.IsDone():
			continue
		case a.Status == model.ActionPending:
			return a
		default:
			return nil
		}
	}
	return nil
}
