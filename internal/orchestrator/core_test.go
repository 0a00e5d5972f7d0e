package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/agent"
	"github.com/capitalize-ai/support-orchestrator/internal/channel/channeltest"
	"github.com/capitalize-ai/support-orchestrator/internal/config"
	"github.com/capitalize-ai/support-orchestrator/internal/demand"
	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/events"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/idempotency"
	"github.com/capitalize-ai/support-orchestrator/internal/llm/llmtest"
	"github.com/capitalize-ai/support-orchestrator/internal/lock"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/retry"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
	"github.com/capitalize-ai/support-orchestrator/internal/search/searchtest"
	"github.com/capitalize-ai/support-orchestrator/internal/solution"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

const (
	summaryMarker  = "You summarize customer support"
	classifyMarker = "You classify support"
	rankMarker     = "You rank knowledge base"
	enrichMarker   = "You turn a support conversation"
	decisionMarker = "You decide whether the customer's concrete need"
	messageMarker  = "You write one short message"

	convID   = "conv-1"
	question = "Does the light on the router blink red?"

	lowConfidence  = `{"product_id": "p-1", "product_name": "Router X", "product_confidence": 0.4, "request_type": "troubleshooting", "request_type_confidence": 0.5}`
	highConfidence = `{"product_id": "p-1", "product_name": "Router X", "product_confidence": 0.97, "request_type": "troubleshooting", "request_type_confidence": 0.95}`
	clarify        = `{"tool": "submit_decision", "arguments": {"decision": "need_clarification", "question": "` + question + `"}}`
	selectArticle  = `{"tool": "submit_decision", "arguments": {"decision": "selected_intent", "target_id": "a1"}}`
)

type fixture struct {
	cfg     config.Orchestrator
	store   *store.MemoryStore
	channel *channeltest.Recorder
	search  *searchtest.Fake
	llm     *llmtest.Fake
	events  *events.Recorder
	core    *orchestrator.Core
}

type options struct {
	classification string
	decision       string
	summary        orchestrator.SummaryAgent
	locker         lock.Locker
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	log := logger.NewNop()

	if opts.classification == "" {
		opts.classification = lowConfidence
	}
	if opts.decision == "" {
		opts.decision = clarify
	}

	cfg := config.DefaultOrchestrator()
	cfg.SearchInitialDelay = time.Millisecond
	cfg.SearchMaxDelay = time.Millisecond

	fake := llmtest.New().
		On(summaryMarker, llmtest.Text(`{"summary": "Router keeps rebooting", "emotion_level": 2}`)).
		On(classifyMarker, llmtest.Text(opts.classification)).
		On(rankMarker, llmtest.Text(`{"ranked": [{"id": "a1", "score": 0.9}, {"id": "p1", "score": 0.4}]}`)).
		On(enrichMarker, llmtest.Text(`{"query": "router reboot loop", "verbatim": "it keeps restarting", "keywords": ["router"]}`)).
		On(decisionMarker, llmtest.Text(opts.decision)).
		On(messageMarker,
			llmtest.Text("What is the serial number?"),
			llmtest.Text("Thanks, a replacement is on its way."),
		)

	sc := searchtest.New(
		search.Result{ID: "a1", Kind: model.KnowledgeArticle, Title: "Router reboot loop", Score: 0.8},
		search.Result{ID: "p1", Kind: model.KnowledgeProblem, Title: "Power supply failure", Score: 0.6},
	)

	st := store.NewMemoryStore()
	ch := channeltest.New()
	pub := &events.Recorder{}
	prompts := prompt.MustDefault()

	exec := executor.New(st, ch, idempotency.NewMemoryGuard(idempotency.Config{}), pub, executor.Config{
		HumanQueueID: "tier-1",
		Policy:       retry.Exponential("channel-dispatch", 1, 0, 0),
	}, log)
	esc := escalation.NewManager(st, exec, pub, log)

	agentCfg := agent.Config{TopMatches: cfg.TopMatches}
	finder := demand.New(fake, sc, prompts, st, esc, demand.Config{
		MaxRounds:         cfg.MaxDemandRounds,
		ToolMaxIterations: cfg.ToolMaxIterations,
		TopMatches:        cfg.TopMatches,
		ApologyMessage:    cfg.ApologyMessage,
		SearchPolicy:      retry.Exponential("knowledge-search", cfg.SearchMaxAttempts, time.Millisecond, time.Millisecond),
	}, log)
	locker := opts.locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	summary := opts.summary
	if summary == nil {
		summary = agent.NewSummaryAgent(fake, prompts, st, agentCfg, log)
	}

	core := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Locker:     locker,
		Summary:    summary,
		Classifier: agent.NewClassificationAgent(fake, prompts, st, agentCfg, log),
		Ranker:     agent.NewRankingAgent(fake, sc, prompts, st, agentCfg, log),
		Demand:     finder,
		Solution: solution.New(fake, sc, prompts, st, exec, esc, solution.Config{
			MaxInteractions:   cfg.MaxSolutionInteractions,
			MaxActionsPerTurn: cfg.MaxActionsPerTurn,
			ApologyMessage:    cfg.ApologyMessage,
			TransferNotice:    cfg.TransferNotice,
			ResolvePolicy:     retry.Exponential("solution-resolve", 2, time.Millisecond, time.Millisecond),
		}, log),
		Escalation: esc,
		Executor:   exec,
		Events:     pub,
	}, cfg, log)

	return &fixture{cfg: cfg, store: st, channel: ch, search: sc, llm: fake, events: pub, core: core}
}

func customer(n int, text string) model.InboundEvent {
	return model.InboundEvent{
		ID:                     fmt.Sprintf("evt-%d", n),
		ConversationID:         convID,
		ExternalConversationID: "ext-1",
		AuthorType:             model.AuthorCustomer,
		Text:                   text,
		ReceivedAt:             time.Now(),
	}
}

func (f *fixture) handle(t *testing.T, evt model.InboundEvent) orchestrator.Result {
	t.Helper()
	res, err := f.core.HandleEvent(context.Background(), evt)
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T) model.OrchestratorStatus {
	t.Helper()
	summary, err := f.store.GetOrCreateSummary(context.Background(), convID)
	require.NoError(t, err)
	return summary.OrchestratorStatus
}

func (f *fixture) conversation(t *testing.T) *model.Conversation {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	return conv
}

func (f *fixture) latestDemand(t *testing.T) *model.CaseDemand {
	t.Helper()
	d, err := f.store.LatestCaseDemand(context.Background(), convID)
	require.NoError(t, err)
	return d
}

func TestCore_FirstCustomerMessageStartsDemandUnderstanding(t *testing.T) {
	f := newFixture(t, options{})

	res := f.handle(t, customer(1, "my router keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusDemandUnderstanding, res.Status)
	assert.True(t, res.Dispatched)
	assert.NotEmpty(t, res.ResponseID)

	assert.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	d := f.latestDemand(t)
	assert.Equal(t, 1, d.InteractionCount)
	assert.Equal(t, model.DemandInProgress, d.Status)

	conv := f.conversation(t)
	assert.Equal(t, "ext-1", conv.ExternalID)
	assert.True(t, conv.AutomationEnabled)

	assert.Equal(t, []string{question}, f.channel.Texts())
	assert.Equal(t, "ext-1", f.channel.Messages()[0].ExternalConversationID)

	changes := f.events.OfType(model.EventTypeStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, model.StatusNew, changes[0].From)
	assert.Equal(t, model.StatusDemandUnderstanding, changes[0].To)

	summary, err := f.store.GetOrCreateSummary(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "Router keeps rebooting", summary.Summary)
	assert.Equal(t, "p-1", summary.Classification.ProductID)
	require.NotEmpty(t, summary.TopMatches)
	assert.Equal(t, "a1", summary.TopMatches[0].ID)
}

func TestCore_IgnoresNonCustomerAuthors(t *testing.T) {
	f := newFixture(t, options{})

	for _, author := range []model.AuthorType{model.AuthorAgent, model.AuthorBot, model.AuthorSystem} {
		evt := customer(1, "internal note")
		evt.AuthorType = author
		res := f.handle(t, evt)
		assert.Equal(t, orchestrator.OutcomeIgnored, res.Outcome, author)
	}

	_, err := f.store.GetConversation(context.Background(), convID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.llm.Calls(summaryMarker))
	assert.Empty(t, f.channel.Messages())
}

func TestCore_RejectsEventWithoutConversation(t *testing.T) {
	f := newFixture(t, options{})

	evt := customer(1, "hi")
	evt.ConversationID = ""
	res, err := f.core.HandleEvent(context.Background(), evt)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidEvent)
	assert.Equal(t, orchestrator.OutcomeFailed, res.Outcome)
}

func TestCore_EscalatesWhenDemandRoundsAreExhausted(t *testing.T) {
	f := newFixture(t, options{})

	for i := 1; i < f.cfg.MaxDemandRounds; i++ {
		res := f.handle(t, customer(i, "still broken"))
		require.Equal(t, orchestrator.OutcomeProcessed, res.Outcome, "round %d", i)
		require.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	}
	assert.Empty(t, f.channel.Transfers())

	res := f.handle(t, customer(f.cfg.MaxDemandRounds, "still broken"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, escalation.ReasonDemandNotUnderstood.String(), res.Reason)
	assert.True(t, res.Dispatched)
	assert.Equal(t, model.StatusEscalated, f.status(t))

	d := f.latestDemand(t)
	assert.Equal(t, model.DemandNotFound, d.Status)
	assert.Equal(t, f.cfg.MaxDemandRounds, d.InteractionCount)
	assert.Equal(t, 1, f.store.CountCaseDemands(convID))

	transfers := f.channel.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "tier-1", transfers[0].TargetQueueID)
	assert.Equal(t, escalation.ReasonDemandNotUnderstood.String(), transfers[0].Metadata["reason"])

	texts := f.channel.Texts()
	require.Len(t, texts, f.cfg.MaxDemandRounds)
	assert.Equal(t, f.cfg.TransferNotice, texts[len(texts)-1])
	assert.Equal(t, f.cfg.MaxDemandRounds-1, f.llm.Calls(decisionMarker))

	var sawTemp bool
	for _, e := range f.events.OfType(model.EventTypeStatusChanged) {
		if e.To == model.StatusTempDemandNotUnderstood {
			sawTemp = true
		}
	}
	assert.True(t, sawTemp)

	conv := f.conversation(t)
	assert.Equal(t, model.HandlerHuman, conv.CurrentHandler)
	assert.False(t, conv.AutomationEnabled)
}

func TestCore_AbsorbingStatesDropEvents(t *testing.T) {
	for _, status := range []model.OrchestratorStatus{model.StatusEscalated, model.StatusClosed, model.StatusFinalizing} {
		t.Run(status.String(), func(t *testing.T) {
			f := newFixture(t, options{})
			f.handle(t, customer(1, "hello"))
			require.NoError(t, f.store.SetOrchestratorStatus(context.Background(), convID, status))
			sent := len(f.channel.Messages())

			res := f.handle(t, customer(2, "hello again"))
			assert.Equal(t, orchestrator.OutcomeDropped, res.Outcome)
			assert.Equal(t, status, f.status(t))
			assert.Equal(t, 1, f.store.CountCaseDemands(convID))
			assert.Equal(t, 1, f.latestDemand(t).InteractionCount)
			assert.Equal(t, 0, f.store.CountCaseSolutions(convID))
			assert.Len(t, f.channel.Messages(), sent)
		})
	}
}

func TestCore_DropsWhenAutomationDisabled(t *testing.T) {
	f := newFixture(t, options{})
	f.handle(t, customer(1, "hello"))
	require.NoError(t, f.store.SetConversationOwnership(context.Background(), convID, model.HandlerHuman, false))

	res := f.handle(t, customer(2, "anyone there?"))
	assert.Equal(t, orchestrator.OutcomeDropped, res.Outcome)
	assert.Equal(t, 1, f.latestDemand(t).InteractionCount)
}

func TestCore_ConfidentClassificationHandsOff(t *testing.T) {
	f := newFixture(t, options{classification: highConfidence})

	res := f.handle(t, customer(1, "my Router X keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, escalation.ReasonDemandUnderstood.String(), res.Reason)
	assert.Equal(t, model.StatusEscalated, f.status(t))

	assert.Len(t, f.channel.Transfers(), 1)
	assert.Equal(t, []string{f.cfg.TransferNotice}, f.channel.Texts())
	assert.Zero(t, f.llm.Calls(decisionMarker))
}

func TestCore_FoundDemandStuckInDemandUnderstandingHandsOff(t *testing.T) {
	f := newFixture(t, options{})
	f.handle(t, customer(1, "my router keeps restarting"))
	require.Equal(t, model.StatusDemandUnderstanding, f.status(t))

	// An earlier run marked the demand found but never left DU.
	d := f.latestDemand(t)
	d.Status = model.DemandFound
	require.NoError(t, f.store.SaveCaseDemand(context.Background(), d))
	decisions := f.llm.Calls(decisionMarker)

	res := f.handle(t, customer(2, "it blinks red"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, escalation.ReasonDemandUnderstood.String(), res.Reason)
	assert.Equal(t, 1, f.latestDemand(t).InteractionCount)
	assert.Equal(t, decisions, f.llm.Calls(decisionMarker))
	assert.Len(t, f.channel.Transfers(), 1)
}

func TestCore_ProvidesSolutionAcrossTurns(t *testing.T) {
	f := newFixture(t, options{decision: selectArticle})
	f.search.WithSolution("a1", &search.Solution{ID: "s1", Actions: []search.SolutionAction{
		{ID: "ask", Type: "ask_customer_for_input", Message: "What is the serial number?", InputField: "serial"},
		{ID: "tell", Type: "send_message", Message: "Tell the customer a replacement ships today."},
	}})

	res := f.handle(t, customer(1, "my router keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusProvidingSolution, res.Status)
	assert.True(t, res.Dispatched)
	assert.Equal(t, model.StatusProvidingSolution, f.status(t))
	assert.Equal(t, model.HandlerWaitingForCustomer, f.conversation(t).CurrentHandler)
	assert.Equal(t, model.DemandFound, f.latestDemand(t).Status)
	assert.Len(t, f.channel.Messages(), 1)

	sol, err := f.store.LatestCaseSolution(context.Background(), convID)
	require.NoError(t, err)
	actions, err := f.store.ListCaseActions(context.Background(), sol.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionInProgress, actions[0].Status)
	assert.Equal(t, model.ActionPending, actions[1].Status)

	res = f.handle(t, customer(2, "SN-42"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusFinalizing, res.Status)
	assert.Equal(t, model.StatusFinalizing, f.status(t))
	assert.Equal(t, model.HandlerCloser, f.conversation(t).CurrentHandler)

	sol, err = f.store.LatestCaseSolution(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, model.SolutionResolved, sol.Status)
	assert.Equal(t, "SN-42", sol.CollectedInputs["serial"])
	assert.Equal(t, []string{"What is the serial number?", "Thanks, a replacement is on its way."}, f.channel.Texts())
	assert.Equal(t, 1, f.store.CountCaseSolutions(convID))

	res = f.handle(t, customer(3, "thanks!"))
	assert.Equal(t, orchestrator.OutcomeDropped, res.Outcome)
	assert.Empty(t, f.channel.Transfers())
}

func TestCore_EmptyPlanEscalatesThroughFallback(t *testing.T) {
	f := newFixture(t, options{decision: selectArticle})
	f.search.WithSolution("a1", &search.Solution{ID: "s1"})

	res := f.handle(t, customer(1, "my router keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, model.StatusEscalated, f.status(t))

	sol, err := f.store.LatestCaseSolution(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, model.SolutionEscalated, sol.Status)
	actions, err := f.store.ListCaseActions(context.Background(), sol.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, solution.FallbackActionID, actions[0].ExternalActionID)
	assert.Equal(t, model.ActionCompleted, actions[0].Status)
	assert.Len(t, f.channel.Transfers(), 1)
}

func TestCore_SearchOutageEscalates(t *testing.T) {
	f := newFixture(t, options{})
	f.search.FailSearches(100)

	res := f.handle(t, customer(1, "my router keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, model.StatusEscalated, f.status(t))
	assert.Equal(t, model.DemandNotFound, f.latestDemand(t).Status)
	assert.Equal(t, []string{f.cfg.ApologyMessage}, f.channel.Texts())
	assert.Len(t, f.channel.Transfers(), 1)
}

type panickingSummary struct{}

func (panickingSummary) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	panic("summary exploded")
}

func TestCore_PanicEscalates(t *testing.T) {
	f := newFixture(t, options{summary: panickingSummary{}})

	res := f.handle(t, customer(1, "hello"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, escalation.ReasonUnexpected.String(), res.Reason)
	assert.Equal(t, model.StatusEscalated, f.status(t))
	assert.Equal(t, []string{f.cfg.ApologyMessage}, f.channel.Texts())

	escalations := f.events.OfType(model.EventTypeEscalated)
	require.Len(t, escalations, 1)
	assert.Equal(t, escalation.ReasonUnexpected.String(), escalations[0].Reason)
}

type failingSummary struct{}

func (failingSummary) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	return llmtest.ErrUnavailable
}

func TestCore_AgentFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, options{summary: failingSummary{}})

	res := f.handle(t, customer(1, "hello"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	assert.Equal(t, []string{question}, f.channel.Texts())
}

// cancellingSummary ends the run's context, as a shutdown would mid-event.
type cancellingSummary struct {
	cancel context.CancelFunc
}

func (s cancellingSummary) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	s.cancel()
	return ctx.Err()
}

func TestCore_CancelledRunIsNotEscalated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, options{summary: cancellingSummary{cancel: cancel}})

	res, err := f.core.HandleEvent(ctx, customer(1, "my router keeps restarting"))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrInterrupted)
	assert.Equal(t, orchestrator.OutcomeInterrupted, res.Outcome)

	assert.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	assert.True(t, f.conversation(t).AutomationEnabled)
	assert.Empty(t, f.channel.Texts())
	assert.Empty(t, f.channel.Transfers())
	assert.Empty(t, f.events.OfType(model.EventTypeEscalated))
}

func TestCore_RedeliveryAfterCancelProceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, options{summary: cancellingSummary{cancel: cancel}})

	_, err := f.core.HandleEvent(ctx, customer(1, "my router keeps restarting"))
	require.ErrorIs(t, err, orchestrator.ErrInterrupted)

	res := f.handle(t, customer(1, "my router keeps restarting"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.True(t, res.Dispatched)
	assert.Equal(t, []string{question}, f.channel.Texts())
}

func TestCore_CancelledContextLeavesNoTrace(t *testing.T) {
	f := newFixture(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.core.HandleEvent(ctx, customer(1, "hello"))
	require.Error(t, err)

	_, err = f.store.GetConversation(context.Background(), convID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.channel.Texts())
}

// lostLease grants the lock but reports the lease lost mid-run, once the
// summary step has started.
type lostLease struct {
	lose context.CancelCauseFunc
}

func (l *lostLease) Lock(ctx context.Context, key string) (context.Context, lock.Unlock, error) {
	held, cancel := context.WithCancelCause(ctx)
	l.lose = cancel
	return held, func() { cancel(nil) }, nil
}

type losingSummary struct {
	lease *lostLease
}

func (s losingSummary) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	s.lease.lose(lock.ErrLeaseLost)
	return ctx.Err()
}

func TestCore_LostLeaseStopsRunWithoutEscalating(t *testing.T) {
	lease := &lostLease{}
	f := newFixture(t, options{locker: lease, summary: losingSummary{lease: lease}})

	res, err := f.core.HandleEvent(context.Background(), customer(1, "my router keeps restarting"))
	require.ErrorIs(t, err, orchestrator.ErrInterrupted)
	assert.Equal(t, orchestrator.OutcomeInterrupted, res.Outcome)

	assert.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	assert.Empty(t, f.channel.Messages())
	assert.Empty(t, f.events.OfType(model.EventTypeEscalated))
}

// driftingFinder closes the conversation while it runs.
type driftingFinder struct {
	store *store.MemoryStore
}

func (d driftingFinder) Run(ctx context.Context, in demand.Input) demand.Result {
	resp := &model.SuggestedResponse{ConversationID: in.ConversationID, Text: question, Source: "test"}
	if err := d.store.CreateSuggestedResponse(ctx, resp); err != nil {
		return demand.Result{Error: err.Error()}
	}
	if err := d.store.SetOrchestratorStatus(ctx, in.ConversationID, model.StatusClosed); err != nil {
		return demand.Result{Error: err.Error()}
	}
	return demand.Result{Success: true, ResponseID: resp.ID}
}

func TestCore_DropsDispatchWhenStatusDrifts(t *testing.T) {
	f := newFixture(t, options{})
	f.core = rebuild(t, f, driftingFinder{store: f.store})

	res := f.handle(t, customer(1, "hello"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusClosed, res.Status)
	assert.False(t, res.Dispatched)
	assert.Empty(t, f.channel.Messages())
}

// rebuild swaps the demand finder of a fixture while keeping its store and channel.
func rebuild(t *testing.T, f *fixture, finder orchestrator.DemandFinder) *orchestrator.Core {
	t.Helper()
	log := logger.NewNop()
	exec := executor.New(f.store, f.channel, idempotency.NewMemoryGuard(idempotency.Config{}), f.events, executor.Config{
		Policy: retry.Exponential("channel-dispatch", 1, 0, 0),
	}, log)
	esc := escalation.NewManager(f.store, exec, f.events, log)
	prompts := prompt.MustDefault()
	return orchestrator.New(orchestrator.Deps{
		Store:      f.store,
		Summary:    agent.NewSummaryAgent(f.llm, prompts, f.store, agent.Config{}, log),
		Classifier: agent.NewClassificationAgent(f.llm, prompts, f.store, agent.Config{}, log),
		Ranker:     agent.NewRankingAgent(f.llm, f.search, prompts, f.store, agent.Config{}, log),
		Demand:     finder,
		Solution:   solution.New(f.llm, f.search, prompts, f.store, exec, esc, solution.Config{}, log),
		Escalation: esc,
		Executor:   exec,
		Events:     f.events,
	}, f.cfg, log)
}

func TestCore_DispatchFailureEscalates(t *testing.T) {
	f := newFixture(t, options{})
	f.channel.FailSends(1)

	res := f.handle(t, customer(1, "hello"))
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, escalation.ReasonDispatchFailed.String(), res.Reason)
	assert.Equal(t, model.StatusEscalated, f.status(t))
	assert.Len(t, f.channel.Transfers(), 1)
}

// countingSummary records the highest number of concurrent runs.
type countingSummary struct {
	active int32
	peak   int32
}

func (c *countingSummary) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		peak := atomic.LoadInt32(&c.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&c.peak, peak, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

func TestCore_SerializesEventsPerConversation(t *testing.T) {
	counter := &countingSummary{}
	f := newFixture(t, options{summary: counter})

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.core.HandleEvent(context.Background(), customer(i, "hello"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&counter.peak))
	assert.Equal(t, model.StatusEscalated, f.status(t))
	assert.Equal(t, 1, f.store.CountCaseDemands(convID))
	assert.Equal(t, f.cfg.MaxDemandRounds, f.latestDemand(t).InteractionCount)
	assert.Len(t, f.channel.Transfers(), 1)
}

func TestCore_ResetRestoresAutomation(t *testing.T) {
	f := newFixture(t, options{classification: highConfidence})
	ctx := context.Background()

	f.handle(t, customer(1, "hello"))
	require.Equal(t, model.StatusEscalated, f.status(t))

	require.NoError(t, f.core.Reset(ctx, convID))
	assert.Equal(t, model.StatusNew, f.status(t))
	conv := f.conversation(t)
	assert.True(t, conv.AutomationEnabled)
	assert.Equal(t, model.HandlerOrchestrator, conv.CurrentHandler)
	assert.Equal(t, model.DemandError, f.latestDemand(t).Status)

	changes := f.events.OfType(model.EventTypeStatusChanged)
	last := changes[len(changes)-1]
	assert.Equal(t, model.StatusEscalated, last.From)
	assert.Equal(t, model.StatusNew, last.To)
	assert.Equal(t, "manual reset", last.Reason)

	assert.ErrorIs(t, f.core.Reset(ctx, "missing"), store.ErrNotFound)
}

func TestCore_ResetStartsNewDemand(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	for i := 1; i <= f.cfg.MaxDemandRounds; i++ {
		f.handle(t, customer(i, "still broken"))
	}
	require.Equal(t, model.StatusEscalated, f.status(t))
	require.NoError(t, f.core.Reset(ctx, convID))
	assert.Equal(t, model.DemandNotFound, f.latestDemand(t).Status, "terminal demands keep their status")

	res := f.handle(t, customer(10, "it broke again"))
	assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
	assert.Equal(t, model.StatusDemandUnderstanding, f.status(t))
	assert.Equal(t, 2, f.store.CountCaseDemands(convID))
	assert.Equal(t, 1, f.latestDemand(t).InteractionCount)
}

func TestCore_State(t *testing.T) {
	f := newFixture(t, options{decision: selectArticle})
	f.search.WithSolution("a1", &search.Solution{ID: "s1", Actions: []search.SolutionAction{
		{ID: "ask", Type: "ask_customer", Message: "What is the serial number?", InputField: "serial"},
	}})
	ctx := context.Background()

	_, err := f.core.State(ctx, convID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.handle(t, customer(1, "hello"))

	st, err := f.core.State(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, convID, st.Conversation.ID)
	assert.Equal(t, model.StatusProvidingSolution, st.Summary.OrchestratorStatus)
	require.NotNil(t, st.Demand)
	assert.Equal(t, model.DemandFound, st.Demand.Status)
	require.NotNil(t, st.Solution)
	assert.Equal(t, model.SolutionPendingInfo, st.Solution.Status)
	assert.Len(t, st.Actions, 1)
}
