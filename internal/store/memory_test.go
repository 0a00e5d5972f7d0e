package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
)

func seedConversation(t *testing.T, s *store.MemoryStore) string {
	t.Helper()
	conv := &model.Conversation{
		ExternalID:        "ext-1",
		Status:            model.ConversationActive,
		CurrentHandler:    model.HandlerOrchestrator,
		AutomationEnabled: true,
	}
	require.NoError(t, s.UpsertConversation(context.Background(), conv))
	require.NotEmpty(t, conv.ID)
	return conv.ID
}

func TestMemoryStore_ConversationOwnership(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	id := seedConversation(t, s)

	require.NoError(t, s.SetConversationOwnership(ctx, id, model.HandlerHuman, false))

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HandlerHuman, conv.CurrentHandler)
	assert.False(t, conv.AutomationEnabled)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetConversationOwnership(ctx, "missing", model.HandlerHuman, false), store.ErrNotFound)
}

func TestMemoryStore_SummaryIsUniquePerConversation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first, err := s.GetOrCreateSummary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, first.OrchestratorStatus)

	first.Summary = "router reboots"
	first.OrchestratorStatus = model.StatusEscalated // ignored by SaveSummary
	require.NoError(t, s.SaveSummary(ctx, first))

	second, err := s.GetOrCreateSummary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "router reboots", second.Summary)
	assert.Equal(t, model.StatusNew, second.OrchestratorStatus)

	require.NoError(t, s.SetOrchestratorStatus(ctx, "c1", model.StatusDemandUnderstanding))
	third, err := s.GetOrCreateSummary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDemandUnderstanding, third.OrchestratorStatus)
}

func TestMemoryStore_AtMostOneActiveDemand(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	d1, err := s.GetOrCreateActiveCaseDemand(ctx, "c1")
	require.NoError(t, err)
	d2, err := s.GetOrCreateActiveCaseDemand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	n, err := s.IncrementDemandInteraction(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementDemandInteraction(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Save does not clobber the counter.
	d1.Status = model.DemandFound
	d1.InteractionCount = 0
	require.NoError(t, s.SaveCaseDemand(ctx, d1))

	latest, err := s.LatestCaseDemand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.DemandFound, latest.Status)
	assert.Equal(t, 2, latest.InteractionCount)

	d3, err := s.GetOrCreateActiveCaseDemand(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, d1.ID, d3.ID)

	latest, err = s.LatestCaseDemand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, d3.ID, latest.ID)
	assert.Equal(t, 2, s.CountCaseDemands("c1"))
}

func TestMemoryStore_SolutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.ActiveCaseSolution(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	sol, err := s.GetOrCreateActiveCaseSolution(ctx, "c1", store.SolutionSeed{ArticleID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, model.SolutionInProgress, sol.Status)
	assert.Equal(t, "a1", sol.ArticleID)

	again, err := s.GetOrCreateActiveCaseSolution(ctx, "c1", store.SolutionSeed{ArticleID: "other"})
	require.NoError(t, err)
	assert.Equal(t, sol.ID, again.ID)
	assert.Equal(t, "a1", again.ArticleID)

	n, err := s.IncrementSolutionInteraction(ctx, sol.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sol.Status = model.SolutionResolved
	require.NoError(t, s.SaveCaseSolution(ctx, sol))

	_, err = s.ActiveCaseSolution(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	latest, err := s.LatestCaseSolution(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.SolutionResolved, latest.Status)
	assert.Equal(t, 1, latest.InteractionCount)
}

func TestMemoryStore_ActionsOrderedBySequenceThenCreation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	sol, err := s.GetOrCreateActiveCaseSolution(ctx, "c1", store.SolutionSeed{})
	require.NoError(t, err)

	actions := []*model.CaseAction{
		{CaseSolutionID: sol.ID, Sequence: 2, ExternalActionID: "b"},
		{CaseSolutionID: sol.ID, Sequence: 1, ExternalActionID: "a"},
		{CaseSolutionID: sol.ID, Sequence: 2, ExternalActionID: "c"},
	}
	require.NoError(t, s.CreateCaseActions(ctx, actions))

	list, err := s.ListCaseActions(ctx, sol.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ExternalActionID)
	assert.Equal(t, "b", list[1].ExternalActionID)
	assert.Equal(t, "c", list[2].ExternalActionID)
	assert.Equal(t, model.ActionPending, list[0].Status)

	list[0].Status = model.ActionCompleted
	require.NoError(t, s.UpdateCaseAction(ctx, list[0]))

	list, err = s.ListCaseActions(ctx, sol.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCompleted, list[0].Status)

	err = s.CreateCaseActions(ctx, []*model.CaseAction{{CaseSolutionID: "missing"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_SuggestedResponses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	resp := &model.SuggestedResponse{ConversationID: "c1", Text: "hello", Source: "test"}
	require.NoError(t, s.CreateSuggestedResponse(ctx, resp))
	require.NotEmpty(t, resp.ID)

	got, err := s.GetSuggestedResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchPending, got.DispatchStatus)

	require.NoError(t, s.MarkSuggestedResponse(ctx, resp.ID, model.DispatchSent, ""))
	got, err = s.GetSuggestedResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSent, got.DispatchStatus)
	assert.NotNil(t, got.SentAt)

	assert.Len(t, s.ListSuggestedResponses("c1"), 1)
	assert.ErrorIs(t, s.MarkSuggestedResponse(ctx, "missing", model.DispatchSent, ""), store.ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	sol, err := s.GetOrCreateActiveCaseSolution(ctx, "c1", store.SolutionSeed{})
	require.NoError(t, err)
	sol.CollectedInputs["serial"] = "123"

	fresh, err := s.ActiveCaseSolution(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, fresh.CollectedInputs)
}
