package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

func TestActionMappingRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	a := &model.CaseAction{
		ID:               "act-1",
		CaseSolutionID:   "sol-1",
		Sequence:         3,
		ExternalActionID: "ext-9",
		Definition: model.ActionDefinition{
			Type:       "ask_customer",
			Name:       "Ask serial",
			InputField: "serial",
			Variations: []model.MessageVariation{{Conditions: map[string]string{"plan": "pro"}, Text: "Hi pro"}},
		},
		Status:       model.ActionInProgress,
		Input:        json.RawMessage(`{"q":"serial"}`),
		ErrorMessage: "",
		StartedAt:    &now,
	}

	e := mapActionToEntity(a, 2)
	assert.Equal(t, 2, e.Position)
	assert.Nil(t, e.ErrorMessage)

	back := mapActionFromEntity(e)
	assert.Equal(t, a.Definition, back.Definition)
	assert.JSONEq(t, `{"q":"serial"}`, string(back.Input))
	assert.Nil(t, back.Output)
	assert.Equal(t, a.Status, back.Status)
}

func TestDemandMapping(t *testing.T) {
	e := &CaseDemand{
		ID:             "d1",
		ConversationID: "c1",
		Status:         string(model.DemandFound),
		SearchResults:  toJSON([]model.KnowledgeMatch{{ID: "a1", Kind: model.KnowledgeArticle, Score: 0.8}}),
		ResolvedTarget: toJSON(&model.DemandTarget{Kind: model.KnowledgeArticle, ID: "a1"}),
	}

	d := mapDemandFromEntity(e)
	require.NotNil(t, d.ResolvedTarget)
	assert.Equal(t, "a1", d.ResolvedTarget.ID)
	require.Len(t, d.SearchResults, 1)
	assert.Equal(t, 0.8, d.SearchResults[0].Score)

	empty := mapDemandFromEntity(&CaseDemand{ID: "d2"})
	assert.Nil(t, empty.ResolvedTarget)
	assert.Nil(t, toJSON(nil))
}

func TestSolutionMappingDefaultsInputs(t *testing.T) {
	s := mapSolutionFromEntity(&CaseSolution{ID: "s1", Status: string(model.SolutionInProgress)})
	assert.NotNil(t, s.CollectedInputs)
	assert.True(t, s.Status.IsActive())
}
