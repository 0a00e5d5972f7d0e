package postgres

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

func toJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return datatypes.JSON(data)
}

func fromJSON(data datatypes.JSON, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapConversationToEntity(c *model.Conversation) *Conversation {
	return &Conversation{
		ID:                c.ID,
		ExternalID:        c.ExternalID,
		Status:            string(c.Status),
		CurrentHandler:    string(c.CurrentHandler),
		AutomationEnabled: c.AutomationEnabled,
		CustomerProfile:   toJSON(c.CustomerProfile),
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		ClosedAt:          c.ClosedAt,
	}
}

func mapConversationFromEntity(e *Conversation) *model.Conversation {
	c := &model.Conversation{
		ID:                e.ID,
		ExternalID:        e.ExternalID,
		Status:            model.ConversationStatus(e.Status),
		CurrentHandler:    model.Handler(e.CurrentHandler),
		AutomationEnabled: e.AutomationEnabled,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		ClosedAt:          e.ClosedAt,
	}
	fromJSON(e.CustomerProfile, &c.CustomerProfile)
	return c
}

func mapSummaryFromEntity(e *ConversationSummary) *model.ConversationSummary {
	s := &model.ConversationSummary{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Summary:        e.Summary,
		Classification: model.Classification{
			ProductID:             e.ProductID,
			ProductName:           e.ProductName,
			ProductConfidence:     e.ProductConfidence,
			RequestType:           e.RequestType,
			RequestTypeConfidence: e.RequestTypeConfidence,
		},
		EmotionLevel:       e.EmotionLevel,
		OrchestratorStatus: model.OrchestratorStatus(e.OrchestratorStatus),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	fromJSON(e.TopMatches, &s.TopMatches)
	return s
}

func mapDemandFromEntity(e *CaseDemand) *model.CaseDemand {
	d := &model.CaseDemand{
		ID:                 e.ID,
		ConversationID:     e.ConversationID,
		InteractionCount:   e.InteractionCount,
		Status:             model.DemandStatus(e.Status),
		ClarifyingQuestion: e.ClarifyingQuestion,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	fromJSON(e.SearchResults, &d.SearchResults)
	if len(e.ResolvedTarget) > 0 {
		var t model.DemandTarget
		fromJSON(e.ResolvedTarget, &t)
		d.ResolvedTarget = &t
	}
	return d
}

func mapSolutionFromEntity(e *CaseSolution) *model.CaseSolution {
	s := &model.CaseSolution{
		ID:               e.ID,
		ConversationID:   e.ConversationID,
		CaseDemandID:     e.CaseDemandID,
		SolutionID:       e.SolutionID,
		ArticleID:        e.ArticleID,
		ProblemID:        e.ProblemID,
		RootCauseID:      e.RootCauseID,
		Status:           model.SolutionStatus(e.Status),
		InteractionCount: e.InteractionCount,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		ResolvedAt:       e.ResolvedAt,
	}
	fromJSON(e.CollectedInputs, &s.CollectedInputs)
	fromJSON(e.PendingQuestions, &s.PendingQuestions)
	if s.CollectedInputs == nil {
		s.CollectedInputs = map[string]string{}
	}
	return s
}

func mapActionToEntity(a *model.CaseAction, position int) *CaseAction {
	return &CaseAction{
		ID:               a.ID,
		CaseSolutionID:   a.CaseSolutionID,
		Sequence:         a.Sequence,
		Position:         position,
		ExternalActionID: a.ExternalActionID,
		Definition:       toJSON(a.Definition),
		Status:           string(a.Status),
		Input:            datatypes.JSON(a.Input),
		Output:           datatypes.JSON(a.Output),
		ErrorMessage:     optionalString(a.ErrorMessage),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		StartedAt:        a.StartedAt,
		CompletedAt:      a.CompletedAt,
	}
}

func mapActionFromEntity(e *CaseAction) *model.CaseAction {
	a := &model.CaseAction{
		ID:               e.ID,
		CaseSolutionID:   e.CaseSolutionID,
		Sequence:         e.Sequence,
		ExternalActionID: e.ExternalActionID,
		Status:           model.ActionStatus(e.Status),
		ErrorMessage:     derefString(e.ErrorMessage),
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
	}
	fromJSON(e.Definition, &a.Definition)
	if len(e.Input) > 0 {
		a.Input = json.RawMessage(e.Input)
	}
	if len(e.Output) > 0 {
		a.Output = json.RawMessage(e.Output)
	}
	return a
}

func mapResponseToEntity(r *model.SuggestedResponse) *SuggestedResponse {
	return &SuggestedResponse{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		TriggerEventID: r.TriggerEventID,
		Text:           r.Text,
		Source:         r.Source,
		KnowledgeItems: toJSON(r.KnowledgeItems),
		DispatchStatus: string(r.DispatchStatus),
		DispatchError:  optionalString(r.DispatchError),
		CreatedAt:      r.CreatedAt,
		SentAt:         r.SentAt,
	}
}

func mapResponseFromEntity(e *SuggestedResponse) *model.SuggestedResponse {
	r := &model.SuggestedResponse{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		TriggerEventID: e.TriggerEventID,
		Text:           e.Text,
		Source:         e.Source,
		DispatchStatus: model.DispatchStatus(e.DispatchStatus),
		DispatchError:  derefString(e.DispatchError),
		CreatedAt:      e.CreatedAt,
		SentAt:         e.SentAt,
	}
	fromJSON(e.KnowledgeItems, &r.KnowledgeItems)
	return r
}
