package model

import (
	"encoding/json"
	"time"
)

// DemandStatus is the status of a CaseDemand.
type DemandStatus string

const (
	DemandNotStarted DemandStatus = "not_started"
	DemandInProgress DemandStatus = "in_progress"
	DemandFound      DemandStatus = "demand_found"
	DemandNotFound   DemandStatus = "demand_not_found"
	DemandError      DemandStatus = "error"
)

// IsActive reports whether the demand session is still open.
func (s DemandStatus) IsActive() bool {
	return s == DemandNotStarted || s == DemandInProgress
}

// DemandTarget is the knowledge item a demand resolved to.
type DemandTarget struct {
	Kind KnowledgeKind `json:"kind"`
	ID   string        `json:"id"`
}

// CaseDemand tracks one "what does the customer need" clarification session.
type CaseDemand struct {
	ID                 string           `json:"id"`
	ConversationID     string           `json:"conversation_id"`
	SearchResults      []KnowledgeMatch `json:"search_results,omitempty"`
	InteractionCount   int              `json:"interaction_count"`
	Status             DemandStatus     `json:"status"`
	ResolvedTarget     *DemandTarget    `json:"resolved_target,omitempty"`
	ClarifyingQuestion string           `json:"clarifying_question,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the demand.
func (d *CaseDemand) Clone() *CaseDemand {
	if d == nil {
		return nil
	}
	out := *d
	out.SearchResults = append([]KnowledgeMatch(nil), d.SearchResults...)
	if d.ResolvedTarget != nil {
		t := *d.ResolvedTarget
		out.ResolvedTarget = &t
	}
	return &out
}

// SolutionStatus is the status of a CaseSolution.
type SolutionStatus string

const (
	SolutionPendingInfo SolutionStatus = "pending_info"
	SolutionInProgress  SolutionStatus = "in_progress"
	SolutionResolved    SolutionStatus = "resolved"
	SolutionEscalated   SolutionStatus = "escalated"
	SolutionError       SolutionStatus = "error"
)

// IsActive reports whether the solution session is still open.
func (s SolutionStatus) IsActive() bool {
	return s == SolutionPendingInfo || s == SolutionInProgress
}

// CaseSolution tracks one "how do we resolve it" action-execution session.
type CaseSolution struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversation_id"`
	CaseDemandID     string            `json:"case_demand_id,omitempty"`
	SolutionID       string            `json:"solution_id,omitempty"`
	ArticleID        string            `json:"article_id,omitempty"`
	ProblemID        string            `json:"problem_id,omitempty"`
	RootCauseID      string            `json:"root_cause_id,omitempty"`
	Status           SolutionStatus    `json:"status"`
	CollectedInputs  map[string]string `json:"collected_inputs,omitempty"`
	PendingQuestions []string          `json:"pending_questions,omitempty"`
	InteractionCount int               `json:"interaction_count"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of the solution.
func (s *CaseSolution) Clone() *CaseSolution {
	if s == nil {
		return nil
	}
	out := *s
	if s.CollectedInputs != nil {
		out.CollectedInputs = make(map[string]string, len(s.CollectedInputs))
		for k, v := range s.CollectedInputs {
			out.CollectedInputs[k] = v
		}
	}
	out.PendingQuestions = append([]string(nil), s.PendingQuestions...)
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// ActionStatus is the status of a CaseAction.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionSkipped    ActionStatus = "skipped"
	ActionError      ActionStatus = "error"
)

// IsDone reports whether the action no longer blocks solution completion.
func (s ActionStatus) IsDone() bool {
	return s == ActionCompleted || s == ActionSkipped
}

// MessageVariation is a pre-defined message used when every condition matches
// the customer profile.
type MessageVariation struct {
	Conditions map[string]string `json:"conditions"`
	Text       string            `json:"text"`
}

// ActionDefinition is the remediation step as declared by the solution source.
type ActionDefinition struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Message     string             `json:"message,omitempty"`
	InputField  string             `json:"input_field,omitempty"`
	Variations  []MessageVariation `json:"variations,omitempty"`
}

// CaseAction is one ordered remediation step within a CaseSolution.
type CaseAction struct {
	ID               string           `json:"id"`
	CaseSolutionID   string           `json:"case_solution_id"`
	Sequence         int              `json:"sequence"`
	ExternalActionID string           `json:"external_action_id"`
	Definition       ActionDefinition `json:"definition"`
	Status           ActionStatus     `json:"status"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Output           json.RawMessage  `json:"output,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the action.
func (a *CaseAction) Clone() *CaseAction {
	if a == nil {
		return nil
	}
	out := *a
	out.Input = append(json.RawMessage(nil), a.Input...)
	out.Output = append(json.RawMessage(nil), a.Output...)
	if a.Definition.Variations != nil {
		out.Definition.Variations = make([]MessageVariation, len(a.Definition.Variations))
		for i, v := range a.Definition.Variations {
			cond := make(map[string]string, len(v.Conditions))
			for k, val := range v.Conditions {
				cond[k] = val
			}
			out.Definition.Variations[i] = MessageVariation{Conditions: cond, Text: v.Text}
		}
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		out.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
