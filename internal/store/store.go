// Package store defines the persistence gateway used by the orchestrator.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SolutionSeed carries the identifiers a new CaseSolution starts from.
type SolutionSeed struct {
	CaseDemandID string
	ArticleID    string
	ProblemID    string
	RootCauseID  string
}

// Store is row-level access to the orchestrator's records. Get-or-create and
// counter operations are atomic per conversation.
type Store interface {
	ConversationStore
	SummaryStore
	DemandStore
	SolutionStore
	ActionStore
	ResponseStore
}

// ConversationStore manages conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpsertConversation(ctx context.Context, conv *model.Conversation) error
	SetConversationOwnership(ctx context.Context, id string, handler model.Handler, automationEnabled bool) error
}

// SummaryStore manages the one summary per conversation.
type SummaryStore interface {
	GetOrCreateSummary(ctx context.Context, conversationID string) (*model.ConversationSummary, error)
	SaveSummary(ctx context.Context, summary *model.ConversationSummary) error
	SetOrchestratorStatus(ctx context.Context, conversationID string, status model.OrchestratorStatus) error
}

// DemandStore manages case demands.
type DemandStore interface {
	// LatestCaseDemand returns the most recently created demand of the conversation.
	LatestCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error)
	// GetOrCreateActiveCaseDemand returns the active demand, creating one only if none is active.
	GetOrCreateActiveCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error)
	// IncrementDemandInteraction increments the interaction count and returns the new value.
	IncrementDemandInteraction(ctx context.Context, demandID string) (int, error)
	SaveCaseDemand(ctx context.Context, demand *model.CaseDemand) error
}

// SolutionStore manages case solutions.
type SolutionStore interface {
	// ActiveCaseSolution returns the active solution or ErrNotFound.
	ActiveCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error)
	// LatestCaseSolution returns the most recently created solution of the conversation.
	LatestCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error)
	// GetOrCreateActiveCaseSolution returns the active solution, creating one from seed only if none is active.
	GetOrCreateActiveCaseSolution(ctx context.Context, conversationID string, seed SolutionSeed) (*model.CaseSolution, error)
	SaveCaseSolution(ctx context.Context, solution *model.CaseSolution) error
	// IncrementSolutionInteraction increments the AI-message interaction count and returns the new value.
	IncrementSolutionInteraction(ctx context.Context, solutionID string) (int, error)
}

// ActionStore manages case actions.
type ActionStore interface {
	CreateCaseActions(ctx context.Context, actions []*model.CaseAction) error
	// ListCaseActions returns actions ordered by sequence, ties broken by creation order.
	ListCaseActions(ctx context.Context, solutionID string) ([]*model.CaseAction, error)
	UpdateCaseAction(ctx context.Context, action *model.CaseAction) error
}

// ResponseStore manages suggested responses.
type ResponseStore interface {
	CreateSuggestedResponse(ctx context.Context, resp *model.SuggestedResponse) error
	GetSuggestedResponse(ctx context.Context, id string) (*model.SuggestedResponse, error)
	MarkSuggestedResponse(ctx context.Context, id string, status model.DispatchStatus, dispatchErr string) error
}
