package postgres

import (
	"time"

	"gorm.io/datatypes"
)

// TableName specifies the table name for Conversation.
func (Conversation) TableName() string {
	return "conversations"
}

// Conversation represents the persisted conversation record.
type Conversation struct {
	ID                string         `gorm:"primaryKey;size:64"`
	ExternalID        string         `gorm:"size:128;index"`
	Status            string         `gorm:"size:32"`
	CurrentHandler    string         `gorm:"size:32"`
	AutomationEnabled bool           `gorm:"default:true"`
	CustomerProfile   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClosedAt          *time.Time
}

// TableName specifies the table name for ConversationSummary.
func (ConversationSummary) TableName() string {
	return "conversation_summaries"
}

// ConversationSummary represents the persisted summary record, one per conversation.
type ConversationSummary struct {
	ID                    string         `gorm:"primaryKey;size:64"`
	ConversationID        string         `gorm:"uniqueIndex;size:64"`
	Summary               string         `gorm:"type:text"`
	ProductID             string         `gorm:"size:128"`
	ProductName           string         `gorm:"size:256"`
	ProductConfidence     float64        `gorm:"default:0"`
	RequestType           string         `gorm:"size:128"`
	RequestTypeConfidence float64        `gorm:"default:0"`
	EmotionLevel          int            `gorm:"default:0"`
	OrchestratorStatus    string         `gorm:"size:32;index:idx_summary_status"`
	TopMatches            datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TableName specifies the table name for CaseDemand.
func (CaseDemand) TableName() string {
	return "case_demands"
}

// CaseDemand represents the persisted demand session.
type CaseDemand struct {
	ID                 string         `gorm:"primaryKey;size:64"`
	ConversationID     string         `gorm:"size:64;index:idx_demand_conversation"`
	SearchResults      datatypes.JSON `gorm:"type:jsonb"`
	InteractionCount   int            `gorm:"default:0"`
	Status             string         `gorm:"size:32;index:idx_demand_status"`
	ResolvedTarget     datatypes.JSON `gorm:"type:jsonb"`
	ClarifyingQuestion string         `gorm:"type:text"`
	CreatedAt          time.Time      `gorm:"index:idx_demand_conversation"`
	UpdatedAt          time.Time
}

// TableName specifies the table name for CaseSolution.
func (CaseSolution) TableName() string {
	return "case_solutions"
}

// CaseSolution represents the persisted solution session.
type CaseSolution struct {
	ID               string         `gorm:"primaryKey;size:64"`
	ConversationID   string         `gorm:"size:64;index:idx_solution_conversation"`
	CaseDemandID     string         `gorm:"size:64"`
	SolutionID       string         `gorm:"size:128"`
	ArticleID        string         `gorm:"size:128"`
	ProblemID        string         `gorm:"size:128"`
	RootCauseID      string         `gorm:"size:128"`
	Status           string         `gorm:"size:32;index:idx_solution_status"`
	CollectedInputs  datatypes.JSON `gorm:"type:jsonb"`
	PendingQuestions datatypes.JSON `gorm:"type:jsonb"`
	InteractionCount int            `gorm:"default:0"`
	CreatedAt        time.Time      `gorm:"index:idx_solution_conversation"`
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

// TableName specifies the table name for CaseAction.
func (CaseAction) TableName() string {
	return "case_actions"
}

// CaseAction represents one persisted remediation step.
type CaseAction struct {
	ID               string         `gorm:"primaryKey;size:64"`
	CaseSolutionID   string         `gorm:"size:64;index:idx_action_solution"`
	Sequence         int            `gorm:"default:0;index:idx_action_solution"`
	Position         int            `gorm:"default:0"`
	ExternalActionID string         `gorm:"size:128"`
	Definition       datatypes.JSON `gorm:"type:jsonb"`
	Status           string         `gorm:"size:32"`
	Input            datatypes.JSON `gorm:"type:jsonb"`
	Output           datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage     *string        `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// TableName specifies the table name for SuggestedResponse.
func (SuggestedResponse) TableName() string {
	return "suggested_responses"
}

// SuggestedResponse represents a persisted customer-facing message.
type SuggestedResponse struct {
	ID             string         `gorm:"primaryKey;size:64"`
	ConversationID string         `gorm:"size:64;index"`
	TriggerEventID string         `gorm:"size:128"`
	Text           string         `gorm:"type:text"`
	Source         string         `gorm:"size:64"`
	KnowledgeItems datatypes.JSON `gorm:"type:jsonb"`
	DispatchStatus string         `gorm:"size:32"`
	DispatchError  *string        `gorm:"type:text"`
	CreatedAt      time.Time
	SentAt         *time.Time
}
