package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
)

var (
	activeDemandStatuses   = []string{string(model.DemandNotStarted), string(model.DemandInProgress)}
	activeSolutionStatuses = []string{string(model.SolutionPendingInfo), string(model.SolutionInProgress)}
)

// Repository provides persistence for the orchestrator records.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs the repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

var _ store.Store = (*Repository)(nil)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// GetConversation retrieves a conversation by ID.
func (r *Repository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var e Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err, "conversation "+id)
	}
	return mapConversationFromEntity(&e), nil
}

// UpsertConversation creates or replaces a conversation.
func (r *Repository) UpsertConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = newID()
	}
	e := mapConversationToEntity(conv)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "status", "current_handler", "automation_enabled", "customer_profile", "updated_at", "closed_at"}),
	}).Create(e).Error
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// SetConversationOwnership sets the handler and automation flag.
func (r *Repository) SetConversationOwnership(ctx context.Context, id string, handler model.Handler, automationEnabled bool) error {
	res := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_handler":    string(handler),
			"automation_enabled": automationEnabled,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update conversation ownership: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetOrCreateSummary returns the conversation summary, creating it in status NEW.
func (r *Repository) GetOrCreateSummary(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	e, err := r.summaryRow(r.db.WithContext(ctx), conversationID)
	if err != nil {
		return nil, err
	}
	return mapSummaryFromEntity(e), nil
}

// summaryRow inserts the summary if missing and loads it. The unique index on
// conversation_id makes concurrent creators converge on one row.
func (r *Repository) summaryRow(tx *gorm.DB, conversationID string) (*ConversationSummary, error) {
	now := time.Now()
	e := &ConversationSummary{
		ID:                 newID(),
		ConversationID:     conversationID,
		OrchestratorStatus: string(model.StatusNew),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoNothing: true,
	}).Create(e).Error; err != nil {
		return nil, fmt.Errorf("failed to create summary: %w", err)
	}

	var out ConversationSummary
	if err := tx.Where("conversation_id = ?", conversationID).First(&out).Error; err != nil {
		return nil, notFound(err, "summary for "+conversationID)
	}
	return &out, nil
}

// SaveSummary stores summary content without touching the orchestrator status.
func (r *Repository) SaveSummary(ctx context.Context, summary *model.ConversationSummary) error {
	db := r.db.WithContext(ctx)
	if _, err := r.summaryRow(db, summary.ConversationID); err != nil {
		return err
	}
	err := db.Model(&ConversationSummary{}).
		Where("conversation_id = ?", summary.ConversationID).
		Updates(map[string]interface{}{
			"summary":                 summary.Summary,
			"product_id":              summary.Classification.ProductID,
			"product_name":            summary.Classification.ProductName,
			"product_confidence":      summary.Classification.ProductConfidence,
			"request_type":            summary.Classification.RequestType,
			"request_type_confidence": summary.Classification.RequestTypeConfidence,
			"emotion_level":           summary.EmotionLevel,
			"top_matches":             toJSON(summary.TopMatches),
			"updated_at":              time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// SetOrchestratorStatus sets the conversation's orchestrator status.
func (r *Repository) SetOrchestratorStatus(ctx context.Context, conversationID string, status model.OrchestratorStatus) error {
	db := r.db.WithContext(ctx)
	if _, err := r.summaryRow(db, conversationID); err != nil {
		return err
	}
	err := db.Model(&ConversationSummary{}).
		Where("conversation_id = ?", conversationID).
		Updates(map[string]interface{}{
			"orchestrator_status": string(status),
			"updated_at":          time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to set orchestrator status: %w", err)
	}
	return nil
}

// LatestCaseDemand returns the most recently created demand.
func (r *Repository) LatestCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error) {
	var e CaseDemand
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "case demand for "+conversationID)
	}
	return mapDemandFromEntity(&e), nil
}

// GetOrCreateActiveCaseDemand returns the active demand, creating one if none is active.
// The summary row is locked for the duration so two callers cannot both create.
func (r *Repository) GetOrCreateActiveCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error) {
	var out *model.CaseDemand
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockSummary(tx, r, conversationID); err != nil {
			return err
		}

		var e CaseDemand
		err := tx.Where("conversation_id = ? AND status IN ?", conversationID, activeDemandStatuses).
			Order("created_at DESC").
			First(&e).Error
		if err == nil {
			out = mapDemandFromEntity(&e)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load active case demand: %w", err)
		}

		now := time.Now()
		e = CaseDemand{
			ID:             newID(),
			ConversationID: conversationID,
			Status:         string(model.DemandNotStarted),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&e).Error; err != nil {
			return fmt.Errorf("failed to create case demand: %w", err)
		}
		out = mapDemandFromEntity(&e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockSummary(tx *gorm.DB, r *Repository, conversationID string) error {
	if _, err := r.summaryRow(tx, conversationID); err != nil {
		return err
	}
	var locked ConversationSummary
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conversation_id = ?", conversationID).
		First(&locked).Error; err != nil {
		return notFound(err, "summary for "+conversationID)
	}
	return nil
}

// IncrementDemandInteraction atomically increments the interaction count.
func (r *Repository) IncrementDemandInteraction(ctx context.Context, demandID string) (int, error) {
	return r.increment(ctx, &CaseDemand{}, demandID, "case demand")
}

func (r *Repository) increment(ctx context.Context, table interface{}, id, what string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(table).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"interaction_count": gorm.Expr("interaction_count + 1"),
				"updated_at":        time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to increment %s interaction: %w", what, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
		}
		return tx.Model(table).Where("id = ?", id).Pluck("interaction_count", &count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveCaseDemand stores the demand, leaving the interaction count untouched.
func (r *Repository) SaveCaseDemand(ctx context.Context, demand *model.CaseDemand) error {
	var target interface{}
	if demand.ResolvedTarget != nil {
		target = toJSON(demand.ResolvedTarget)
	}
	res := r.db.WithContext(ctx).
		Model(&CaseDemand{}).
		Where("id = ?", demand.ID).
		Updates(map[string]interface{}{
			"search_results":      toJSON(demand.SearchResults),
			"status":              string(demand.Status),
			"resolved_target":     target,
			"clarifying_question": demand.ClarifyingQuestion,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save case demand: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("case demand %s: %w", demand.ID, store.ErrNotFound)
	}
	return nil
}

// ActiveCaseSolution returns the active solution.
func (r *Repository) ActiveCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error) {
	var e CaseSolution
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status IN ?", conversationID, activeSolutionStatuses).
		Order("created_at DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "active case solution for "+conversationID)
	}
	return mapSolutionFromEntity(&e), nil
}

// LatestCaseSolution returns the most recently created solution.
func (r *Repository) LatestCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error) {
	var e CaseSolution
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "case solution for "+conversationID)
	}
	return mapSolutionFromEntity(&e), nil
}

// GetOrCreateActiveCaseSolution returns the active solution, creating one from seed if none is active.
func (r *Repository) GetOrCreateActiveCaseSolution(ctx context.Context, conversationID string, seed store.SolutionSeed) (*model.CaseSolution, error) {
	var out *model.CaseSolution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockSummary(tx, r, conversationID); err != nil {
			return err
		}

		var e CaseSolution
		err := tx.Where("conversation_id = ? AND status IN ?", conversationID, activeSolutionStatuses).
			Order("created_at DESC").
			First(&e).Error
		if err == nil {
			out = mapSolutionFromEntity(&e)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load active case solution: %w", err)
		}

		now := time.Now()
		e = CaseSolution{
			ID:              newID(),
			ConversationID:  conversationID,
			CaseDemandID:    seed.CaseDemandID,
			ArticleID:       seed.ArticleID,
			ProblemID:       seed.ProblemID,
			RootCauseID:     seed.RootCauseID,
			Status:          string(model.SolutionInProgress),
			CollectedInputs: toJSON(map[string]string{}),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&e).Error; err != nil {
			return fmt.Errorf("failed to create case solution: %w", err)
		}
		out = mapSolutionFromEntity(&e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCaseSolution stores the solution, leaving the interaction count untouched.
func (r *Repository) SaveCaseSolution(ctx context.Context, solution *model.CaseSolution) error {
	res := r.db.WithContext(ctx).
		Model(&CaseSolution{}).
		Where("id = ?", solution.ID).
		Updates(map[string]interface{}{
			"solution_id":       solution.SolutionID,
			"article_id":        solution.ArticleID,
			"problem_id":        solution.ProblemID,
			"root_cause_id":     solution.RootCauseID,
			"status":            string(solution.Status),
			"collected_inputs":  toJSON(solution.CollectedInputs),
			"pending_questions": toJSON(solution.PendingQuestions),
			"updated_at":        time.Now(),
			"resolved_at":       solution.ResolvedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save case solution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("case solution %s: %w", solution.ID, store.ErrNotFound)
	}
	return nil
}

// IncrementSolutionInteraction atomically increments the AI-message interaction count.
func (r *Repository) IncrementSolutionInteraction(ctx context.Context, solutionID string) (int, error) {
	return r.increment(ctx, &CaseSolution{}, solutionID, "case solution")
}

// CreateCaseActions stores new actions; the slice order breaks sequence ties.
func (r *Repository) CreateCaseActions(ctx context.Context, actions []*model.CaseAction) error {
	if len(actions) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]*CaseAction, len(actions))
	for i, a := range actions {
		if a.ID == "" {
			a.ID = newID()
		}
		if a.Status == "" {
			a.Status = model.ActionPending
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		rows[i] = mapActionToEntity(a, i)
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to create case actions: %w", err)
	}
	return nil
}

// ListCaseActions returns the solution's actions by sequence, then creation order.
func (r *Repository) ListCaseActions(ctx context.Context, solutionID string) ([]*model.CaseAction, error) {
	var rows []CaseAction
	err := r.db.WithContext(ctx).
		Where("case_solution_id = ?", solutionID).
		Order("sequence ASC, created_at ASC, position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list case actions: %w", err)
	}
	out := make([]*model.CaseAction, len(rows))
	for i := range rows {
		out[i] = mapActionFromEntity(&rows[i])
	}
	return out, nil
}

// UpdateCaseAction stores the action's status, input, output and timestamps.
func (r *Repository) UpdateCaseAction(ctx context.Context, action *model.CaseAction) error {
	e := mapActionToEntity(action, 0)
	res := r.db.WithContext(ctx).
		Model(&CaseAction{}).
		Where("id = ?", action.ID).
		Updates(map[string]interface{}{
			"status":        e.Status,
			"input":         e.Input,
			"output":        e.Output,
			"error_message": e.ErrorMessage,
			"updated_at":    time.Now(),
			"started_at":    e.StartedAt,
			"completed_at":  e.CompletedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update case action: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("case action %s: %w", action.ID, store.ErrNotFound)
	}
	return nil
}

// CreateSuggestedResponse stores a new response in status pending.
func (r *Repository) CreateSuggestedResponse(ctx context.Context, resp *model.SuggestedResponse) error {
	if resp.ID == "" {
		resp.ID = newID()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	resp.DispatchStatus = model.DispatchPending
	if err := r.db.WithContext(ctx).Create(mapResponseToEntity(resp)).Error; err != nil {
		return fmt.Errorf("failed to create suggested response: %w", err)
	}
	return nil
}

// GetSuggestedResponse retrieves a response by ID.
func (r *Repository) GetSuggestedResponse(ctx context.Context, id string) (*model.SuggestedResponse, error) {
	var e SuggestedResponse
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err, "suggested response "+id)
	}
	return mapResponseFromEntity(&e), nil
}

// MarkSuggestedResponse sets a response's dispatch status.
func (r *Repository) MarkSuggestedResponse(ctx context.Context, id string, status model.DispatchStatus, dispatchErr string) error {
	updates := map[string]interface{}{
		"dispatch_status": string(status),
		"dispatch_error":  optionalString(dispatchErr),
	}
	if status == model.DispatchSent {
		updates["sent_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).
		Model(&SuggestedResponse{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to mark suggested response: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("suggested response %s: %w", id, store.ErrNotFound)
	}
	return nil
}
