package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

// MemoryStore is an in-process Store. Records are copied on the way in and out
// so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]*model.Conversation
	summaries     map[string]*model.ConversationSummary // by conversation id
	demands       map[string]*model.CaseDemand
	solutions     map[string]*model.CaseSolution
	actions       map[string]*model.CaseAction
	responses     map[string]*model.SuggestedResponse

	// insertion order, used for "latest" lookups and tie breaks
	order   map[string]int64
	counter int64

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		summaries:     make(map[string]*model.ConversationSummary),
		demands:       make(map[string]*model.CaseDemand),
		solutions:     make(map[string]*model.CaseSolution),
		actions:       make(map[string]*model.CaseAction),
		responses:     make(map[string]*model.SuggestedResponse),
		order:         make(map[string]int64),
		now:           time.Now,
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *MemoryStore) track(id string) {
	s.counter++
	s.order[id] = s.counter
}

// GetConversation retrieves a conversation by ID.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv.Clone(), nil
}

// UpsertConversation creates or replaces a conversation.
func (s *MemoryStore) UpsertConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := conv.Clone()
	if c.ID == "" {
		c.ID = newID()
		conv.ID = c.ID
	}
	if existing, ok := s.conversations[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.conversations[c.ID] = c
	return nil
}

// SetConversationOwnership sets the handler and automation flag.
func (s *MemoryStore) SetConversationOwnership(ctx context.Context, id string, handler model.Handler, automationEnabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	conv.CurrentHandler = handler
	conv.AutomationEnabled = automationEnabled
	conv.UpdatedAt = s.now()
	return nil
}

// GetOrCreateSummary returns the conversation summary, creating it in status NEW.
func (s *MemoryStore) GetOrCreateSummary(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.summaryLocked(conversationID).Clone(), nil
}

func (s *MemoryStore) summaryLocked(conversationID string) *model.ConversationSummary {
	if sum, ok := s.summaries[conversationID]; ok {
		return sum
	}
	now := s.now()
	sum := &model.ConversationSummary{
		ID:                 newID(),
		ConversationID:     conversationID,
		OrchestratorStatus: model.StatusNew,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.summaries[conversationID] = sum
	return sum
}

// SaveSummary stores summary content. The orchestrator status is left untouched;
// it only changes through SetOrchestratorStatus.
func (s *MemoryStore) SaveSummary(ctx context.Context, summary *model.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.summaryLocked(summary.ConversationID)
	existing.Summary = summary.Summary
	existing.Classification = summary.Classification
	existing.EmotionLevel = summary.EmotionLevel
	existing.TopMatches = append([]model.KnowledgeMatch(nil), summary.TopMatches...)
	existing.UpdatedAt = s.now()
	return nil
}

// SetOrchestratorStatus sets the conversation's orchestrator status.
func (s *MemoryStore) SetOrchestratorStatus(ctx context.Context, conversationID string, status model.OrchestratorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summaryLocked(conversationID)
	sum.OrchestratorStatus = status
	sum.UpdatedAt = s.now()
	return nil
}

// LatestCaseDemand returns the most recently created demand.
func (s *MemoryStore) LatestCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.CaseDemand
	for _, d := range s.demands {
		if d.ConversationID != conversationID {
			continue
		}
		if latest == nil || s.order[d.ID] > s.order[latest.ID] {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("case demand for %s: %w", conversationID, ErrNotFound)
	}
	return latest.Clone(), nil
}

// GetOrCreateActiveCaseDemand returns the active demand, creating one if none is active.
func (s *MemoryStore) GetOrCreateActiveCaseDemand(ctx context.Context, conversationID string) (*model.CaseDemand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.demands {
		if d.ConversationID == conversationID && d.Status.IsActive() {
			return d.Clone(), nil
		}
	}

	now := s.now()
	d := &model.CaseDemand{
		ID:             newID(),
		ConversationID: conversationID,
		Status:         model.DemandNotStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.demands[d.ID] = d
	s.track(d.ID)
	return d.Clone(), nil
}

// IncrementDemandInteraction increments the demand's interaction count.
func (s *MemoryStore) IncrementDemandInteraction(ctx context.Context, demandID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.demands[demandID]
	if !ok {
		return 0, fmt.Errorf("case demand %s: %w", demandID, ErrNotFound)
	}
	d.InteractionCount++
	d.UpdatedAt = s.now()
	return d.InteractionCount, nil
}

// SaveCaseDemand stores the demand. The interaction count is owned by
// IncrementDemandInteraction and is not overwritten.
func (s *MemoryStore) SaveCaseDemand(ctx context.Context, demand *model.CaseDemand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.demands[demand.ID]
	if !ok {
		return fmt.Errorf("case demand %s: %w", demand.ID, ErrNotFound)
	}
	d := demand.Clone()
	d.ConversationID = existing.ConversationID
	d.InteractionCount = existing.InteractionCount
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = s.now()
	s.demands[d.ID] = d
	return nil
}

// ActiveCaseSolution returns the active solution.
func (s *MemoryStore) ActiveCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sol := s.activeSolutionLocked(conversationID); sol != nil {
		return sol.Clone(), nil
	}
	return nil, fmt.Errorf("active case solution for %s: %w", conversationID, ErrNotFound)
}

func (s *MemoryStore) activeSolutionLocked(conversationID string) *model.CaseSolution {
	for _, sol := range s.solutions {
		if sol.ConversationID == conversationID && sol.Status.IsActive() {
			return sol
		}
	}
	return nil
}

// LatestCaseSolution returns the most recently created solution.
func (s *MemoryStore) LatestCaseSolution(ctx context.Context, conversationID string) (*model.CaseSolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.CaseSolution
	for _, sol := range s.solutions {
		if sol.ConversationID != conversationID {
			continue
		}
		if latest == nil || s.order[sol.ID] > s.order[latest.ID] {
			latest = sol
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("case solution for %s: %w", conversationID, ErrNotFound)
	}
	return latest.Clone(), nil
}

// GetOrCreateActiveCaseSolution returns the active solution, creating one from seed if none is active.
func (s *MemoryStore) GetOrCreateActiveCaseSolution(ctx context.Context, conversationID string, seed SolutionSeed) (*model.CaseSolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sol := s.activeSolutionLocked(conversationID); sol != nil {
		return sol.Clone(), nil
	}

	now := s.now()
	sol := &model.CaseSolution{
		ID:              newID(),
		ConversationID:  conversationID,
		CaseDemandID:    seed.CaseDemandID,
		ArticleID:       seed.ArticleID,
		ProblemID:       seed.ProblemID,
		RootCauseID:     seed.RootCauseID,
		Status:          model.SolutionInProgress,
		CollectedInputs: map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.solutions[sol.ID] = sol
	s.track(sol.ID)
	return sol.Clone(), nil
}

// SaveCaseSolution stores the solution. The interaction count is owned by
// IncrementSolutionInteraction and is not overwritten.
func (s *MemoryStore) SaveCaseSolution(ctx context.Context, solution *model.CaseSolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.solutions[solution.ID]
	if !ok {
		return fmt.Errorf("case solution %s: %w", solution.ID, ErrNotFound)
	}
	sol := solution.Clone()
	sol.ConversationID = existing.ConversationID
	sol.InteractionCount = existing.InteractionCount
	sol.CreatedAt = existing.CreatedAt
	sol.UpdatedAt = s.now()
	s.solutions[sol.ID] = sol
	return nil
}

// IncrementSolutionInteraction increments the solution's AI-message interaction count.
func (s *MemoryStore) IncrementSolutionInteraction(ctx context.Context, solutionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sol, ok := s.solutions[solutionID]
	if !ok {
		return 0, fmt.Errorf("case solution %s: %w", solutionID, ErrNotFound)
	}
	sol.InteractionCount++
	sol.UpdatedAt = s.now()
	return sol.InteractionCount, nil
}

// CreateCaseActions stores new actions in the given order.
func (s *MemoryStore) CreateCaseActions(ctx context.Context, actions []*model.CaseAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, a := range actions {
		if _, ok := s.solutions[a.CaseSolutionID]; !ok {
			return fmt.Errorf("case solution %s: %w", a.CaseSolutionID, ErrNotFound)
		}
	}
	for _, a := range actions {
		if a.ID == "" {
			a.ID = newID()
		}
		if a.Status == "" {
			a.Status = model.ActionPending
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		s.actions[a.ID] = a.Clone()
		s.track(a.ID)
	}
	return nil
}

// ListCaseActions returns the solution's actions by sequence, then creation order.
func (s *MemoryStore) ListCaseActions(ctx context.Context, solutionID string) ([]*model.CaseAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.CaseAction
	for _, a := range s.actions {
		if a.CaseSolutionID == solutionID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

// UpdateCaseAction stores the action's status, input, output and timestamps.
func (s *MemoryStore) UpdateCaseAction(ctx context.Context, action *model.CaseAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.actions[action.ID]
	if !ok {
		return fmt.Errorf("case action %s: %w", action.ID, ErrNotFound)
	}
	a := action.Clone()
	a.CaseSolutionID = existing.CaseSolutionID
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = s.now()
	s.actions[a.ID] = a
	return nil
}

// CreateSuggestedResponse stores a new response in status pending.
func (s *MemoryStore) CreateSuggestedResponse(ctx context.Context, resp *model.SuggestedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.ID == "" {
		resp.ID = newID()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = s.now()
	}
	resp.DispatchStatus = model.DispatchPending
	s.responses[resp.ID] = resp.Clone()
	s.track(resp.ID)
	return nil
}

// GetSuggestedResponse retrieves a response by ID.
func (s *MemoryStore) GetSuggestedResponse(ctx context.Context, id string) (*model.SuggestedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.responses[id]
	if !ok {
		return nil, fmt.Errorf("suggested response %s: %w", id, ErrNotFound)
	}
	return resp.Clone(), nil
}

// MarkSuggestedResponse sets a response's dispatch status.
func (s *MemoryStore) MarkSuggestedResponse(ctx context.Context, id string, status model.DispatchStatus, dispatchErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.responses[id]
	if !ok {
		return fmt.Errorf("suggested response %s: %w", id, ErrNotFound)
	}
	resp.DispatchStatus = status
	resp.DispatchError = dispatchErr
	if status == model.DispatchSent {
		now := s.now()
		resp.SentAt = &now
	}
	return nil
}

// ListSuggestedResponses returns the conversation's responses in creation order.
func (s *MemoryStore) ListSuggestedResponses(conversationID string) []*model.SuggestedResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SuggestedResponse
	for _, r := range s.responses {
		if r.ConversationID == conversationID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

// CountCaseDemands returns how many demands the conversation has.
func (s *MemoryStore) CountCaseDemands(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.demands {
		if d.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// CountCaseSolutions returns how many solutions the conversation has.
func (s *MemoryStore) CountCaseSolutions(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sol := range s.solutions {
		if sol.ConversationID == conversationID {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
