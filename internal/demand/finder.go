// Package demand runs the bounded clarification loop that determines what
// the customer needs.
package demand

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/retry"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

const (
	DecisionSelectedIntent    = "selected_intent"
	DecisionNeedClarification = "need_clarification"

	toolItemDetails    = "get_item_details"
	toolSubmitDecision = "submit_decision"
)

var validate = validator.New()

// Input is the orchestrator context of one round.
type Input struct {
	ConversationID string
	EventID        string
	Summary        *model.ConversationSummary
	LastMessage    string
	// Round is the demand interaction count after this event was counted.
	Round int
}

// Result is the outcome of one round. Run never returns an error or panics.
type Result struct {
	Success   bool
	Escalated bool
	Error     string

	// Interrupted is set when ctx ended before the round could finish. The
	// conversation is left as it was so the event can be redelivered.
	Interrupted bool

	// SelectedIntent is set when the demand was identified.
	SelectedIntent bool
	Demand         *model.CaseDemand
	Solution       *model.CaseSolution
	// ResponseID is the clarifying question to dispatch, if any.
	ResponseID string
}

// Store is the persistence the finder needs.
type Store interface {
	store.DemandStore
	store.SolutionStore
	store.ResponseStore
}

// Config holds the finder's limits and texts.
type Config struct {
	Model             string
	MaxTokens         int
	MaxRounds         int
	ToolMaxIterations int
	TopMatches        int
	ApologyMessage    string
	SearchPolicy      retry.Policy
}

// Finder is the Demand Finder sub-orchestrator.
type Finder struct {
	client     llm.Client
	search     search.Client
	prompts    *prompt.Catalog
	store      Store
	escalation escalation.Escalator
	cfg        Config
	log        *logger.Logger
}

// New creates a demand finder.
func New(client llm.Client, sc search.Client, prompts *prompt.Catalog, st Store, esc escalation.Escalator, cfg Config, log *logger.Logger) *Finder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.ToolMaxIterations <= 0 {
		cfg.ToolMaxIterations = 4
	}
	if cfg.TopMatches <= 0 {
		cfg.TopMatches = 5
	}
	if cfg.SearchPolicy.Name == "" {
		cfg.SearchPolicy = retry.Exponential("knowledge-search", 3, 500*time.Millisecond, 5*time.Second)
	}
	cfg.SearchPolicy = cfg.SearchPolicy.WithRetryable(search.IsTransient)

	return &Finder{
		client:     client,
		search:     sc,
		prompts:    prompts,
		store:      st,
		escalation: esc,
		cfg:        cfg,
		log:        log.Named("demand_finder"),
	}
}

type enrichment struct {
	Query       string   `json:"query" validate:"required"`
	Verbatim    string   `json:"verbatim"`
	Variants    []string `json:"variants"`
	Keywords    []string `json:"keywords"`
	ProductName string   `json:"product_name"`
}

type decision struct {
	Decision   string `json:"decision" jsonschema:"required,enum=selected_intent,enum=need_clarification" validate:"required,oneof=selected_intent need_clarification"`
	TargetKind string `json:"target_kind,omitempty" jsonschema:"enum=article,enum=problem,enum=root_cause" validate:"omitempty,oneof=article problem root_cause"`
	TargetID   string `json:"target_id,omitempty" validate:"required_if=Decision selected_intent"`
	Question   string `json:"question,omitempty" validate:"required_if=Decision need_clarification"`
}

type itemDetailsInput struct {
	ID string `json:"id" jsonschema:"required"`
}

// candidates is the read-only lookup behind get_item_details.
type candidates struct {
	order []model.KnowledgeMatch
	byID  map[string]model.KnowledgeMatch
}

func newCandidates(sets ...[]model.KnowledgeMatch) *candidates {
	c := &candidates{byID: map[string]model.KnowledgeMatch{}}
	for _, set := range sets {
		for _, m := range set {
			if _, ok := c.byID[m.ID]; ok || m.ID == "" {
				continue
			}
			c.byID[m.ID] = m
			c.order = append(c.order, m)
		}
	}
	return c
}

func (c *candidates) details(ctx context.Context, in itemDetailsInput) (model.KnowledgeMatch, error) {
	m, ok := c.byID[in.ID]
	if !ok {
		return model.KnowledgeMatch{}, fmt.Errorf("unknown item %q", in.ID)
	}
	return m, nil
}

func (c *candidates) ids() []string {
	out := make([]string, len(c.order))
	for i, m := range c.order {
		out[i] = m.ID
	}
	return out
}

// Run executes one clarification round.
func (f *Finder) Run(ctx context.Context, in Input) (res Result) {
	log := f.log.WithConversation(in.ConversationID).With(zap.Int("round", in.Round))

	defer func() {
		if r := recover(); r != nil {
			log.Error("demand finder panicked", zap.Any("panic", r))
			res = f.escalate(ctx, in, escalation.ReasonUnexpected, model.DemandError, log)
		}
	}()

	demand, err := f.store.GetOrCreateActiveCaseDemand(ctx, in.ConversationID)
	if err != nil {
		log.Error("failed to load case demand", zap.Error(err))
		return Result{Error: err.Error()}
	}
	log = log.With(zap.String("case_demand_id", demand.ID))

	enriched, err := f.enrich(ctx, in)
	if err != nil {
		log.Warn("enrichment failed", zap.Error(err))
		return f.escalate(ctx, in, escalation.ReasonEnrichmentFailed, model.DemandError, log)
	}

	query := search.Query{
		Text:               enriched.Query,
		TextVerbatim:       enriched.Verbatim,
		NormalizedVariants: enriched.Variants,
		Keywords:           enriched.Keywords,
		ProductName:        enriched.ProductName,
		ProductConfidence:  in.Summary.Classification.ProductConfidence,
		Limit:              f.cfg.TopMatches * 2,
	}
	if query.TextVerbatim == "" {
		query.TextVerbatim = in.LastMessage
	}
	if query.ProductName == "" {
		query.ProductName = in.Summary.Classification.ProductName
	}

	found := retry.Do(ctx, f.cfg.SearchPolicy, log, func(ctx context.Context, attempt int) ([]search.Result, error) {
		return f.search.Search(ctx, query)
	})
	if !found.OK() {
		log.Warn("knowledge search exhausted", zap.Int("attempts", found.Attempts), zap.Error(found.Err))
		return f.escalate(ctx, in, escalation.ReasonSearchFailed, model.DemandNotFound, log)
	}

	demand.SearchResults = make([]model.KnowledgeMatch, 0, len(found.Value))
	for _, r := range found.Value {
		demand.SearchResults = append(demand.SearchResults, r.Match())
	}
	demand.Status = model.DemandInProgress
	if err := f.store.SaveCaseDemand(ctx, demand); err != nil {
		log.Error("failed to persist search results", zap.Error(err))
		return Result{Error: err.Error()}
	}

	pool := newCandidates(demand.SearchResults, in.Summary.TopMatches)
	dec, err := f.decide(ctx, in, pool)
	if err != nil {
		log.Warn("no demand decision", zap.Error(err))
		return f.escalate(ctx, in, escalation.ReasonPromptCallFailed, model.DemandError, log)
	}

	switch dec.Decision {
	case DecisionSelectedIntent:
		return f.selectIntent(ctx, demand, dec, log)
	default:
		return f.clarify(ctx, in, demand, dec, pool, log)
	}
}

func (f *Finder) enrich(ctx context.Context, in Input) (*enrichment, error) {
	rendered, err := f.prompts.Render(prompt.Enrichment, prompt.Vars{
		"summary":      summaryText(in),
		"last_message": in.LastMessage,
		"product_name": in.Summary.Classification.ProductName,
	})
	if err != nil {
		return nil, err
	}

	req := llm.SingleTurn(rendered.System, rendered.User, f.cfg.MaxTokens)
	req.Model = f.cfg.Model
	resp, err := f.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var out enrichment
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrNoDecision, err)
	}
	return &out, nil
}

func (f *Finder) decide(ctx context.Context, in Input, pool *candidates) (*decision, error) {
	listing, err := json.Marshal(pool.order)
	if err != nil {
		return nil, err
	}
	classification, err := json.Marshal(in.Summary.Classification)
	if err != nil {
		return nil, err
	}

	rendered, err := f.prompts.Render(prompt.DemandDecision, prompt.Vars{
		"summary":        summaryText(in),
		"classification": string(classification),
		"last_message":   in.LastMessage,
		"candidates":     string(listing),
		"round":          strconv.Itoa(in.Round),
		"max_rounds":     strconv.Itoa(f.cfg.MaxRounds),
	})
	if err != nil {
		return nil, err
	}

	resp, err := llm.CompleteWithTools(ctx, f.client, llm.ToolRequest{
		System:    rendered.System,
		User:      rendered.User,
		Model:     f.cfg.Model,
		MaxTokens: f.cfg.MaxTokens,
		Tools: []llm.Tool{
			llm.NewTool(toolItemDetails, "Return the full record of one candidate by id.", pool.details),
			llm.NewFinalTool[decision](toolSubmitDecision, "Submit the final decision for this round."),
		},
		MaxIterations: f.cfg.ToolMaxIterations,
		FinalTool:     toolSubmitDecision,
	})
	if err != nil {
		return nil, err
	}

	var dec decision
	if err := json.Unmarshal(resp.FinalArgs, &dec); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrNoDecision, err)
	}
	if err := validate.Struct(&dec); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrNoDecision, err)
	}
	if dec.Decision == DecisionSelectedIntent {
		target, ok := pool.byID[dec.TargetID]
		if !ok {
			return nil, fmt.Errorf("%w: target %q is not a candidate", llm.ErrNoDecision, dec.TargetID)
		}
		if dec.TargetKind == "" {
			dec.TargetKind = string(target.Kind)
		}
	}
	return &dec, nil
}

func (f *Finder) selectIntent(ctx context.Context, demand *model.CaseDemand, dec *decision, log *logger.Logger) Result {
	target := &model.DemandTarget{Kind: model.KnowledgeKind(dec.TargetKind), ID: dec.TargetID}
	demand.Status = model.DemandFound
	demand.ResolvedTarget = target
	demand.ClarifyingQuestion = ""
	if err := f.store.SaveCaseDemand(ctx, demand); err != nil {
		log.Error("failed to record resolved demand", zap.Error(err))
		return Result{Error: err.Error()}
	}

	seed := store.SolutionSeed{CaseDemandID: demand.ID}
	switch target.Kind {
	case model.KnowledgeProblem:
		seed.ProblemID = target.ID
	case model.KnowledgeRootCause:
		seed.RootCauseID = target.ID
	default:
		seed.ArticleID = target.ID
	}
	solution, err := f.store.GetOrCreateActiveCaseSolution(ctx, demand.ConversationID, seed)
	if err != nil {
		log.Error("failed to open case solution", zap.Error(err))
		return Result{Error: err.Error(), Demand: demand}
	}

	log.Info("demand identified",
		zap.String("target_kind", dec.TargetKind),
		zap.String("target_id", dec.TargetID),
		zap.String("case_solution_id", solution.ID),
	)
	return Result{Success: true, SelectedIntent: true, Demand: demand, Solution: solution}
}

func (f *Finder) clarify(ctx context.Context, in Input, demand *model.CaseDemand, dec *decision, pool *candidates, log *logger.Logger) Result {
	demand.ClarifyingQuestion = dec.Question
	if err := f.store.SaveCaseDemand(ctx, demand); err != nil {
		log.Error("failed to record clarifying question", zap.Error(err))
		return Result{Error: err.Error()}
	}

	resp := &model.SuggestedResponse{
		ConversationID: in.ConversationID,
		TriggerEventID: in.EventID,
		Text:           dec.Question,
		Source:         "demand_finder",
		KnowledgeItems: pool.ids(),
	}
	if err := f.store.CreateSuggestedResponse(ctx, resp); err != nil {
		log.Error("failed to persist clarifying question", zap.Error(err))
		return Result{Error: err.Error(), Demand: demand}
	}

	log.Info("asking customer for clarification", zap.String("suggested_response_id", resp.ID))
	return Result{Success: true, Demand: demand, ResponseID: resp.ID}
}

func (f *Finder) escalate(ctx context.Context, in Input, reason escalation.Reason, status model.DemandStatus, log *logger.Logger) Result {
	if err := ctx.Err(); err != nil {
		log.Warn("round interrupted, not escalating", zap.String("reason", reason.String()), zap.Error(err))
		return Result{Interrupted: true, Error: err.Error()}
	}
	_, err := f.escalation.Escalate(ctx, in.ConversationID, reason, escalation.Options{
		EventID:      in.EventID,
		Message:      f.cfg.ApologyMessage,
		DemandStatus: status,
	})
	if err != nil {
		log.Error("escalation failed", zap.String("reason", reason.String()), zap.Error(err))
		return Result{Error: fmt.Sprintf("%s: %v", reason, err)}
	}
	return Result{Escalated: true, Error: reason.String()}
}

func summaryText(in Input) string {
	if in.Summary.Summary != "" {
		return in.Summary.Summary
	}
	return in.LastMessage
}
