package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

type classificationOutput struct {
	ProductID             string  `json:"product_id"`
	ProductName           string  `json:"product_name"`
	ProductConfidence     float64 `json:"product_confidence" validate:"gte=0,lte=1"`
	RequestType           string  `json:"request_type"`
	RequestTypeConfidence float64 `json:"request_type_confidence" validate:"gte=0,lte=1"`
}

// ClassificationAgent infers product and request type.
type ClassificationAgent struct {
	client  llm.Client
	prompts *prompt.Catalog
	store   store.SummaryStore
	cfg     Config
	log     *logger.Logger
}

// NewClassificationAgent creates a classification agent.
func NewClassificationAgent(client llm.Client, prompts *prompt.Catalog, st store.SummaryStore, cfg Config, log *logger.Logger) *ClassificationAgent {
	return &ClassificationAgent{client: client, prompts: prompts, store: st, cfg: cfg.withDefaults(), log: log.Named("classification_agent")}
}

// Run classifies the conversation and persists the result. On failure the
// prior classification is kept.
func (a *ClassificationAgent) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	text := summary.Summary
	if text == "" {
		text = lastMessage
	}

	var out classificationOutput
	err := ask(ctx, a.client, a.prompts, a.cfg, prompt.Classification, prompt.Vars{
		"summary":        text,
		"last_message":   lastMessage,
		"known_products": strings.Join(a.cfg.KnownProducts, "\n"),
	}, &out)
	if err != nil {
		a.log.WithConversation(summary.ConversationID).Warn("classification agent failed", zap.Error(err))
		return err
	}

	next := summary.Clone()
	next.Classification = model.Classification(out)
	if err := a.store.SaveSummary(ctx, next); err != nil {
		return err
	}
	*summary = *next

	a.log.WithConversation(summary.ConversationID).Debug("conversation classified",
		zap.String("product_id", out.ProductID),
		zap.Float64("product_confidence", out.ProductConfidence),
		zap.String("request_type", out.RequestType),
		zap.Float64("request_type_confidence", out.RequestTypeConfidence),
	)
	return nil
}
