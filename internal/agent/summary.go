package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

type summaryOutput struct {
	Summary      string `json:"summary" validate:"required"`
	EmotionLevel int    `json:"emotion_level" validate:"gte=0,lte=5"`
}

// SummaryAgent refreshes the running conversation summary.
type SummaryAgent struct {
	client  llm.Client
	prompts *prompt.Catalog
	store   store.SummaryStore
	cfg     Config
	log     *logger.Logger
}

// NewSummaryAgent creates a summary agent.
func NewSummaryAgent(client llm.Client, prompts *prompt.Catalog, st store.SummaryStore, cfg Config, log *logger.Logger) *SummaryAgent {
	return &SummaryAgent{client: client, prompts: prompts, store: st, cfg: cfg.withDefaults(), log: log.Named("summary_agent")}
}

// Run folds lastMessage into the summary and persists it. On failure summary
// is left untouched so callers keep the last persisted value.
func (a *SummaryAgent) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) error {
	var out summaryOutput
	err := ask(ctx, a.client, a.prompts, a.cfg, prompt.Summary, prompt.Vars{
		"previous_summary": summary.Summary,
		"last_message":     lastMessage,
	}, &out)
	if err != nil {
		a.log.WithConversation(summary.ConversationID).Warn("summary agent failed", zap.Error(err))
		return err
	}

	next := summary.Clone()
	next.Summary = out.Summary
	next.EmotionLevel = out.EmotionLevel
	if err := a.store.SaveSummary(ctx, next); err != nil {
		return err
	}
	*summary = *next
	return nil
}
