package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

type rankedItem struct {
	ID    string  `json:"id" validate:"required"`
	Score float64 `json:"score" validate:"gte=0,lte=1"`
}

type rankingOutput struct {
	Ranked []rankedItem `json:"ranked" validate:"dive"`
}

// RankingAgent searches the knowledge corpus and re-ranks candidates.
type RankingAgent struct {
	client  llm.Client
	search  search.Client
	prompts *prompt.Catalog
	store   store.SummaryStore
	cfg     Config
	log     *logger.Logger
}

// NewRankingAgent creates a search and ranking agent.
func NewRankingAgent(client llm.Client, sc search.Client, prompts *prompt.Catalog, st store.SummaryStore, cfg Config, log *logger.Logger) *RankingAgent {
	return &RankingAgent{client: client, search: sc, prompts: prompts, store: st, cfg: cfg.withDefaults(), log: log.Named("ranking_agent")}
}

// Run searches for candidates, orders them by embedding similarity when the
// provider supports it, asks the model to re-rank and caches the top matches
// on the summary. No results is not an error.
func (a *RankingAgent) Run(ctx context.Context, summary *model.ConversationSummary, lastMessage string) ([]model.KnowledgeMatch, error) {
	log := a.log.WithConversation(summary.ConversationID)

	text := summary.Summary
	if text == "" {
		text = lastMessage
	}
	results, err := a.search.Search(ctx, search.Query{
		Text:              text,
		TextVerbatim:      lastMessage,
		ProductName:       summary.Classification.ProductName,
		ProductConfidence: summary.Classification.ProductConfidence,
		Limit:             a.cfg.TopMatches * 2,
	})
	if err != nil {
		log.Warn("knowledge search failed", zap.Error(err))
		return nil, err
	}

	matches := make([]model.KnowledgeMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, r.Match())
	}

	if len(matches) > 1 {
		matches = a.preRank(ctx, text, matches, log)
		ranked, err := a.rerank(ctx, text, matches)
		if err != nil {
			log.Warn("re-ranking failed, keeping search order", zap.Error(err))
		} else {
			matches = ranked
		}
	}
	if len(matches) > a.cfg.TopMatches {
		matches = matches[:a.cfg.TopMatches]
	}

	next := summary.Clone()
	next.TopMatches = matches
	if err := a.store.SaveSummary(ctx, next); err != nil {
		return nil, err
	}
	*summary = *next

	log.Debug("knowledge matches ranked", zap.Int("candidates", len(results)), zap.Int("kept", len(matches)))
	return matches, nil
}

// preRank orders matches by cosine similarity to the query embedding. Any
// embedding failure leaves the order unchanged.
func (a *RankingAgent) preRank(ctx context.Context, text string, matches []model.KnowledgeMatch, log *logger.Logger) []model.KnowledgeMatch {
	query, err := a.client.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, llm.ErrEmbeddingsUnsupported) {
			log.Warn("query embedding failed", zap.Error(err))
		}
		return matches
	}

	similarity := make(map[string]float64, len(matches))
	for _, m := range matches {
		vec, err := a.client.Embed(ctx, m.Title+"\n"+m.Snippet)
		if err != nil {
			log.Warn("candidate embedding failed", zap.String("item_id", m.ID), zap.Error(err))
			return matches
		}
		similarity[m.ID] = cosine(query, vec)
	}

	out := append([]model.KnowledgeMatch(nil), matches...)
	sort.SliceStable(out, func(i, j int) bool {
		return similarity[out[i].ID] > similarity[out[j].ID]
	})
	return out
}

func (a *RankingAgent) rerank(ctx context.Context, text string, matches []model.KnowledgeMatch) ([]model.KnowledgeMatch, error) {
	candidates, err := json.Marshal(matches)
	if err != nil {
		return nil, err
	}

	var out rankingOutput
	if err := ask(ctx, a.client, a.prompts, a.cfg, prompt.Ranking, prompt.Vars{
		"summary":    text,
		"candidates": string(candidates),
	}, &out); err != nil {
		return nil, err
	}

	byID := make(map[string]model.KnowledgeMatch, len(matches))
	for _, m := range matches {
		byID[m.ID] = m
	}
	ranked := make([]model.KnowledgeMatch, 0, len(out.Ranked))
	for _, item := range out.Ranked {
		m, ok := byID[item.ID]
		if !ok {
			continue
		}
		delete(byID, item.ID)
		m.Score = item.Score
		ranked = append(ranked, m)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
