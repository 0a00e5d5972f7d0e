package solution

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
)

const (
	sourceVariation = "variation"
	sourceAI        = "ai"
	sourceTemplate  = "template"
)

var errNoMessage = errors.New("action has nothing to say")

// compose picks the outbound text of a send or ask action: the first message
// variation whose conditions all hold, else an AI message, else the static
// message of the action.
func (p *Provider) compose(ctx context.Context, t *turn, a *model.CaseAction) (string, string, error) {
	facts := profileFacts(t.conv, t.solution)
	for _, v := range a.Definition.Variations {
		if v.Text != "" && conditionsHold(v.Conditions, facts) {
			return v.Text, sourceVariation, nil
		}
	}

	instruction := firstNonEmpty(a.Definition.Message, a.Definition.Description, a.Definition.Name)
	if instruction == "" {
		return "", "", errNoMessage
	}

	text, err := p.generate(ctx, t, instruction)
	if err == nil {
		return text, sourceAI, nil
	}
	if a.Definition.Message != "" {
		t.log.Warn("message generation failed, using static message", zap.Error(err))
		return a.Definition.Message, sourceTemplate, nil
	}
	return "", "", err
}

func (p *Provider) generate(ctx context.Context, t *turn, instruction string) (string, error) {
	summary := ""
	if t.in.Summary != nil {
		summary = t.in.Summary.Summary
	}
	rendered, err := p.prompts.Render(prompt.CustomerMessage, prompt.Vars{
		"instruction": instruction,
		"summary":     summary,
	})
	if err != nil {
		return "", err
	}

	req := llm.SingleTurn(rendered.System, rendered.User, p.cfg.MaxTokens)
	req.Model = p.cfg.Model
	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", llm.ErrNoDecision
	}
	return text, nil
}

// profileFacts merges the customer profile with inputs collected so far.
func profileFacts(conv *model.Conversation, sol *model.CaseSolution) map[string]string {
	facts := make(map[string]string, len(conv.CustomerProfile)+len(sol.CollectedInputs))
	for k, v := range conv.CustomerProfile {
		facts[k] = v
	}
	for k, v := range sol.CollectedInputs {
		facts[strings.TrimPrefix(k, "profile.")] = v
	}
	return facts
}

func conditionsHold(conditions, facts map[string]string) bool {
	for k, want := range conditions {
		if !strings.EqualFold(facts[k], want) {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
