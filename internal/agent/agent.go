// Package agent holds the stateless AI agents that refresh a conversation's
// summary, classification and ranked knowledge matches.
package agent

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
)

var validate = validator.New()

// Config is shared by all agents.
type Config struct {
	Model     string
	MaxTokens int
	// TopMatches bounds the ranked matches cached on the summary.
	TopMatches int
	// KnownProducts is offered to the classifier as a hint.
	KnownProducts []string
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.TopMatches <= 0 {
		c.TopMatches = 5
	}
	return c
}

// ask renders a catalog prompt, runs a single completion and decodes the
// validated JSON answer into out.
func ask(ctx context.Context, client llm.Client, prompts *prompt.Catalog, cfg Config, name string, vars prompt.Vars, out any) error {
	rendered, err := prompts.Render(name, vars)
	if err != nil {
		return err
	}

	req := llm.SingleTurn(rendered.System, rendered.User, cfg.MaxTokens)
	req.Model = cfg.Model
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("%s completion failed: %w", name, err)
	}

	if err := llm.DecodeJSON(resp.Content, out); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%s: %w: %v", name, llm.ErrNoDecision, err)
	}
	return nil
}
