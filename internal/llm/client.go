// Package llm provides the AI inference client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmbeddingsUnsupported is returned by providers without an embeddings endpoint.
	ErrEmbeddingsUnsupported = errors.New("embeddings not supported by provider")
	// ErrNoDecision is returned when a response carries no usable decision.
	ErrNoDecision = errors.New("no decision in model response")
	// ErrMaxIterations is returned when a tool loop ends without the final tool.
	ErrMaxIterations = errors.New("tool loop reached max iterations")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	System      string
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Embed returns the embedding vector of the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Options configures a provider client.
type Options struct {
	APIKey string
	Model  string
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(opts.APIKey, opts.Model)
	case ProviderOpenAI:
		return NewOpenAIClient(opts.APIKey, opts.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// SingleTurn builds a request with one user message.
func SingleTurn(system, user string, maxTokens int) *CompletionRequest {
	return &CompletionRequest{
		System:    system,
		Messages:  []ChatMessage{{Role: RoleUser, Content: user}},
		MaxTokens: maxTokens,
	}
}
