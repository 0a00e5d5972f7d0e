// Package search is the client of the external knowledge search and remediation service.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

var (
	// ErrTransient marks failures worth retrying: network errors and 5xx responses.
	ErrTransient = errors.New("search service unavailable")
	// ErrNoSolution is returned when no solution resolves from the given identifiers.
	ErrNoSolution = errors.New("no solution for identifiers")
)

// Query is a knowledge search request.
type Query struct {
	Text               string   `json:"text"`
	TextVerbatim       string   `json:"text_verbatim,omitempty"`
	NormalizedVariants []string `json:"normalized_variants,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	ProductName        string   `json:"product_name,omitempty"`
	ProductConfidence  float64  `json:"product_confidence,omitempty"`
	Limit              int      `json:"limit,omitempty"`
}

// Result is one ranked knowledge item.
type Result struct {
	ID      string              `json:"id"`
	Kind    model.KnowledgeKind `json:"kind"`
	Title   string              `json:"title"`
	Snippet string              `json:"snippet,omitempty"`
	Score   float64             `json:"score"`
}

// Match converts the result into the orchestrator's knowledge match.
func (r Result) Match() model.KnowledgeMatch {
	return model.KnowledgeMatch{ID: r.ID, Kind: r.Kind, Title: r.Title, Snippet: r.Snippet, Score: r.Score}
}

// ResolveRequest identifies what a solution should be resolved from.
type ResolveRequest struct {
	ArticleID   string `json:"article_id,omitempty"`
	ProblemID   string `json:"problem_id,omitempty"`
	RootCauseID string `json:"root_cause_id,omitempty"`
}

// Empty reports whether no identifier is set.
func (r ResolveRequest) Empty() bool {
	return r.ArticleID == "" && r.ProblemID == "" && r.RootCauseID == ""
}

// SolutionAction is one action declared by a resolved solution.
type SolutionAction struct {
	ID          string                   `json:"id"`
	Sequence    *int                     `json:"sequence,omitempty"`
	Type        string                   `json:"type"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Message     string                   `json:"message,omitempty"`
	InputField  string                   `json:"input_field,omitempty"`
	Variations  []model.MessageVariation `json:"variations,omitempty"`
}

// Definition converts the action into a case action definition.
func (a SolutionAction) Definition() model.ActionDefinition {
	return model.ActionDefinition{
		Type:        a.Type,
		Name:        a.Name,
		Description: a.Description,
		Message:     a.Message,
		InputField:  a.InputField,
		Variations:  a.Variations,
	}
}

// Solution is a resolved remediation plan.
type Solution struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Actions []SolutionAction `json:"actions"`
}

// Client queries the knowledge service. It never retries; callers apply a retry policy.
type Client interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	ResolveSolution(ctx context.Context, req ResolveRequest) (*Solution, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls the knowledge service over HTTP.
type HTTPClient struct {
	http *resty.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates the client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}

	return &HTTPClient{http: c}
}

type searchResponse struct {
	Results []Result `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Search returns knowledge items ranked by match score. No results is not an error.
func (c *HTTPClient) Search(ctx context.Context, q Query) ([]Result, error) {
	var out searchResponse
	var apiErr errorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(q).
		SetResult(&out).
		SetError(&apiErr).
		Post("/search")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if resp.IsError() {
		return nil, statusError("search", resp.StatusCode(), apiErr.Error)
	}
	return out.Results, nil
}

// ResolveSolution resolves a remediation plan from the given identifiers.
func (c *HTTPClient) ResolveSolution(ctx context.Context, req ResolveRequest) (*Solution, error) {
	var out Solution
	var apiErr errorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/solutions/resolve")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNoSolution
	}
	if resp.IsError() {
		return nil, statusError("resolve solution", resp.StatusCode(), apiErr.Error)
	}
	return &out, nil
}

func statusError(op string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s returned %d: %s", ErrTransient, op, status, msg)
	}
	return fmt.Errorf("%s returned %d: %s", op, status, msg)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
