package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// ToolHandler runs a non-final tool with raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one entry of a tool dispatch table.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	handler ToolHandler
	final   bool
}

// IsFinal reports whether calling the tool ends the loop.
func (t Tool) IsFinal() bool {
	return t.final
}

// NewTool builds a tool whose input is decoded into In before fn runs.
func NewTool[In any, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schemaFor[In](),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// NewFinalTool builds the tool that ends the loop. Its arguments are the loop result.
func NewFinalTool[In any](name, description string) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schemaFor[In](),
		final:       true,
	}
}

func schemaFor[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	var zero T
	return r.Reflect(&zero)
}

// ToolRequest is a bounded tool-calling request.
type ToolRequest struct {
	System        string
	User          string
	Model         string
	MaxTokens     int
	Tools         []Tool
	MaxIterations int
	FinalTool     string
}

// ToolCall is one tool invocation made by the model.
type ToolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResponse is the outcome of a tool loop.
type ToolResponse struct {
	Text       string
	FinalArgs  json.RawMessage
	Calls      []ToolCall
	Iterations int
	TokensIn   int
	TokensOut  int
}

// CompleteWithTools runs a tool loop over Complete. Each turn the model answers
// with one JSON tool call; non-final tools are dispatched through the table and
// their result fed back, until the final tool is called or iterations run out.
func CompleteWithTools(ctx context.Context, client Client, req ToolRequest) (*ToolResponse, error) {
	table := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		table[t.Name] = t
	}
	if _, ok := table[req.FinalTool]; !ok {
		return nil, fmt.Errorf("final tool %q is not in the tool table", req.FinalTool)
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	system, err := toolSystemPrompt(req)
	if err != nil {
		return nil, err
	}

	out := &ToolResponse{}
	messages := []ChatMessage{{Role: RoleUser, Content: req.User}}

	for out.Iterations < maxIterations {
		out.Iterations++

		resp, err := client.Complete(ctx, &CompletionRequest{
			System:    system,
			Model:     req.Model,
			Messages:  messages,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return out, err
		}
		out.TokensIn += resp.TokensIn
		out.TokensOut += resp.TokensOut
		out.Text = resp.Content
		messages = append(messages, ChatMessage{Role: RoleAssistant, Content: resp.Content})

		var call ToolCall
		if err := DecodeJSON(resp.Content, &call); err != nil || call.Tool == "" {
			messages = append(messages, ChatMessage{Role: RoleUser, Content: toolFeedback(
				`Reply with exactly one JSON object {"tool": <name>, "arguments": {...}}.`)})
			continue
		}
		out.Calls = append(out.Calls, call)

		tool, ok := table[call.Tool]
		if !ok {
			messages = append(messages, ChatMessage{Role: RoleUser, Content: toolFeedback(
				fmt.Sprintf("Unknown tool %q.", call.Tool))})
			continue
		}

		if tool.final {
			out.FinalArgs = call.Arguments
			return out, nil
		}

		result, err := tool.handler(ctx, call.Arguments)
		if err != nil {
			messages = append(messages, ChatMessage{Role: RoleUser, Content: toolFeedback(
				fmt.Sprintf("Tool %s failed: %v", call.Tool, err))})
			continue
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return out, fmt.Errorf("failed to encode %s result: %w", call.Tool, err)
		}
		messages = append(messages, ChatMessage{Role: RoleUser, Content: fmt.Sprintf("Result of %s:\n%s", call.Tool, payload)})
	}

	return out, ErrMaxIterations
}

func toolSystemPrompt(req ToolRequest) (string, error) {
	var b strings.Builder
	b.WriteString(req.System)
	b.WriteString("\n\nTools:\n")
	for _, t := range req.Tools {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return "", fmt.Errorf("failed to encode schema for %s: %w", t.Name, err)
		}
		fmt.Fprintf(&b, "- %s: %s\n  arguments schema: %s\n", t.Name, t.Description, schema)
	}
	fmt.Fprintf(&b, "\nAnswer every turn with exactly one JSON object {\"tool\": <name>, \"arguments\": {...}} and nothing else. Call %s to finish.", req.FinalTool)
	return b.String(), nil
}

func toolFeedback(msg string) string {
	return "Your last reply was not a valid tool call. " + msg
}
