package llm_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/llm/llmtest"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

type lookupArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

type lookupResult struct {
	Title string `json:"title"`
}

type decisionArgs struct {
	Decision string `json:"decision" jsonschema:"required,enum=done"`
}

func newTools(lookups *[]string) []llm.Tool {
	return []llm.Tool{
		llm.NewTool("lookup", "Look up an item", func(ctx context.Context, in lookupArgs) (lookupResult, error) {
			*lookups = append(*lookups, in.ID)
			return lookupResult{Title: "Item " + in.ID}, nil
		}),
		llm.NewFinalTool[decisionArgs]("finish", "Submit the decision"),
	}
}

func TestCompleteWithTools_FinalToolEndsLoop(t *testing.T) {
	var lookups []string
	fake := llmtest.New().On("agent",
		llmtest.Text(`{"tool": "lookup", "arguments": {"id": "a1"}}`),
		llmtest.Text("```json\n{\"tool\": \"finish\", \"arguments\": {\"decision\": \"done\"}}\n```"),
	)

	resp, err := llm.CompleteWithTools(context.Background(), fake, llm.ToolRequest{
		System:        "agent",
		User:          "hello",
		Tools:         newTools(&lookups),
		MaxIterations: 4,
		FinalTool:     "finish",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Iterations)
	assert.Equal(t, []string{"a1"}, lookups)
	assert.JSONEq(t, `{"decision": "done"}`, string(resp.FinalArgs))

	// The tool result is fed back to the model.
	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "Item a1")
	assert.Contains(t, reqs[0].System, "finish")
}

func TestCompleteWithTools_RecoversFromInvalidReplies(t *testing.T) {
	var lookups []string
	fake := llmtest.New().On("agent",
		llmtest.Text("I think the answer is done"),
		llmtest.Text(`{"tool": "teleport", "arguments": {}}`),
		llmtest.Text(`{"tool": "finish", "arguments": {"decision": "done"}}`),
	)

	resp, err := llm.CompleteWithTools(context.Background(), fake, llm.ToolRequest{
		System:        "agent",
		User:          "hello",
		Tools:         newTools(&lookups),
		MaxIterations: 4,
		FinalTool:     "finish",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Iterations)
	assert.Empty(t, lookups)
}

func TestCompleteWithTools_MaxIterations(t *testing.T) {
	var lookups []string
	fake := llmtest.New().On("agent", llmtest.Text(`{"tool": "lookup", "arguments": {"id": "a1"}}`))

	resp, err := llm.CompleteWithTools(context.Background(), fake, llm.ToolRequest{
		System:        "agent",
		User:          "hello",
		Tools:         newTools(&lookups),
		MaxIterations: 3,
		FinalTool:     "finish",
	})
	assert.ErrorIs(t, err, llm.ErrMaxIterations)
	assert.Equal(t, 3, resp.Iterations)
	assert.Len(t, lookups, 3)
}

func TestCompleteWithTools_UnknownFinalTool(t *testing.T) {
	_, err := llm.CompleteWithTools(context.Background(), llmtest.New(), llm.ToolRequest{
		System:    "agent",
		FinalTool: "missing",
	})
	assert.Error(t, err)
}

func TestCompleteWithTools_SchemaFromInputStruct(t *testing.T) {
	var lookups []string
	tools := newTools(&lookups)

	schema, err := json.Marshal(tools[0].Parameters)
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"id"`)
	assert.Contains(t, string(schema), `"required"`)
	assert.True(t, tools[1].IsFinal())
	assert.False(t, tools[0].IsFinal())
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "plain", content: `{"summary": "x"}`},
		{name: "fenced", content: "```json\n{\"summary\": \"x\"}\n```"},
		{name: "prose around", content: "Here you go: {\"summary\": \"x\"} thanks"},
		{name: "no object", content: "no json here", wantErr: true},
		{name: "broken", content: `{"summary": }`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Summary string `json:"summary"`
			}
			err := llm.DecodeJSON(tt.content, &out)
			if tt.wantErr {
				assert.ErrorIs(t, err, llm.ErrNoDecision)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "x", out.Summary)
		})
	}
}

func TestInstrumentedClient_PassesThrough(t *testing.T) {
	fake := llmtest.New().On("sys", llmtest.Text("hi"), llmtest.Fail(llmtest.ErrUnavailable))
	client := llm.Instrument(fake, logger.NewNop())

	resp, err := client.Complete(context.Background(), llm.SingleTurn("sys", "user", 64))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	_, err = client.Complete(context.Background(), llm.SingleTurn("sys", "user", 64))
	assert.ErrorIs(t, err, llmtest.ErrUnavailable)

	_, err = client.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, llm.ErrEmbeddingsUnsupported)
	assert.Equal(t, "fake", client.Name())
}
