package prompt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
)

func TestDefault_LoadsEveryPrompt(t *testing.T) {
	c, err := prompt.Default()
	require.NoError(t, err)

	assert.Equal(t, []string{
		prompt.Classification,
		prompt.CustomerMessage,
		prompt.DemandDecision,
		prompt.Enrichment,
		prompt.Ranking,
		prompt.Summary,
	}, c.Names())
}

func TestRender_AppliesDefaults(t *testing.T) {
	c := prompt.MustDefault()

	out, err := c.Render(prompt.Summary, prompt.Vars{"last_message": "my router keeps rebooting"})
	require.NoError(t, err)

	assert.Contains(t, out.User, "(none)")
	assert.Contains(t, out.User, "my router keeps rebooting")
	assert.Contains(t, out.System, "emotion_level")
}

func TestRender_RejectsUnknownVariable(t *testing.T) {
	c := prompt.MustDefault()

	_, err := c.Render(prompt.Summary, prompt.Vars{
		"last_message": "hello",
		"customer_tier": "gold",
	})
	assert.ErrorIs(t, err, prompt.ErrUnknownVariable)
}

func TestRender_RejectsMissingRequired(t *testing.T) {
	c := prompt.MustDefault()

	tests := []struct {
		name string
		vars prompt.Vars
	}{
		{name: "absent", vars: prompt.Vars{}},
		{name: "empty", vars: prompt.Vars{"last_message": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Render(prompt.Summary, tt.vars)
			assert.ErrorIs(t, err, prompt.ErrMissingVariable)
		})
	}
}

func TestRender_UnknownPrompt(t *testing.T) {
	c := prompt.MustDefault()

	_, err := c.Render("nope", nil)
	assert.ErrorIs(t, err, prompt.ErrUnknownPrompt)
}

func TestRender_ConditionalSection(t *testing.T) {
	c := prompt.MustDefault()

	without, err := c.Render(prompt.Classification, prompt.Vars{"summary": "s", "last_message": "m"})
	require.NoError(t, err)
	assert.NotContains(t, without.User, "Known products")

	with, err := c.Render(prompt.Classification, prompt.Vars{"summary": "s", "last_message": "m", "known_products": "Router X"})
	require.NoError(t, err)
	assert.Contains(t, with.User, "Known products")
	assert.Contains(t, with.User, "Router X")
}

func TestLoad_RejectsUndeclaredReference(t *testing.T) {
	data := []byte(`
prompts:
  - name: broken
    system: "hello {{.name}}"
    user: "{{if .flag}}on{{end}}"
    variables:
      - name: name
`)
	_, err := prompt.Load(data)
	assert.ErrorIs(t, err, prompt.ErrUnknownVariable)
}

func TestLoad_RejectsDuplicates(t *testing.T) {
	data := []byte(`
prompts:
  - name: a
    system: "x"
    user: "y"
  - name: a
    system: "x"
    user: "y"
`)
	_, err := prompt.Load(data)
	assert.Error(t, err)
}
