package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5, cfg.Orchestrator.MaxDemandRounds)
	assert.Equal(t, 5, cfg.Orchestrator.MaxSolutionInteractions)
	assert.Equal(t, 10, cfg.Orchestrator.MaxActionsPerTurn)
	assert.Equal(t, 3, cfg.Orchestrator.SearchMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, cfg.Orchestrator.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_DEMAND_ROUNDS", "7")
	t.Setenv("SEARCH_INITIAL_DELAY", "2s")
	t.Setenv("MIN_PRODUCT_CONFIDENCE", "0.75")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("SHUTDOWN_TIMEOUT", "45s")

	cfg := Load()

	assert.Equal(t, 7, cfg.Orchestrator.MaxDemandRounds)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.SearchInitialDelay)
	assert.InDelta(t, 0.75, cfg.Orchestrator.MinProductConfidence, 1e-9)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_ACTIONS_PER_TURN", "lots")

	cfg := Load()

	assert.Equal(t, 10, cfg.Orchestrator.MaxActionsPerTurn)
}

func TestOrchestrator_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Orchestrator)
	}{
		{"zero demand rounds", func(o *Orchestrator) { o.MaxDemandRounds = 0 }},
		{"confidence above one", func(o *Orchestrator) { o.MinRequestConfidence = 1.5 }},
		{"max delay below initial", func(o *Orchestrator) { o.SearchMaxDelay = o.SearchInitialDelay - time.Millisecond }},
		{"empty apology", func(o *Orchestrator) { o.ApologyMessage = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOrchestrator()
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}
