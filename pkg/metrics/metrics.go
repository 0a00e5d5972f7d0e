// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMRequestDuration tracks AI inference call duration.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "AI inference request duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "operation", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// PipelineRunsTotal tracks orchestrator pipeline runs by outcome.
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_pipeline_runs_total",
			Help: "Orchestrator pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// PipelineDuration tracks orchestrator pipeline run duration.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_pipeline_duration_seconds",
			Help:    "Orchestrator pipeline run duration",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	// StatusTransitionsTotal tracks orchestrator status transitions.
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_status_transitions_total",
			Help: "Orchestrator status transitions",
		},
		[]string{"from", "to"},
	)

	// EscalationsTotal tracks escalations by reason.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_escalations_total",
			Help: "Conversations escalated to a human by reason",
		},
		[]string{"reason"},
	)

	// ActionsTotal tracks case action executions.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_case_actions_total",
			Help: "Case actions executed by kind and resulting status",
		},
		[]string{"kind", "status"},
	)

	// DispatchTotal tracks channel dispatch outcomes.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_dispatch_total",
			Help: "Channel dispatches by action type and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ExternalCallAttempts tracks attempts against external collaborators.
	ExternalCallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_external_call_attempts_total",
			Help: "Attempts against external collaborators by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// DemandRounds tracks the clarification round reached per event.
	DemandRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_demand_round",
			Help:    "Demand understanding round reached when an event is processed",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		},
	)

	// EventsConsumed tracks inbound events consumed from the stream.
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_events_consumed_total",
			Help: "Inbound events consumed by result",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCall records metrics for one AI inference call.
func RecordLLMCall(provider, operation, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, operation, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordPipelineRun records the outcome and duration of one pipeline run.
func RecordPipelineRun(outcome string, duration float64) {
	PipelineRunsTotal.WithLabelValues(outcome).Inc()
	PipelineDuration.Observe(duration)
}

// RecordTransition records an orchestrator status transition.
func RecordTransition(from, to string) {
	StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordDemandRound records the round a demand reached.
func RecordDemandRound(round int) {
	DemandRounds.Observe(float64(round))
}

// RecordEscalation records an escalation.
func RecordEscalation(reason string) {
	EscalationsTotal.WithLabelValues(reason).Inc()
}

// RecordAction records a case action execution.
func RecordAction(kind, status string) {
	ActionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordDispatch records a channel dispatch.
func RecordDispatch(action, outcome string) {
	DispatchTotal.WithLabelValues(action, outcome).Inc()
}

// RecordAttempt records one attempt against an external collaborator.
func RecordAttempt(operation, outcome string) {
	ExternalCallAttempts.WithLabelValues(operation, outcome).Inc()
}
