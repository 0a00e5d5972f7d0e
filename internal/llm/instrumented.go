package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// InstrumentedClient logs and records metrics for every call of the wrapped client.
type InstrumentedClient struct {
	next Client
	log  *logger.Logger
}

// Instrument wraps a client with call logging and metrics.
func Instrument(next Client, log *logger.Logger) *InstrumentedClient {
	return &InstrumentedClient{next: next, log: log.Named("llm")}
}

// Name returns the provider name.
func (c *InstrumentedClient) Name() string {
	return c.next.Name()
}

// Complete sends a completion request.
func (c *InstrumentedClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	latency := time.Since(start)

	var tokensIn, tokensOut int
	model := req.Model
	if resp != nil {
		tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
		model = resp.Model
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMCall(c.next.Name(), "complete", status, latency.Seconds(), tokensIn, tokensOut)

	fields := []zap.Field{
		zap.String("provider", c.next.Name()),
		zap.String("model", model),
		zap.Duration("latency", latency),
		zap.Int("tokens_in", tokensIn),
		zap.Int("tokens_out", tokensOut),
		zap.Bool("success", err == nil),
	}
	if err != nil {
		c.log.Warn("llm completion failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	c.log.Info("llm completion", fields...)
	return resp, nil
}

// Embed returns the embedding of the text.
func (c *InstrumentedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := c.next.Embed(ctx, text)
	latency := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMCall(c.next.Name(), "embed", status, latency.Seconds(), 0, 0)

	if err != nil {
		c.log.Debug("llm embedding failed",
			zap.String("provider", c.next.Name()),
			zap.Duration("latency", latency),
			zap.Bool("success", false),
			zap.Error(err),
		)
		return nil, err
	}
	c.log.Debug("llm embedding",
		zap.String("provider", c.next.Name()),
		zap.Duration("latency", latency),
		zap.Int("dimensions", len(vec)),
		zap.Bool("success", true),
	)
	return vec, nil
}
