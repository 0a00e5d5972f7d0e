// Package retry defines named retry policies and backoff strategies for external calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// BackoffType identifies the backoff strategy.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"       // Same delay each time
	BackoffLinear      BackoffType = "linear"      // Delay increases linearly
	BackoffExponential BackoffType = "exponential" // Delay doubles each time
)

// Policy defines a retry strategy for one named operation.
type Policy struct {
	Name            string
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffStrategy BackoffType
	JitterFactor    float64 // 0.0-1.0

	// Retryable decides whether an error may be retried. Nil retries every error.
	Retryable func(error) bool
}

// Exponential returns an exponential policy with the given budget.
func Exponential(name string, maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		Name:            name,
		MaxAttempts:     maxAttempts,
		InitialDelay:    initial,
		MaxDelay:        max,
		BackoffStrategy: BackoffExponential,
		JitterFactor:    0.2,
	}
}

// Once returns a policy that never retries.
func Once(name string) Policy {
	return Policy{Name: name, MaxAttempts: 1}
}

// WithRetryable returns a copy of the policy using the given error classifier.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// CalculateDelay calculates the delay before the given retry (1-based).
func (p Policy) CalculateDelay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}

	var delay time.Duration

	switch p.BackoffStrategy {
	case BackoffFixed:
		delay = p.InitialDelay
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(retry)
	case BackoffExponential:
		delay = p.InitialDelay * time.Duration(math.Pow(2, float64(retry-1)))
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := float64(delay) * p.JitterFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}

func (p Policy) shouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Result is the typed outcome of a retried operation.
type Result[T any] struct {
	Value    T
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Do runs fn under the policy. Attempts are strictly sequential and each one is
// logged with its number, latency and outcome.
func Do[T any](ctx context.Context, p Policy, log *logger.Logger, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	if log == nil {
		log = logger.Global()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
		p.MaxAttempts = 1
	}

	start := time.Now()
	var res Result[T]

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		attemptStart := time.Now()
		value, err := fn(ctx, attempt)
		res.Attempts = attempt
		latency := time.Since(attemptStart)

		if err == nil {
			metrics.RecordAttempt(p.Name, "success")
			log.Debug("external call succeeded",
				zap.String("operation", p.Name),
				zap.Int("attempt", attempt),
				zap.Duration("latency", latency),
			)
			res.Value = value
			res.Err = nil
			break
		}

		res.Err = err
		metrics.RecordAttempt(p.Name, "failure")

		if !p.shouldRetry(attempt, err) {
			log.Warn("external call failed",
				zap.String("operation", p.Name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("latency", latency),
				zap.String("outcome", "exhausted"),
				zap.Error(err),
			)
			break
		}

		delay := p.CalculateDelay(attempt)
		log.Warn("external call failed, retrying",
			zap.String("operation", p.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("latency", latency),
			zap.Duration("delay", delay),
			zap.String("outcome", "retry"),
			zap.Error(err),
		)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Err = ctx.Err()
				res.Elapsed = time.Since(start)
				return res
			case <-timer.C:
			}
		}
	}

	res.Elapsed = time.Since(start)
	return res
}
