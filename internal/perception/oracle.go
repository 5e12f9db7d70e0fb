// Package perception wraps the external text-generation oracle.
//
// The oracle is nondeterministic and fallible: an empty response is a normal
// outcome and callers must treat it like a failed call. Decorators in this
// package add retries, pacing, timeouts, and tracing around any backend.
package perception

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"secondmind/internal/resilient"
)

// Oracle generates text for a prompt.
type Oracle interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, prompt string, temperature float64) (string, error)

// Generate calls f.
func (f OracleFunc) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	return f(ctx, prompt, temperature)
}

// ErrEmptyResponse is returned by Ask when the oracle produced no text.
var ErrEmptyResponse = errors.New("oracle returned empty response")

// Ask calls the oracle and folds an empty response into ErrEmptyResponse, so
// callers have a single "no usable text" branch.
func Ask(ctx context.Context, o Oracle, prompt string, temperature float64) (string, error) {
	if o == nil {
		return "", ErrEmptyResponse
	}
	text, err := o.Generate(ctx, prompt, temperature)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Offline is an oracle that never answers. Every stage then takes its
// deterministic path, which makes runs reproducible without credentials.
type Offline struct{}

// Generate returns an empty response.
func (Offline) Generate(context.Context, string, float64) (string, error) {
	return "", nil
}

// =============================================================================
// DECORATORS
// =============================================================================

// WithRetry retries transient failures according to policy.
func WithRetry(o Oracle, policy resilient.Policy, logger *zap.Logger) Oracle {
	return OracleFunc(func(ctx context.Context, prompt string, temperature float64) (string, error) {
		res := resilient.Do(ctx, logger, policy, "oracle.generate", func(ctx context.Context) (string, error) {
			return o.Generate(ctx, prompt, temperature)
		})
		return res.Value, res.Err
	})
}

// WithTimeout bounds every call.
func WithTimeout(o Oracle, d time.Duration) Oracle {
	if d <= 0 {
		return o
	}
	return OracleFunc(func(ctx context.Context, prompt string, temperature float64) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return o.Generate(ctx, prompt, temperature)
	})
}

// WithRateLimit paces calls through limiter.
func WithRateLimit(o Oracle, limiter *rate.Limiter) Oracle {
	if limiter == nil {
		return o
	}
	return OracleFunc(func(ctx context.Context, prompt string, temperature float64) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		return o.Generate(ctx, prompt, temperature)
	})
}

// PerMinute returns a limiter allowing n calls per minute with a burst of one.
// n <= 0 disables pacing.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}
