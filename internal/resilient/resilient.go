// Package resilient wraps calls to external collaborators with bounded retries.
// Do never panics and never raises: it returns a Result the caller inspects.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/types"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts    int           // Total attempts, including the first
	InitialBackoff time.Duration // Doubles after each failed attempt
	MaxBackoff     time.Duration // Cap for a single wait
	Jitter         bool          // Add up to half the backoff at random

	// Retryable decides whether an error is worth another attempt.
	// Nil means IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the defaults used for oracle and evidence calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     8 * time.Second,
		Jitter:         true,
	}
}

// StorePolicy returns the defaults for context-store calls: one attempt, the
// store being non-fatal.
func StorePolicy() Policy {
	return Policy{MaxAttempts: 1, InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second}
}

// ErrMaxAttemptsExceeded indicates every attempt failed.
var ErrMaxAttemptsExceeded = errors.New("maximum attempts exceeded")

// Result is the outcome of Do.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Do runs fn until it succeeds, the policy is exhausted, a non-retryable
// error occurs, or ctx is done.
func Do[T any](ctx context.Context, logger *zap.Logger, policy Policy, operation string, fn func(ctx context.Context) (T, error)) Result[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var res Result[T]
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		res.Attempts = attempt + 1
		v, err := call(ctx, fn)
		if err == nil {
			if attempt > 0 {
				logger.Debug("retry succeeded",
					zap.String("operation", operation),
					zap.Int("attempt", attempt+1))
			}
			res.Value = v
			return res
		}

		lastErr = err
		logger.Debug("attempt failed",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err))

		if !retryable(err) {
			res.Err = err
			return res
		}

		if attempt < policy.MaxAttempts-1 {
			wait := Backoff(policy, attempt)
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(wait):
			}
		}
	}

	if policy.MaxAttempts == 1 {
		res.Err = lastErr
		return res
	}
	res.Err = fmt.Errorf("%w for %s: %w", ErrMaxAttemptsExceeded, operation, lastErr)
	return res
}

func call[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.PanicError{Value: r}
		}
	}()
	return fn(ctx)
}

// Backoff computes the wait after the given zero-based attempt.
func Backoff(policy Policy, attempt int) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(2, float64(attempt))
	if policy.MaxBackoff > 0 && backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}
	if policy.Jitter && backoff >= 2 {
		backoff += float64(rand.Int64N(int64(backoff / 2)))
	}
	return time.Duration(backoff)
}

// IsRetryable treats rate limits, server errors, and transport failures as
// transient. Context errors, panics, and other client errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *types.PanicError
	if errors.As(err, &pe) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var ext *types.ExternalCallError
	if errors.As(err, &ext) && ext.Status != 0 {
		return ext.Status == http.StatusTooManyRequests || ext.Status >= 500
	}
	return true
}

// IsRateLimited reports whether err is a 429 from an external service.
func IsRateLimited(err error) bool {
	var ext *types.ExternalCallError
	return errors.As(err, &ext) && ext.Status == http.StatusTooManyRequests
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
