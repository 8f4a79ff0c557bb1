// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the retry, backoff, and circuit breaker
// primitives the orchestrator and federation client build on.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// RetryConfig bounds an attempt loop with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int

	// InitialDelay seeds the backoff curve.
	InitialDelay time.Duration

	// MaxDelay caps the curve.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt. Zero means 2.0.
	Multiplier float64

	// Jitter spreads delays by ±Jitter fraction so concurrent runs do
	// not retry in lockstep.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Nil defers to the error's own classification.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig matches the orchestrator's stage defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: errorRecoverable,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// Do runs fn until it succeeds, exhausts the attempt budget, or returns
// an error not worth retrying. The last error is returned on exhaustion.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	budget := rc.MaxAttempts
	if budget < 1 {
		budget = 1
	}
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = errorRecoverable
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !recoverable(lastErr) || attempt == budget {
			return lastErr
		}
		select {
		case <-time.After(Backoff(attempt, rc)):
		case <-ctx.Done():
			return errors.New(errors.CodeExecution, "retry abandoned", ctx.Err()).
				WithContext("attempt", attempt).
				WithContext("max_attempts", budget).
				WithRecoverable(false)
		}
	}
}

// DoWithResult is Do for functions that produce a value.
func (rc RetryConfig) DoWithResult(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := rc.Do(ctx, func() error {
		var attemptErr error
		result, attemptErr = fn()
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Backoff returns the jittered delay to sleep after the given attempt
// number (1-based): InitialDelay * Multiplier^attempt, capped at MaxDelay.
func Backoff(attempt int, rc RetryConfig) time.Duration {
	multiplier := rc.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	delay := float64(rc.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if ceiling := float64(rc.MaxDelay); rc.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	if rc.Jitter > 0 {
		// Uniform over [delay*(1-j), delay*(1+j)].
		delay *= 1 + rc.Jitter*(2*rand.Float64()-1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func errorRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return errors.AsChimeraError(err).Recoverable
}
