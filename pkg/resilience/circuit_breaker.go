// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// CircuitBreakerState is the breaker's admission mode.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig tunes when a breaker trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int

	// SuccessThreshold is how many half-open probes must pass to close it.
	SuccessThreshold int

	// Timeout is how long an open breaker waits before probing again.
	Timeout time.Duration

	// Name identifies the guarded dependency in errors and logs.
	Name string
}

// CircuitBreaker sheds calls to a peer that keeps failing, so a dead
// endpoint costs one rejection instead of a full delegation round trip.
// The guarded function runs outside the lock; only admission and outcome
// bookkeeping are serialized.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call runs fn when the breaker admits it. An open breaker rejects with
// CodeExecution before fn runs.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.CodeExecution, "breaker call aborted", err).
			WithContext("breaker", cb.cfg.Name).
			WithRecoverable(false)
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err == nil)
	return err
}

// State reports the current admission mode.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.cfg.Timeout {
			return errors.New(errors.CodeExecution, "circuit breaker open", nil).
				WithContext("breaker", cb.cfg.Name)
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probing = false
	}

	if cb.state == StateHalfOpen {
		// One probe at a time while half-open.
		if cb.probing {
			return errors.New(errors.CodeExecution, "circuit breaker probing", nil).
				WithContext("breaker", cb.cfg.Name)
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) settle(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		if !ok {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		if !ok {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.trip()
			}
			return
		}
		cb.failures = 0
	}
}

// trip must run under the lock.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}
