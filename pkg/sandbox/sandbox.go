// Package sandbox executes one skill invocation at a time behind a timeout
// boundary, isolating skill failures from the orchestrator and from
// invocations of other skills.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/skill"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// Sandbox invokes registered skills with a bounded execution time and an
// optional per-skill concurrency ceiling. Exactly one outcome is reported
// per invocation. A reported timeout does not guarantee the underlying work
// stopped: cooperative cancellation is best-effort and callers must assume
// the skill may still be running.
type Sandbox struct {
	mu     sync.Mutex
	limits map[string]chan struct{}
	tracer trace.Tracer
}

// New creates an empty sandbox.
func New() *Sandbox {
	return &Sandbox{
		limits: make(map[string]chan struct{}),
		tracer: otel.Tracer("chimera/sandbox"),
	}
}

// result carries a skill outcome through the completion channel.
type result struct {
	output map[string]any
	err    error
}

// Invoke runs one skill handler for one validated input. The timeout bounds
// the wait, not the handler goroutine; on expiry the derived context is
// cancelled and CodeTimeout is returned while the handler may keep running.
func (s *Sandbox) Invoke(ctx context.Context, reg skill.Registration, input map[string]any, timeout time.Duration) (map[string]any, error) {
	name := reg.Contract.Name

	invokeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The slot wait counts against the invocation's time bound: a
	// saturated skill must not park callers past their timeout.
	release, err := s.acquire(invokeCtx, name, reg.Concurrency)
	if err != nil {
		if invokeCtx.Err() != nil && ctx.Err() == nil {
			return nil, errors.New(errors.CodeTimeout, "timed out waiting for skill slot", invokeCtx.Err()).
				WithContext("skill", name).
				WithContext("timeout", timeout.String())
		}
		return nil, err
	}
	defer release()

	invokeCtx, span := s.tracer.Start(invokeCtx, "Sandbox.Invoke",
		trace.WithAttributes(telemetry.StageAttributes(name, reg.Contract.Version, 0)...),
	)
	defer span.End()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.New(errors.CodeExecution,
					fmt.Sprintf("skill panicked: %v", r), nil).
					WithContext("skill", name)}
			}
		}()
		output, err := reg.Handler(invokeCtx, input)
		done <- result{output: output, err: err}
	}()

	select {
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not the per-invocation bound.
			return nil, errors.New(errors.CodeExecution, "invocation cancelled", ctx.Err()).
				WithContext("skill", name).
				WithRecoverable(false)
		}
		slog.WarnContext(ctx, "sandbox.invoke.timeout",
			slog.String("skill", name),
			slog.String("timeout", timeout.String()),
		)
		return nil, errors.New(errors.CodeTimeout, "skill invocation exceeded timeout", invokeCtx.Err()).
			WithContext("skill", name).
			WithContext("timeout", timeout.String())
	case res := <-done:
		if res.err != nil {
			return nil, normalizeSkillError(res.err, name)
		}
		return res.output, nil
	}
}

// acquire takes a slot from the skill's concurrency ceiling, waiting if the
// ceiling is reached. A zero limit means unlimited.
func (s *Sandbox) acquire(ctx context.Context, name string, limit int) (func(), error) {
	if limit <= 0 {
		return func() {}, nil
	}

	s.mu.Lock()
	sem, ok := s.limits[name]
	if !ok || cap(sem) != limit {
		sem = make(chan struct{}, limit)
		s.limits[name] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeExecution, "cancelled waiting for skill slot", ctx.Err()).
			WithContext("skill", name).
			WithRecoverable(false)
	}
}

// normalizeSkillError keeps typed errors intact and classifies anything else
// as the skill's own execution failure.
func normalizeSkillError(err error, name string) error {
	if ce := errors.AsChimeraError(err); ce.Code != errors.CodeInternal {
		return ce
	}
	return errors.New(errors.CodeExecution, "skill execution failed", err).
		WithContext("skill", name)
}
