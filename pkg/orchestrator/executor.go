package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chimera-agents/chimera/pkg/audit"
	"github.com/chimera-agents/chimera/pkg/contextstore"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/resilience"
	"github.com/chimera-agents/chimera/pkg/skill"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// execute walks one run through the plan from its current stage until the
// run reaches a terminal state, blocks, or the worker context ends. The
// worker slot is held for the duration.
func (c *Coordinator) execute(ctx context.Context, runID string) {
	run, err := c.lookup(runID)
	if err != nil {
		return
	}

	run.mu.Lock()
	status := run.status
	run.mu.Unlock()

	switch status {
	case StatePending:
		if err := c.transition(ctx, run, StateRunning, ""); err != nil {
			return
		}
	case StateRunning:
		// Resumed after an unblock decision; no transition needed.
	default:
		// Cancelled while queued, or an unexpected state. Nothing to do.
		return
	}
	if c.metrics != nil {
		c.metrics.RecordRunning(ctx, 1)
		defer c.metrics.RecordRunning(ctx, -1)
	}

	ctx, span := c.tracer.Start(ctx, "Orchestrator.Run")
	span.SetAttributes(telemetry.RunAttributes(runID, "", "")...)
	defer span.End()

	for {
		run.mu.Lock()
		if run.status != StateRunning {
			run.mu.Unlock()
			return
		}
		if run.stageIndex >= len(c.plan) {
			run.mu.Unlock()
			if err := c.transition(ctx, run, StateCompleted, ""); err == nil {
				c.recordRunFinished(ctx, StateCompleted)
			}
			return
		}
		spec := c.plan[run.stageIndex]
		input := run.lastOutput
		run.mu.Unlock()

		output, outcome, stageErr := c.executeStage(ctx, run, spec, input)
		switch outcome {
		case OutcomeSuccess:
			run.mu.Lock()
			run.lastOutput = output
			run.stageIndex++
			run.updatedAt = c.now().UTC()
			run.mu.Unlock()
		case OutcomeBlocked:
			// The output must be in place before the blocked state is
			// visible; Unblock amends it with the approval.
			run.mu.Lock()
			run.lastOutput = output
			run.mu.Unlock()
			if err := c.transition(ctx, run, StateBlocked, ""); err != nil {
				return
			}
			return
		case OutcomeCancelled:
			// Cancellation already produced its terminal transition.
			return
		default:
			detail := ""
			if stageErr != nil {
				detail = stageErr.Error()
			}
			span.SetStatus(codes.Error, detail)
			if err := c.transition(ctx, run, StateFailed, detail); err == nil {
				c.recordRunFinished(ctx, StateFailed)
			}
			return
		}
	}
}

// executeStage runs one stage's attempt loop. It returns the stage output
// on success, OutcomeBlocked when a blockable stage vetoes continuation,
// or the last attempt's outcome once the retry budget is spent.
func (c *Coordinator) executeStage(ctx context.Context, run *runState, spec StageSpec, input map[string]any) (map[string]any, Outcome, error) {
	policy := c.cfg.SkillPolicy(spec.Skill)
	retry := resilience.RetryConfig{
		MaxAttempts:  policy.MaxAttempts,
		InitialDelay: c.cfg.Orchestrator.Backoff.InitialDelay,
		MaxDelay:     c.cfg.Orchestrator.Backoff.MaxDelay,
		Multiplier:   c.cfg.Orchestrator.Backoff.Multiplier,
		Jitter:       c.cfg.Orchestrator.Backoff.Jitter,
	}

	reg, err := c.registry.Resolve(spec.Skill, spec.Version)
	if err != nil {
		return nil, OutcomeExecutionError, err
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		output, outcome, attemptErr := c.attemptStage(ctx, run, spec, reg, input, attempt, policy.Timeout)
		lastErr = attemptErr

		switch outcome {
		case OutcomeSuccess, OutcomeBlocked, OutcomeCancelled, OutcomeValidationError:
			return output, outcome, attemptErr
		case OutcomeExecutionError, OutcomeTimeout:
			// A peer's rejection or a cancelled parent is not transient;
			// retrying cannot change the answer.
			if ce := errors.AsChimeraError(attemptErr); ce != nil && !ce.Recoverable {
				return nil, outcome, attemptErr
			}
			if attempt == policy.MaxAttempts {
				return nil, outcome, attemptErr
			}
			select {
			case <-time.After(resilience.Backoff(attempt, retry)):
			case <-ctx.Done():
				return nil, OutcomeExecutionError, errors.New(errors.CodeExecution,
					"orchestrator shutting down", ctx.Err())
			}
		}
	}
	return nil, OutcomeExecutionError, lastErr
}

// attemptStage performs a single validated invocation and commits its
// durable effects. The context write and the audit append together form
// the stage's commit point; the run never advances before both land.
func (c *Coordinator) attemptStage(ctx context.Context, run *runState, spec StageSpec,
	reg skill.Registration, input map[string]any, attempt int, timeout time.Duration) (map[string]any, Outcome, error) {

	ctx, span := c.tracer.Start(ctx, "Orchestrator.Stage")
	span.SetAttributes(telemetry.StageAttributes(spec.Skill, spec.Version, attempt)...)
	span.SetAttributes(attribute.String(telemetry.AttrRunID, run.id))
	defer span.End()

	inv := StageInvocation{
		ID:        uuid.NewString(),
		Stage:     spec.Name,
		Skill:     spec.Skill,
		Version:   spec.Version,
		Attempt:   attempt,
		Input:     input,
		StartedAt: c.now().UTC(),
	}

	output, err := c.invokeOnce(ctx, run, spec, reg, input, timeout)
	inv.FinishedAt = c.now().UTC()

	outcome := classifyOutcome(err)
	if outcome == OutcomeSuccess {
		if verr := reg.Contract.Validate(skill.DirectionOutput, output); verr != nil {
			// A malformed output is the skill's defect, never retried.
			err = verr
			outcome = OutcomeValidationError
			output = nil
		}
	}
	if outcome == OutcomeSuccess && spec.Blockable && blockedByPolicy(output) {
		outcome = OutcomeBlocked
	}
	if outcome == OutcomeSuccess {
		if werr := c.persistStageOutput(ctx, run.id, spec, output); werr != nil {
			err = werr
			outcome = classifyOutcome(werr)
			output = nil
		}
	}

	// If the run was cancelled while the invocation was in flight, the
	// terminal transition has already been recorded; the late outcome is
	// discarded rather than audited as progress.
	run.mu.Lock()
	if run.status == StateCancelled {
		run.mu.Unlock()
		return nil, OutcomeCancelled, nil
	}
	run.mu.Unlock()

	inv.Outcome = outcome
	inv.Output = output
	if err != nil {
		inv.Error = err.Error()
	}

	if _, aerr := c.trail.Append(ctx, audit.Entry{
		RunID:        run.id,
		Type:         audit.TypeStageAttempt,
		Stage:        spec.Name,
		InvocationID: inv.ID,
		Attempt:      attempt,
		Outcome:      string(outcome),
		Error:        inv.Error,
	}); aerr != nil {
		return nil, OutcomeExecutionError, errors.New(errors.CodeInternal, "record stage attempt", aerr)
	}

	if spec.Remote && c.delegate != nil {
		// The attempt ran on a peer; the exchange gets its own entry so
		// the trail shows which work left this agent.
		if _, aerr := c.trail.Append(ctx, audit.Entry{
			RunID:        run.id,
			Type:         audit.TypeDelegation,
			Stage:        spec.Name,
			InvocationID: inv.ID,
			Attempt:      attempt,
			Outcome:      string(outcome),
			Error:        inv.Error,
			Detail:       map[string]any{"capability": spec.Skill, "version": spec.Version},
		}); aerr != nil {
			return nil, OutcomeExecutionError, errors.New(errors.CodeInternal, "record delegation", aerr)
		}
	}

	run.mu.Lock()
	run.invocations = append(run.invocations, inv)
	run.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordStageAttempt(ctx, spec.Skill, string(outcome))
		if err != nil {
			c.metrics.RecordError(ctx, err, "orchestrator")
		}
	}
	span.SetAttributes(telemetry.StageOutcomeAttributes(string(outcome),
		float64(inv.FinishedAt.Sub(inv.StartedAt).Milliseconds()))...)
	return output, outcome, err
}

// invokeOnce validates the input and dispatches to the sandbox or, for a
// remote stage with a wired delegator, to a peer.
func (c *Coordinator) invokeOnce(ctx context.Context, run *runState, spec StageSpec,
	reg skill.Registration, input map[string]any, timeout time.Duration) (map[string]any, error) {

	// A failed input validation never reaches the sandbox.
	if err := reg.Contract.Validate(skill.DirectionInput, input); err != nil {
		return nil, err
	}

	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.mu.Lock()
	run.cancelInvoke = cancel
	run.mu.Unlock()
	defer func() {
		run.mu.Lock()
		run.cancelInvoke = nil
		run.mu.Unlock()
	}()

	if spec.Remote && c.delegate != nil {
		return c.delegate.Delegate(invokeCtx, spec.Skill, spec.Version, input)
	}
	return c.sandbox.Invoke(invokeCtx, reg, input, timeout)
}

// persistStageOutput writes the stage's artifact with optimistic
// concurrency. A stale revision forces a re-read; repeated collisions
// escalate to an execution error so the whole stage retries.
func (c *Coordinator) persistStageOutput(ctx context.Context, runID string, spec StageSpec, output map[string]any) error {
	if spec.ContextKey == nil {
		return nil
	}
	key := spec.ContextKey(runID, output)
	if key == "" {
		return nil
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return errors.New(errors.CodeExecution, "encode stage output", err)
	}

	retries := c.cfg.Orchestrator.ConflictRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		revision := int64(0)
		if _, current, rerr := c.store.Read(ctx, key); rerr == nil {
			revision = current
		}
		newRev, werr := c.store.Write(ctx, key, revision, payload)
		if werr == nil {
			c.logger.Debug("orchestrator.artifact_written",
				"run_id", runID, "key", key, "revision", newRev,
				"partition", contextstore.Partition(key))
			return nil
		}
		if !errors.IsCode(werr, errors.CodeConflict) {
			return werr
		}
		lastErr = werr
	}
	return errors.New(errors.CodeExecution,
		fmt.Sprintf("context write for %s kept conflicting", key), lastErr)
}

func classifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch errors.Code(err) {
	case errors.CodeValidation:
		return OutcomeValidationError
	case errors.CodeTimeout:
		return OutcomeTimeout
	default:
		return OutcomeExecutionError
	}
}

// blockedByPolicy reads a blockable stage's verdict: an explicit
// "approved": false suspends the run.
func blockedByPolicy(output map[string]any) bool {
	approved, ok := output["approved"].(bool)
	return ok && !approved
}
