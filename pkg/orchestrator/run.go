// Package orchestrator drives workflow runs through an ordered stage
// sequence, applying admission, retry, and timeout policy. The run state
// machine is the only writer of run status; skills never see each other,
// only the shared context store and the audit trail.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/errors"
)

// State is a workflow run status.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var allowedTransitions = map[State][]State{
	StatePending: {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StateBlocked, StateFailed, StateCompleted, StateCancelled},
	StateBlocked: {StateRunning, StateFailed, StateCancelled},
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome classifies one stage invocation attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeExecutionError  Outcome = "execution_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeBlocked         Outcome = "blocked"
)

// WorkOrder is the unit of work a run executes, shaped as the first
// stage's input payload.
type WorkOrder struct {
	CorrelationID string
	Payload       map[string]any
}

// StageInvocation records one attempt to execute a skill for a run at a
// stage. Attempt numbers start at 1 and are strictly increasing per
// (run, stage).
type StageInvocation struct {
	ID         string
	Stage      string
	Skill      string
	Version    string
	Attempt    int
	Input      map[string]any
	Output     map[string]any
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot is a point-in-time copy of a run, safe to hand out.
type Snapshot struct {
	ID            string
	CorrelationID string
	Status        State
	Stage         string
	StageIndex    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Invocations   []StageInvocation
}

// StageSpec binds one pipeline stage to the skill that executes it.
type StageSpec struct {
	Name    string
	Skill   string
	Version string

	// Blockable stages may veto continuation: a handler output carrying
	// "approved": false suspends the run until an operator decision.
	Blockable bool

	// Remote stages are delegated to a federation peer when a delegator
	// is wired; without one they execute locally like any other stage.
	Remote bool

	// ContextKey derives the artifact key for the stage's output. A nil
	// func or empty result skips persistence for that stage.
	ContextKey func(runID string, output map[string]any) string
}

// Plan is the ordered stage sequence every run walks.
type Plan []StageSpec

// ApplyRemote marks the stages whose skill is configured for delegation.
// The returned plan is the receiver; stages stay local unless their skill
// carries remote: true.
func (p Plan) ApplyRemote(skills map[string]config.SkillConfig) Plan {
	for i := range p {
		if sc, ok := skills[p[i].Skill]; ok && sc.Remote {
			p[i].Remote = true
		}
	}
	return p
}

// Validate rejects empty or duplicated plans early.
func (p Plan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	seen := make(map[string]bool, len(p))
	for _, spec := range p {
		if spec.Name == "" || spec.Skill == "" || spec.Version == "" {
			return fmt.Errorf("stage %q needs a name, skill, and version", spec.Name)
		}
		if seen[spec.Name] {
			return fmt.Errorf("stage %q appears twice", spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}

// DecisionVerdict is an operator's answer for a blocked run.
type DecisionVerdict string

const (
	VerdictApprove DecisionVerdict = "approve"
	VerdictDeny    DecisionVerdict = "deny"
)

// Decision unblocks a suspended run. DecidedBy names the operator or the
// automated policy that made the call; it lands in the audit trail.
type Decision struct {
	Verdict   DecisionVerdict
	Reason    string
	DecidedBy string
}

func invalidTransition(runID string, from, to State) error {
	return errors.New(errors.CodeInvalidTransition,
		fmt.Sprintf("run %s cannot move %s -> %s", runID, from, to), nil)
}
