package orchestrator

import (
	"github.com/chimera-agents/chimera/pkg/audit"
)

// ReplayedStatus is the run status reconstructed from an audit trail.
type ReplayedStatus struct {
	Status State
	Stage  string
}

// Replay folds a run's audit entries, in seq order, back into its status.
// The trail is the sole source of truth: replaying the same entries any
// number of times yields the same result. Stage attempts mark the stage the
// run was working; an approve decision moves past the blocking stage only
// through the transition entry that follows it.
func Replay(entries []audit.Entry) ReplayedStatus {
	var rs ReplayedStatus
	for _, e := range entries {
		switch e.Type {
		case audit.TypeTransition:
			rs.Status = State(e.ToState)
			if e.Stage != "" {
				rs.Stage = e.Stage
			}
		case audit.TypeStageAttempt, audit.TypeDecision, audit.TypeDelegation:
			if e.Stage != "" {
				rs.Stage = e.Stage
			}
		}
	}
	return rs
}
