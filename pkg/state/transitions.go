// Package state holds the canonical trigger/in-progress/success table
// every resource kind's operations are checked against (§4.1). The
// state values themselves live in pkg/types; this package only encodes
// the allowed transitions and looks them up for the worker engine.
package state

import "github.com/virctl/robot/pkg/types"

// Operation names the life-cycle actions a resource can be dispatched
// for. Every kind shares the same vocabulary; not every kind supports
// every operation (Snapshot/Backup never quiesce or restart).
type Operation string

const (
	OpBuild          Operation = "build"
	OpRunningUpdate  Operation = "running_update"
	OpQuiescedUpdate Operation = "quiesced_update"
	OpQuiesce        Operation = "quiesce"
	OpRestart        Operation = "restart"
	OpScrubPrep      Operation = "scrub_prep"
	OpScrub          Operation = "scrub"
)

// Transition is one row of the §4.1 table: the state a resource must be
// in for this operation to apply, the state it moves to while the
// worker is running, and the state it lands in on success.
type Transition struct {
	Operation  Operation
	Trigger    types.State
	InProgress types.State
	Success    types.State
}

var transitions = map[Operation]Transition{
	OpBuild:          {OpBuild, types.Requested, types.Building, types.Running},
	OpRunningUpdate:  {OpRunningUpdate, types.RunningUpdate, types.RunningUpdating, types.Running},
	OpQuiescedUpdate: {OpQuiescedUpdate, types.QuiescedUpdate, types.QuiescedUpdating, types.Quiesced},
	OpQuiesce:        {OpQuiesce, types.Quiesce, types.Quiescing, types.Quiesced},
	OpRestart:        {OpRestart, types.Restart, types.Restarting, types.Running},
	OpScrubPrep:      {OpScrubPrep, types.Scrub, types.ScrubPrep, types.ScrubQueue},
	OpScrub:          {OpScrub, types.ScrubQueue, types.Scrubbing, types.Closed},
}

// Lookup returns the transition row for op.
func Lookup(op Operation) (Transition, bool) {
	t, ok := transitions[op]
	return t, ok
}

// ParseOperation maps a run_robot bucket name ("build", "running_update",
// "quiesced_update", "quiesce", "restart") onto its Operation. "scrub"
// is deliberately excluded: that bucket covers two distinct trigger
// states, so callers resolve it through ForState against the resource's
// live state instead of a fixed Operation.
func ParseOperation(bucket string) (Operation, bool) {
	switch bucket {
	case "build":
		return OpBuild, true
	case "running_update":
		return OpRunningUpdate, true
	case "quiesced_update":
		return OpQuiescedUpdate, true
	case "quiesce":
		return OpQuiesce, true
	case "restart":
		return OpRestart, true
	default:
		return "", false
	}
}

// ForState resolves which transition applies to a resource currently
// observed in current, given that the poller dispatched it for the
// "scrub" bucket (the only bucket that covers two distinct trigger
// states — see the scrub-prep/scrub split in §4.1). Every other bucket
// maps one-to-one onto a single Operation already.
func ForState(current types.State) (Transition, bool) {
	switch current {
	case types.Scrub:
		return transitions[OpScrubPrep], true
	case types.ScrubQueue:
		return transitions[OpScrub], true
	default:
		return Transition{}, false
	}
}
