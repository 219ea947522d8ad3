package types

// State is the canonical life-cycle state shared by every resource kind
// (VirtualRouter, VM, Snapshot, Backup). The allowed trigger/in-progress/
// success transitions for each operation live in pkg/state; this file
// only names the states themselves.
type State string

const (
	Requested State = "REQUESTED"
	Building  State = "BUILDING"
	Running   State = "RUNNING"

	Quiesce   State = "QUIESCE"
	Quiescing State = "QUIESCING"
	Quiesced  State = "QUIESCED"

	Restart    State = "RESTART"
	Restarting State = "RESTARTING"

	Scrub       State = "SCRUB"
	ScrubPrep   State = "SCRUB_PREP"
	ScrubQueue  State = "SCRUB_QUEUE"
	Scrubbing   State = "SCRUBBING"
	Closed      State = "CLOSED"

	RunningUpdate    State = "RUNNING_UPDATE"
	RunningUpdating  State = "RUNNING_UPDATING"
	QuiescedUpdate   State = "QUIESCED_UPDATE"
	QuiescedUpdating State = "QUIESCED_UPDATING"

	Unresourced State = "UNRESOURCED"
)

// Terminal reports whether a resource in this state will never be acted
// on again by the agent.
func (s State) Terminal() bool {
	return s == Closed
}

// Quarantined reports whether a resource in this state requires operator
// intervention through the API before the agent will touch it again.
func (s State) Quarantined() bool {
	return s == Unresourced
}
