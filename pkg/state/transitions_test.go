package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/virctl/robot/pkg/types"
)

func TestLookupMatchesTheStateMachineTable(t *testing.T) {
	cases := []struct {
		op         Operation
		trigger    types.State
		inProgress types.State
		success    types.State
	}{
		{OpBuild, types.Requested, types.Building, types.Running},
		{OpRunningUpdate, types.RunningUpdate, types.RunningUpdating, types.Running},
		{OpQuiescedUpdate, types.QuiescedUpdate, types.QuiescedUpdating, types.Quiesced},
		{OpQuiesce, types.Quiesce, types.Quiescing, types.Quiesced},
		{OpRestart, types.Restart, types.Restarting, types.Running},
		{OpScrubPrep, types.Scrub, types.ScrubPrep, types.ScrubQueue},
		{OpScrub, types.ScrubQueue, types.Scrubbing, types.Closed},
	}
	for _, c := range cases {
		tr, ok := Lookup(c.op)
		assert.True(t, ok, "operation %s must be in the table", c.op)
		assert.Equal(t, c.trigger, tr.Trigger)
		assert.Equal(t, c.inProgress, tr.InProgress)
		assert.Equal(t, c.success, tr.Success)
	}
}

func TestParseOperationExcludesScrub(t *testing.T) {
	_, ok := ParseOperation("scrub")
	assert.False(t, ok, "scrub must resolve through ForState, not a fixed Operation")
}

func TestParseOperationKnownBuckets(t *testing.T) {
	for bucket, want := range map[string]Operation{
		"build":           OpBuild,
		"running_update":  OpRunningUpdate,
		"quiesced_update": OpQuiescedUpdate,
		"quiesce":         OpQuiesce,
		"restart":         OpRestart,
	} {
		got, ok := ParseOperation(bucket)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestForStateResolvesTheScrubSplit(t *testing.T) {
	tr, ok := ForState(types.Scrub)
	assert.True(t, ok)
	assert.Equal(t, OpScrubPrep, tr.Operation)
	assert.Equal(t, types.ScrubQueue, tr.Success)

	tr, ok = ForState(types.ScrubQueue)
	assert.True(t, ok)
	assert.Equal(t, OpScrub, tr.Operation)
	assert.Equal(t, types.Closed, tr.Success)
}

func TestForStateRejectsUnrelatedStates(t *testing.T) {
	_, ok := ForState(types.Running)
	assert.False(t, ok)
}
