package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/types"
)

func TestRunSnapshotBuildLinuxSucceeds(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "snapshot created"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.snapshots[1] = &types.Snapshot{ID: 1, VMID: 10, ProjectID: 20, ServerID: 100, State: types.Requested, RepositoryIndex: 1}
	api.vms[10] = &types.VM{ID: 10, ProjectID: 20}
	api.servers[100] = &types.Server{ID: 100, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::10"},
	}}

	job := dispatcher.Job{Kind: types.KindSnapshot, Operation: "build", ID: 1, ProjectID: 20}
	env.runSnapshot(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.SnapshotPath, 1)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
}

func TestRunSnapshotBuildOnPhantomServerSkipsRemote(t *testing.T) {
	ssh := newFakeDriver()
	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.snapshots[2] = &types.Snapshot{ID: 2, VMID: 11, ProjectID: 21, ServerID: 101, State: types.Requested}
	api.vms[11] = &types.VM{ID: 11, ProjectID: 21}
	api.servers[101] = &types.Server{ID: 101, Type: types.ServerPhantom}

	job := dispatcher.Job{Kind: types.KindSnapshot, Operation: "build", ID: 2, ProjectID: 21}
	env.runSnapshot(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.SnapshotPath, 2)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
	assert.Empty(t, ssh.runs, "a phantom server is never actually contacted")
}

func TestRunSnapshotScrubNotFoundIsAlreadySatisfied(t *testing.T) {
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), newFakeDriver())

	job := dispatcher.Job{Kind: types.KindSnapshot, Operation: "scrub", ID: 404, ProjectID: 1}
	env.runSnapshot(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.SnapshotPath, 404)
	require.True(t, ok)
	assert.Equal(t, types.Closed, state)
}

func TestRunSnapshotFailsWhenRemoteScriptErrors(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "nope, disk busy"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.snapshots[3] = &types.Snapshot{ID: 3, VMID: 12, ProjectID: 22, ServerID: 102, State: types.Requested}
	api.vms[12] = &types.VM{ID: 12, ProjectID: 22}
	api.servers[102] = &types.Server{ID: 102, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::12"},
	}}

	job := dispatcher.Job{Kind: types.KindSnapshot, Operation: "build", ID: 3, ProjectID: 22}
	env.runSnapshot(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.SnapshotPath, 3)
	require.True(t, ok, "a missing success sentinel must still quarantine the resource")
	assert.Equal(t, types.Unresourced, state)
}
