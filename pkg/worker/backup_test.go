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

func TestRunBackupBuildRecordsTimeValid(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "Backup done"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.backups[1] = &types.Backup{ID: 1, VMID: 10, ProjectID: 20, ServerID: 100, State: types.Requested, RepositoryIndex: 1}
	api.vms[10] = &types.VM{ID: 10, ProjectID: 20}
	api.servers[100] = &types.Server{ID: 100, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::20"},
	}}

	job := dispatcher.Job{Kind: types.KindBackup, Operation: "build", ID: 1, ProjectID: 20}
	env.runBackup(context.Background(), nil, job)

	var success stateWrite
	found := false
	for _, w := range api.stateWrites {
		if w.path == iaasapi.BackupPath && w.id == 1 && w.state == types.Running {
			success, found = w, true
		}
	}
	require.True(t, found, "build must reach its success state")
	require.NotNil(t, success.extra, "a build success must carry time_valid")
	assert.Contains(t, success.extra, "time_valid")
}

func TestRunBackupRunningUpdateDoesNotRecordTimeValid(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "Backup update completed"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.backups[2] = &types.Backup{ID: 2, VMID: 11, ProjectID: 21, ServerID: 101, State: types.RunningUpdate, RepositoryIndex: 1}
	api.vms[11] = &types.VM{ID: 11, ProjectID: 21}
	api.servers[101] = &types.Server{ID: 101, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::21"},
	}}

	job := dispatcher.Job{Kind: types.KindBackup, Operation: "running_update", ID: 2, ProjectID: 21}
	env.runBackup(context.Background(), nil, job)

	var success stateWrite
	found := false
	for _, w := range api.stateWrites {
		if w.path == iaasapi.BackupPath && w.id == 2 && w.state == types.Running {
			success, found = w, true
		}
	}
	require.True(t, found, "running_update must still reach its success state")
	assert.NotContains(t, success.extra, "time_valid", "time_valid is only ever captured on a build, not a running_update")
}

func TestRunBackupScrubAlreadyDeletedIsIdempotent(t *testing.T) {
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), newFakeDriver())

	job := dispatcher.Job{Kind: types.KindBackup, Operation: "scrub", ID: 777, ProjectID: 1}
	env.runBackup(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.BackupPath, 777)
	require.True(t, ok)
	assert.Equal(t, types.Closed, state)
}
