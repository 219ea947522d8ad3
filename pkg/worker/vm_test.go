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

func TestRunVMBuildLinuxSucceeds(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "Bridge build completed\nDomain creation completed"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.vms[1] = &types.VM{
		ID: 1, ProjectID: 10, ServerID: 100, State: types.Requested,
		CPU: 2, RAM: 1024,
		Image:      types.Image{Name: "ubuntu-2004", OS: "linux"},
		Interfaces: []types.Interface{{ID: 1, SubnetID: 5, IsGateway: true}},
		Storages:   []types.Storage{{ID: 1, Primary: true, SizeGB: 20}},
	}
	api.servers[100] = &types.Server{ID: 100, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::1"},
	}}
	api.subnets[5] = types.Subnet{ID: 5, AddressRange: "10.0.0.0/24", VLAN: 50, Gateway: "10.0.0.1"}
	api.ips[1] = []types.IPAddress{{ID: 1, SubnetID: 5, VMID: 1, Address: "10.0.0.5"}}
	api.vrByProject[10] = &types.VirtualRouter{ID: 2, ProjectID: 10, State: types.Running}

	job := dispatcher.Job{Kind: types.KindVM, Operation: "build", ID: 1, ProjectID: 10}
	env.runVM(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VMPath, 1)
	require.True(t, ok, "expected a final state write")
	assert.Equal(t, types.Running, state)
	assert.Len(t, ssh.writes, 1, "kickstart is the only file a non-cloud-init linux build pushes")
	assert.Empty(t, api.vms[1].AdminPassword, "credentials must be scrubbed once the build finishes")
}

func TestRunVMBuildWindowsUsesBase64FallbackNotSFTP(t *testing.T) {
	winrm := newFakeRunOnly()
	winrm.runResult = remote.Result{Stdout: "VM Successfully Created"}

	env, api := testEnv(t, newFakeDriver(), winrm, newFakeDriver())
	api.vms[2] = &types.VM{
		ID: 2, ProjectID: 11, ServerID: 200, State: types.Requested,
		CPU: 4, RAM: 4096,
		Image: types.Image{Name: "win2019", OS: "windows-server-2019"},
	}
	api.servers[200] = &types.Server{ID: 200, Type: types.ServerHyperV, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::2"},
	}}
	api.vrByProject[11] = &types.VirtualRouter{ID: 3, ProjectID: 11, State: types.Running}

	job := dispatcher.Job{Kind: types.KindVM, Operation: "build", ID: 2, ProjectID: 11}
	env.runVM(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VMPath, 2)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
	require.Len(t, winrm.runs, 2, "unattend.xml push plus the build script, both through Run since WinRM has no WriteFile")
	assert.Contains(t, winrm.runs[0], "WriteAllBytes", "pushFile's base64 fallback must be used, not a direct write")
}

func TestRunVMBuildQuarantinesWhenVirtualRouterUnresourced(t *testing.T) {
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), newFakeDriver())
	api.vms[3] = &types.VM{ID: 3, ProjectID: 12, ServerID: 300, State: types.Requested}
	api.vrByProject[12] = &types.VirtualRouter{ID: 4, ProjectID: 12, State: types.Unresourced}

	job := dispatcher.Job{Kind: types.KindVM, Operation: "build", ID: 3, ProjectID: 12}
	env.runVM(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VMPath, 3)
	require.True(t, ok, "vr_unresourced is a real failure reason, unlike not_in_valid_state, so it must quarantine")
	assert.Equal(t, types.Unresourced, state)
}

func TestRunVMRunningUpdateNotInValidStateAbortsSilently(t *testing.T) {
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), newFakeDriver())
	api.vms[4] = &types.VM{ID: 4, ProjectID: 13, ServerID: 400, State: types.Running}

	job := dispatcher.Job{Kind: types.KindVM, Operation: "running_update", ID: 4, ProjectID: 13}
	env.runVM(context.Background(), nil, job)

	assert.Empty(t, api.stateWrites, "a trigger mismatch must never write any state, including UNRESOURCED")
}

func TestRunVMScrubQueueRunsDeleteScriptAndCloses(t *testing.T) {
	ssh := newFakeDriver()
	ssh.runResult = remote.Result{Stdout: "Successfully Deleted"}

	env, api := testEnv(t, ssh, newFakeRunOnly(), newFakeDriver())
	api.vms[5] = &types.VM{
		ID: 5, ProjectID: 14, ServerID: 500, State: types.ScrubQueue,
		Image: types.Image{OS: "linux"},
	}
	api.servers[500] = &types.Server{ID: 500, Type: types.ServerKVM, Interfaces: []types.ServerInterface{
		{Enabled: true, Family: "IPv6", Address: "fd00::5"},
	}}

	job := dispatcher.Job{Kind: types.KindVM, Operation: "scrub", ID: 5, ProjectID: 14}
	env.runVM(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VMPath, 5)
	require.True(t, ok)
	assert.Equal(t, types.Closed, state)
}

func TestRunVMScrubAlreadyDeletedIsIdempotent(t *testing.T) {
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), newFakeDriver())

	job := dispatcher.Job{Kind: types.KindVM, Operation: "scrub", ID: 999, ProjectID: 1}
	env.runVM(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VMPath, 999)
	require.True(t, ok)
	assert.Equal(t, types.Closed, state)
}

func newFakeRunOnly() *fakeRunOnlyDriver { return &fakeRunOnlyDriver{} }
