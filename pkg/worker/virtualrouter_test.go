package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/routerconfig"
	"github.com/virctl/robot/pkg/types"
)

func sampleVirtualRouter() *types.VirtualRouter {
	return &types.VirtualRouter{
		ID:               1,
		ProjectID:        30,
		FloatingSubnetID: 99,
		FloatingSubnet:   types.Subnet{ID: 99, AddressRange: "2001:db8::/64", Gateway: "2001:db8::1"},
		FirewallRules: []types.FirewallRule{
			{Order: 1, DestinationCIDR: "10.0.0.0/24", Protocol: "tcp"},
			{Order: 2, DestinationCIDR: "8.8.8.0/24", Port: "443", Protocol: "tcp"},
		},
	}
}

func TestRunVirtualRouterBuildInstallsFloatingBridgeWhenMissing(t *testing.T) {
	podnet := newFakeDriver()
	podnet.exists = false

	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.Requested
	api.virtualRouters[vr.ID] = vr

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "build", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	path := routerconfig.NetplanPath(vr.FloatingSubnetID)
	assert.Contains(t, podnet.writes, path, "a missing floating bridge must be staged")
	assert.Contains(t, podnet.runs, "sudo netplan apply")

	state, ok := api.lastState(iaasapi.VirtualRouterPath, vr.ID)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
}

func TestRunVirtualRouterBuildSkipsFloatingBridgeWhenPresent(t *testing.T) {
	podnet := newFakeDriver()
	podnet.exists = true

	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.Requested
	api.virtualRouters[vr.ID] = vr

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "build", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	path := routerconfig.NetplanPath(vr.FloatingSubnetID)
	assert.NotContains(t, podnet.writes, path, "an existing floating bridge must not be re-staged")
	assert.NotContains(t, podnet.runs, "sudo netplan apply")

	state, ok := api.lastState(iaasapi.VirtualRouterPath, vr.ID)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
}

func TestRunVirtualRouterRunningUpdateNeverTouchesFloatingBridge(t *testing.T) {
	podnet := newFakeDriver()
	podnet.exists = false // even when "missing", running_update must not install it

	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.RunningUpdate
	api.virtualRouters[vr.ID] = vr

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "running_update", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	assert.NotContains(t, podnet.runs, "sudo netplan apply", "the floating bridge is only installed on build")

	state, ok := api.lastState(iaasapi.VirtualRouterPath, vr.ID)
	require.True(t, ok)
	assert.Equal(t, types.Running, state)
}

func TestRunVirtualRouterFailsOnStderr(t *testing.T) {
	podnet := newFakeDriver()
	podnet.runResult = remote.Result{Stderr: "nft: syntax error"}

	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.RunningUpdate
	api.virtualRouters[vr.ID] = vr

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "running_update", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VirtualRouterPath, vr.ID)
	require.True(t, ok, "a virtual router run is judged by stderr, never by exit code")
	assert.Equal(t, types.Unresourced, state)
}

func TestRunVirtualRouterScrubWaitsForClosedSiblingsThenCloses(t *testing.T) {
	podnet := newFakeDriver()
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.ScrubQueue
	api.virtualRouters[vr.ID] = vr
	api.vmStates[vr.ProjectID] = map[int]types.State{1: types.Closed, 2: types.Closed}

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "scrub", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	state, ok := api.lastState(iaasapi.VirtualRouterPath, vr.ID)
	require.True(t, ok)
	assert.Equal(t, types.Closed, state)
}

func TestRunVirtualRouterAfterSuccessResetsDebugAndClearsVPNEmail(t *testing.T) {
	podnet := newFakeDriver()
	env, api := testEnv(t, newFakeDriver(), newFakeRunOnly(), podnet)
	vr := sampleVirtualRouter()
	vr.State = types.RunningUpdate
	vr.Debug = true
	vr.VPNs = []types.VPN{{
		ID: 5, SendEmail: true, EmailRecipients: []string{"ops@example.com"},
		IKEAuthentication: "sha-256", IKEDHGroup: "group19", IKEEncryption: "aes-256-cbc",
		IPSECAuthentication: "hmac-sha1-96", IPSECEncryption: "aes-128-gcm", IPSECPFSGroup: "group14",
	}}
	api.virtualRouters[vr.ID] = vr

	job := dispatcher.Job{Kind: types.KindVirtualRouter, Operation: "running_update", ID: vr.ID, ProjectID: vr.ProjectID}
	env.runVirtualRouter(context.Background(), nil, job)

	require.Len(t, api.debugWrites, 1)
	assert.False(t, api.debugWrites[0])
	require.Len(t, api.emailWrites, 1)
	assert.False(t, api.emailWrites[0])
}
