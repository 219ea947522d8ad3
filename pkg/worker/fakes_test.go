package worker

import (
	"context"

	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/types"
)

// fakeAPI is an in-memory stand-in for *iaasapi.Client. Tests seed its
// maps directly and inspect stateWrites afterward instead of asserting
// against HTTP calls, so a worker can be exercised without a real IaaS
// API endpoint.
type fakeAPI struct {
	vms            map[int]*types.VM
	snapshots      map[int]*types.Snapshot
	backups        map[int]*types.Backup
	virtualRouters map[int]*types.VirtualRouter
	servers        map[int]*types.Server

	vrByProject map[int]*types.VirtualRouter
	subnets     map[int]types.Subnet
	ips         map[int][]types.IPAddress
	vmsInSubnet map[int][]int
	serverType  map[int]types.ServerType
	vmStates    map[int]map[int]types.State

	stateWrites []stateWrite
	debugWrites []bool
	emailWrites []bool
}

type stateWrite struct {
	path  string
	id    int
	state types.State
	extra map[string]interface{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		vms:            map[int]*types.VM{},
		snapshots:      map[int]*types.Snapshot{},
		backups:        map[int]*types.Backup{},
		virtualRouters: map[int]*types.VirtualRouter{},
		servers:        map[int]*types.Server{},
		vrByProject:    map[int]*types.VirtualRouter{},
		subnets:        map[int]types.Subnet{},
		ips:            map[int][]types.IPAddress{},
		vmsInSubnet:    map[int][]int{},
		serverType:     map[int]types.ServerType{},
		vmStates:       map[int]map[int]types.State{},
	}
}

func (f *fakeAPI) ReadVM(ctx context.Context, id int) (*types.VM, bool, error) {
	vm, ok := f.vms[id]
	return vm, ok, nil
}

func (f *fakeAPI) ReadSnapshot(ctx context.Context, id int) (*types.Snapshot, bool, error) {
	s, ok := f.snapshots[id]
	return s, ok, nil
}

func (f *fakeAPI) ReadBackup(ctx context.Context, id int) (*types.Backup, bool, error) {
	b, ok := f.backups[id]
	return b, ok, nil
}

func (f *fakeAPI) ReadVirtualRouter(ctx context.Context, id int) (*types.VirtualRouter, bool, error) {
	vr, ok := f.virtualRouters[id]
	return vr, ok, nil
}

func (f *fakeAPI) ReadServer(ctx context.Context, id int) (*types.Server, bool, error) {
	s, ok := f.servers[id]
	return s, ok, nil
}

func (f *fakeAPI) FindVirtualRouterByProject(ctx context.Context, projectID int) (*types.VirtualRouter, bool, error) {
	vr, ok := f.vrByProject[projectID]
	return vr, ok, nil
}

func (f *fakeAPI) ListSubnetsForProject(ctx context.Context, projectID int) (map[int]types.Subnet, error) {
	return f.subnets, nil
}

func (f *fakeAPI) ListIPAddressesForVM(ctx context.Context, vmID int) ([]types.IPAddress, error) {
	return f.ips[vmID], nil
}

func (f *fakeAPI) ListVMsInSubnet(ctx context.Context, subnetID, excludeVMID int) ([]int, error) {
	var out []int
	for _, id := range f.vmsInSubnet[subnetID] {
		if id != excludeVMID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeAPI) ListServerIDsByType(ctx context.Context, candidateIDs []int, serverType types.ServerType) ([]int, error) {
	var matched []int
	for _, id := range candidateIDs {
		if f.serverType[id] == serverType {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

func (f *fakeAPI) ListVMStatesByProject(ctx context.Context, projectID int) (map[int]types.State, error) {
	return f.vmStates[projectID], nil
}

func (f *fakeAPI) PartialUpdateState(ctx context.Context, path string, id int, state types.State, extra map[string]interface{}) error {
	f.stateWrites = append(f.stateWrites, stateWrite{path: path, id: id, state: state, extra: extra})
	switch path {
	case iaasapi.VMPath:
		if vm, ok := f.vms[id]; ok {
			vm.State = state
		}
	case iaasapi.SnapshotPath:
		if s, ok := f.snapshots[id]; ok {
			s.State = state
		}
	case iaasapi.BackupPath:
		if b, ok := f.backups[id]; ok {
			b.State = state
		}
	case iaasapi.VirtualRouterPath:
		if vr, ok := f.virtualRouters[id]; ok {
			vr.State = state
		}
	}
	return nil
}

func (f *fakeAPI) PartialUpdateVRDebug(ctx context.Context, id int, debug bool) error {
	f.debugWrites = append(f.debugWrites, debug)
	return nil
}

func (f *fakeAPI) PartialUpdateVPNSendEmail(ctx context.Context, id int, sendEmail bool) error {
	f.emailWrites = append(f.emailWrites, sendEmail)
	return nil
}

// lastState returns the most recently written state for id under path,
// letting a test skip past the trigger->in-progress write and assert
// only the final outcome.
func (f *fakeAPI) lastState(path string, id int) (types.State, bool) {
	var last stateWrite
	found := false
	for _, w := range f.stateWrites {
		if w.path == path && w.id == id {
			last = w
			found = true
		}
	}
	return last.state, found
}

// fakeDriver is an in-memory stand-in for remote.FileDriver (and, used
// bare, remote.Driver): a test sets runResult/runErr/existsErr up front
// and inspects runs/writes afterward, so a worker can be exercised
// without a real SSH or WinRM endpoint.
type fakeDriver struct {
	runResult remote.Result
	runErr    error
	runs      []string

	writeErr error
	writes   map[string][]byte

	exists    bool
	existsErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{writes: map[string][]byte{}}
}

func (f *fakeDriver) Run(ctx context.Context, server types.Server, command string) (remote.Result, error) {
	f.runs = append(f.runs, command)
	if f.runErr != nil {
		return remote.Result{}, f.runErr
	}
	return f.runResult, nil
}

func (f *fakeDriver) WriteFile(ctx context.Context, server types.Server, remotePath string, content []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes[remotePath] = content
	return nil
}

func (f *fakeDriver) Exists(ctx context.Context, server types.Server, remotePath string) (bool, error) {
	return f.exists, f.existsErr
}

// fakeRunOnlyDriver implements remote.Driver but not remote.FileDriver,
// mirroring the real WinRMDriver's shape: no WriteFile method at all, so
// pushFile must fall back to its base64 WriteAllBytes branch for a
// Windows target rather than taking the SFTP-style shortcut.
type fakeRunOnlyDriver struct {
	runResult remote.Result
	runErr    error
	runs      []string
}

func (f *fakeRunOnlyDriver) Run(ctx context.Context, server types.Server, command string) (remote.Result, error) {
	f.runs = append(f.runs, command)
	if f.runErr != nil {
		return remote.Result{}, f.runErr
	}
	return f.runResult, nil
}
