package iaasapi

import (
	"context"

	"github.com/virctl/robot/pkg/types"
)

type wireStorage struct {
	ID      int  `json:"id"`
	Primary bool `json:"primary"`
	SizeGB  int  `json:"size_gb"`
}

type wireImage struct {
	Name             string `json:"name"`
	OS               string `json:"os"`
	CloudInitCapable bool   `json:"cloud_init_capable"`
}

type wireVMInterface struct {
	ID         int    `json:"id"`
	SubnetID   int    `json:"subnet_id"`
	IsGateway  bool   `json:"is_gateway"`
	MACAddress string `json:"mac_address"`
}

type wireVM struct {
	ID         int               `json:"id"`
	ProjectID  int               `json:"project_id"`
	ServerID   int               `json:"server_id"`
	State      int               `json:"state"`
	CPU        int               `json:"cpu"`
	RAM        int               `json:"ram"`
	Storages   []wireStorage     `json:"storages"`
	Image      wireImage         `json:"image"`
	DNS        []string          `json:"dns"`
	Interfaces []wireVMInterface `json:"interfaces"`
	SSHKey     string            `json:"ssh_key"`
}

const VMPath = "vm"

// ReadVM fetches a VM by id.
func (c *Client) ReadVM(ctx context.Context, id int) (*types.VM, bool, error) {
	var w wireVM
	found, err := c.Read(ctx, VMPath, id, &w)
	if err != nil || !found {
		return nil, found, err
	}
	vm := &types.VM{
		ID:        w.ID,
		ProjectID: w.ProjectID,
		ServerID:  w.ServerID,
		State:     stateFromWire(w.State),
		CPU:       w.CPU,
		RAM:       w.RAM,
		Image:     types.Image{Name: w.Image.Name, OS: w.Image.OS, CloudInitCapable: w.Image.CloudInitCapable},
		DNS:       w.DNS,
		SSHKey:    w.SSHKey,
	}
	for _, s := range w.Storages {
		vm.Storages = append(vm.Storages, types.Storage{ID: s.ID, Primary: s.Primary, SizeGB: s.SizeGB})
	}
	for _, i := range w.Interfaces {
		vm.Interfaces = append(vm.Interfaces, types.Interface{
			ID: i.ID, SubnetID: i.SubnetID, IsGateway: i.IsGateway, MACAddress: i.MACAddress,
		})
	}
	return vm, true, nil
}

type wireSnapshot struct {
	ID              int  `json:"id"`
	VMID            int  `json:"vm_id"`
	ProjectID       int  `json:"project_id"`
	ServerID        int  `json:"server_id"`
	State           int  `json:"state"`
	RepositoryIndex int  `json:"repository_index"`
	RemoveSubtree   bool `json:"remove_subtree"`
}

const SnapshotPath = "snapshot"

// ReadSnapshot fetches a Snapshot by id.
func (c *Client) ReadSnapshot(ctx context.Context, id int) (*types.Snapshot, bool, error) {
	var w wireSnapshot
	found, err := c.Read(ctx, SnapshotPath, id, &w)
	if err != nil || !found {
		return nil, found, err
	}
	return &types.Snapshot{
		ID: w.ID, VMID: w.VMID, ProjectID: w.ProjectID, ServerID: w.ServerID, State: stateFromWire(w.State),
		RepositoryIndex: w.RepositoryIndex, RemoveSubtree: w.RemoveSubtree,
	}, true, nil
}

type wireBackup struct {
	ID              int    `json:"id"`
	VMID            int    `json:"vm_id"`
	ProjectID       int    `json:"project_id"`
	ServerID        int    `json:"server_id"`
	State           int    `json:"state"`
	RepositoryIndex int    `json:"repository_index"`
	TimeValid       string `json:"time_valid"`
}

const BackupPath = "backup"

// ReadBackup fetches a Backup by id.
func (c *Client) ReadBackup(ctx context.Context, id int) (*types.Backup, bool, error) {
	var w wireBackup
	found, err := c.Read(ctx, BackupPath, id, &w)
	if err != nil || !found {
		return nil, found, err
	}
	return &types.Backup{
		ID: w.ID, VMID: w.VMID, ProjectID: w.ProjectID, ServerID: w.ServerID, State: stateFromWire(w.State),
		RepositoryIndex: w.RepositoryIndex,
	}, true, nil
}

// ListVMsInSubnet returns the ids of every other VM with an ip_address
// in subnetID, excluding excludeVMID. Used to determine whether a VM
// scrub is the last tenant of a VLAN bridge (§8 scenario 3).
func (c *Client) ListVMsInSubnet(ctx context.Context, subnetID, excludeVMID int) ([]int, error) {
	ips, err := c.listIPAddressesBySubnet(ctx, subnetID)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var ids []int
	for _, ip := range ips {
		if ip.VMID == 0 || ip.VMID == excludeVMID || seen[ip.VMID] {
			continue
		}
		seen[ip.VMID] = true
		ids = append(ids, ip.VMID)
	}
	return ids, nil
}
