package iaasapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/virctl/robot/pkg/types"
)

// wire payload shapes. The API is treated as an opaque external
// collaborator: these structs only name the fields this agent actually
// reads or writes, not the resource's full contract.

type wireServerInterface struct {
	Enabled bool   `json:"enabled"`
	Family  string `json:"family"`
	Address string `json:"address"`
}

type wireServer struct {
	ID         int                    `json:"id"`
	Type       string                 `json:"type"`
	Hostname   string                 `json:"hostname"`
	Interfaces []wireServerInterface  `json:"interfaces"`
}

// ReadServer reads the hypervisor/PodNet server record that selects the
// remote driver a worker should use.
func (c *Client) ReadServer(ctx context.Context, id int) (*types.Server, bool, error) {
	var w wireServer
	found, err := c.Read(ctx, "server", id, &w)
	if err != nil || !found {
		return nil, found, err
	}
	s := &types.Server{ID: w.ID, Type: types.ServerType(w.Type), Hostname: w.Hostname}
	for _, iface := range w.Interfaces {
		s.Interfaces = append(s.Interfaces, types.ServerInterface{
			Enabled: iface.Enabled,
			Family:  iface.Family,
			Address: iface.Address,
		})
	}
	return s, true, nil
}

// ScrubQueueFilter selects resources queued for the daily scrub sweep,
// optionally bounded by age in production (updated <= now - N days).
type ScrubQueueFilter struct {
	State         string `url:"state"`
	UpdatedBefore string `url:"updated__lte,omitempty"`
}

// ListScrubQueue returns the raw ids of every resource of the given
// kind sitting in SCRUB_QUEUE, for the daily sweep.
func (c *Client) ListScrubQueue(ctx context.Context, kindPath string, filter ScrubQueueFilter) ([]int, error) {
	var raw []json.RawMessage
	if err := c.List(ctx, kindPath, &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing %s scrub queue: %w", kindPath, err)
	}
	ids := make([]int, 0, len(raw))
	for _, r := range raw {
		var row struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(r, &row); err != nil {
			return nil, fmt.Errorf("decoding %s scrub queue row: %w", kindPath, err)
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// ListServerIDsByType returns the ids of every server of the given
// type among candidateIDs. Used by the VM scrub worker to determine
// whether any KVM hypervisor still hosts a tenant of a shared VLAN
// bridge before deleting it.
func (c *Client) ListServerIDsByType(ctx context.Context, candidateIDs []int, serverType types.ServerType) ([]int, error) {
	var matched []int
	for _, id := range candidateIDs {
		srv, found, err := c.ReadServer(ctx, id)
		if err != nil {
			return nil, err
		}
		if found && srv.Type == serverType {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// PartialUpdateState sets a resource's state field. It is the single
// write every worker transition (trigger->in-progress, success,
// UNRESOURCED) goes through.
func (c *Client) PartialUpdateState(ctx context.Context, path string, id int, state types.State, extra map[string]interface{}) error {
	body := map[string]interface{}{"state": StateCode(state)}
	for k, v := range extra {
		body[k] = v
	}
	return c.PartialUpdate(ctx, path, id, body)
}

// FindVirtualRouterByProject locates the project's VirtualRouter. A VM
// only carries its project id, not its router's id directly, so the
// VM-build readiness gate (§4.1) resolves it by filtering
// virtual_router on project_id and reading the first match.
func (c *Client) FindVirtualRouterByProject(ctx context.Context, projectID int) (*types.VirtualRouter, bool, error) {
	var raw []json.RawMessage
	filter := struct {
		ProjectID int `url:"project_id"`
	}{ProjectID: projectID}
	if err := c.List(ctx, VirtualRouterPath, &filter, &raw); err != nil {
		return nil, false, fmt.Errorf("listing virtual_router for project %d: %w", projectID, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	var row struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(raw[0], &row); err != nil {
		return nil, false, fmt.Errorf("decoding virtual_router row: %w", err)
	}
	return c.ReadVirtualRouter(ctx, row.ID)
}

// ListSubnetsForProject returns every subnet owned by projectID, keyed
// by id, used to resolve a VM interface's VLAN/gateway/address range
// when rendering its network context.
func (c *Client) ListSubnetsForProject(ctx context.Context, projectID int) (map[int]types.Subnet, error) {
	var raw []json.RawMessage
	filter := struct {
		ProjectID int `url:"project_id"`
	}{ProjectID: projectID}
	if err := c.List(ctx, "subnet", &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing subnet for project %d: %w", projectID, err)
	}
	out := make(map[int]types.Subnet, len(raw))
	for _, r := range raw {
		var w wireSubnet
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("decoding subnet: %w", err)
		}
		out[w.ID] = subnetFromWire(w)
	}
	return out, nil
}

// ListIPAddressesForVM returns the ip_address records bound to vmID,
// used to build a VM's kickstart/cloud-init network context.
func (c *Client) ListIPAddressesForVM(ctx context.Context, vmID int) ([]types.IPAddress, error) {
	var raw []json.RawMessage
	filter := struct {
		VMID int `url:"vm_id"`
	}{VMID: vmID}
	if err := c.List(ctx, "ip_address", &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing ip_address for vm %d: %w", vmID, err)
	}
	out := make([]types.IPAddress, 0, len(raw))
	for _, r := range raw {
		var w wireIPAddress
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("decoding ip_address: %w", err)
		}
		out = append(out, types.IPAddress{
			ID: w.ID, SubnetID: w.SubnetID, VMID: w.VMID, Address: w.Address,
			PublicIPID: w.PublicIPID, PublicIP: w.PublicIP,
		})
	}
	return out, nil
}

// projectVMStates is the minimal shape read for the VirtualRouter-scrub
// all-VMs-closed gate (§4.1): only the state field is needed.
type projectVMStates struct {
	ID    int `json:"id"`
	State int `json:"state"`
}

// ListVMStatesByProject returns the (id, state) of every VM owned by
// projectID, used to gate a VirtualRouter scrub on every sibling VM
// already being CLOSED.
func (c *Client) ListVMStatesByProject(ctx context.Context, projectID int) (map[int]types.State, error) {
	var raw []json.RawMessage
	filter := struct {
		ProjectID int `url:"project_id"`
	}{ProjectID: projectID}
	if err := c.List(ctx, VMPath, &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing vm for project %d: %w", projectID, err)
	}
	out := make(map[int]types.State, len(raw))
	for _, r := range raw {
		var row projectVMStates
		if err := json.Unmarshal(r, &row); err != nil {
			return nil, fmt.Errorf("decoding vm row: %w", err)
		}
		out[row.ID] = stateFromWire(row.State)
	}
	return out, nil
}
