package iaasapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/virctl/robot/pkg/types"
)

type wireSubnet struct {
	ID           int    `json:"id"`
	AddressRange string `json:"address_range"`
	VLAN         int    `json:"vlan"`
	Gateway      string `json:"gateway"`
}

type wireIPAddress struct {
	ID         int    `json:"id"`
	SubnetID   int    `json:"subnet_id"`
	VMID       int    `json:"vm_id"`
	Address    string `json:"address"`
	PublicIPID *int   `json:"public_ip_id"`
	PublicIP   string `json:"public_ip"`
}

type wireFirewallRule struct {
	Order           int    `json:"order"`
	DestinationCIDR string `json:"destination"`
	Port            string `json:"port"`
	Protocol        string `json:"protocol"`
	PCILogging      bool   `json:"pci_logging"`
	DebugLogging    bool   `json:"debug_logging"`
}

type wireVPNRoute struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type wireVPN struct {
	ID                    int            `json:"id"`
	VirtualRouterID       int            `json:"virtual_router_id"`
	Routes                []wireVPNRoute `json:"routes"`
	TrafficSelectorLocal  string         `json:"traffic_selector_local"`
	TrafficSelectorRemote string         `json:"traffic_selector_remote"`
	IKEVersion            string         `json:"ike_version"`
	IKEMode               string         `json:"ike_mode"`
	IKEAuthentication     string         `json:"ike_authentication"`
	IKEDHGroup            string         `json:"ike_dh_group"`
	IKEEncryption         string         `json:"ike_encryption"`
	IPSECAuthentication   string         `json:"ipsec_authentication"`
	IPSECEncryption       string         `json:"ipsec_encryption"`
	IPSECPFSGroup         string         `json:"ipsec_pfs_group"`
	SendEmail             bool           `json:"send_email"`
	EmailRecipients       []string       `json:"email_recipients"`
}

type wireVirtualRouter struct {
	ID               int                `json:"id"`
	ProjectID        int                `json:"project_id"`
	State            int                `json:"state"`
	Debug            bool               `json:"debug"`
	FloatingSubnetID int                `json:"floating_subnet_id"`
	FloatingSubnet   wireSubnet         `json:"floating_subnet"`
	Subnets          []wireSubnet       `json:"subnets"`
	FirewallRules    []wireFirewallRule `json:"firewall_rules"`
}

const VirtualRouterPath = "virtual_router"

// ReadVirtualRouter fetches a VirtualRouter and its owned ip_address and
// vpn lists, assembling them into types.VirtualRouter. found is false on
// a 404 (an invalid_virtual_router_id condition upstream).
func (c *Client) ReadVirtualRouter(ctx context.Context, id int) (*types.VirtualRouter, bool, error) {
	var w wireVirtualRouter
	found, err := c.Read(ctx, VirtualRouterPath, id, &w)
	if err != nil || !found {
		return nil, found, err
	}

	vr := &types.VirtualRouter{
		ID:               w.ID,
		ProjectID:        w.ProjectID,
		State:            stateFromWire(w.State),
		Debug:            w.Debug,
		FloatingSubnetID: w.FloatingSubnetID,
		FloatingSubnet:   subnetFromWire(w.FloatingSubnet),
	}
	for _, s := range w.Subnets {
		vr.Subnets = append(vr.Subnets, subnetFromWire(s))
	}
	for _, r := range w.FirewallRules {
		vr.FirewallRules = append(vr.FirewallRules, firewallRuleFromWire(r))
	}

	ips, err := c.listIPAddresses(ctx, w.ProjectID)
	if err != nil {
		return nil, true, err
	}
	vr.IPAddresses = ips

	vpns, err := c.listVPNs(ctx, w.ID)
	if err != nil {
		return nil, true, err
	}
	vr.VPNs = vpns

	return vr, true, nil
}

func (c *Client) listIPAddresses(ctx context.Context, projectID int) ([]types.IPAddress, error) {
	var raw []json.RawMessage
	filter := struct {
		ProjectID int `url:"project_id"`
	}{ProjectID: projectID}
	if err := c.List(ctx, "ip_address", &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing ip_address: %w", err)
	}
	out := make([]types.IPAddress, 0, len(raw))
	for _, r := range raw {
		var w wireIPAddress
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("decoding ip_address: %w", err)
		}
		out = append(out, types.IPAddress{
			ID:         w.ID,
			SubnetID:   w.SubnetID,
			VMID:       w.VMID,
			Address:    w.Address,
			PublicIPID: w.PublicIPID,
			PublicIP:   w.PublicIP,
		})
	}
	return out, nil
}

func (c *Client) listIPAddressesBySubnet(ctx context.Context, subnetID int) ([]types.IPAddress, error) {
	var raw []json.RawMessage
	filter := struct {
		SubnetID int `url:"subnet_id"`
	}{SubnetID: subnetID}
	if err := c.List(ctx, "ip_address", &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing ip_address by subnet: %w", err)
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

func (c *Client) listVPNs(ctx context.Context, virtualRouterID int) ([]types.VPN, error) {
	var raw []json.RawMessage
	filter := struct {
		VirtualRouterID int `url:"virtual_router_id"`
	}{VirtualRouterID: virtualRouterID}
	if err := c.List(ctx, "vpn", &filter, &raw); err != nil {
		return nil, fmt.Errorf("listing vpn: %w", err)
	}
	out := make([]types.VPN, 0, len(raw))
	for _, r := range raw {
		var w wireVPN
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("decoding vpn: %w", err)
		}
		vpn := types.VPN{
			ID:                    w.ID,
			VirtualRouterID:       w.VirtualRouterID,
			TrafficSelectorLocal:  w.TrafficSelectorLocal,
			TrafficSelectorRemote: w.TrafficSelectorRemote,
			IKEVersion:            w.IKEVersion,
			IKEMode:               w.IKEMode,
			IKEAuthentication:     w.IKEAuthentication,
			IKEDHGroup:            w.IKEDHGroup,
			IKEEncryption:         w.IKEEncryption,
			IPSECAuthentication:   w.IPSECAuthentication,
			IPSECEncryption:       w.IPSECEncryption,
			IPSECPFSGroup:         w.IPSECPFSGroup,
			SendEmail:             w.SendEmail,
			EmailRecipients:       w.EmailRecipients,
		}
		for _, route := range w.Routes {
			vpn.Routes = append(vpn.Routes, types.VPNRoute{Local: route.Local, Remote: route.Remote})
		}
		out = append(out, vpn)
	}
	return out, nil
}

func subnetFromWire(w wireSubnet) types.Subnet {
	return types.Subnet{ID: w.ID, AddressRange: w.AddressRange, VLAN: w.VLAN, Gateway: w.Gateway}
}

func firewallRuleFromWire(w wireFirewallRule) types.FirewallRule {
	return types.FirewallRule{
		Order:           w.Order,
		DestinationCIDR: w.DestinationCIDR,
		Port:            w.Port,
		Protocol:        w.Protocol,
		PCILogging:      w.PCILogging,
		DebugLogging:    w.DebugLogging,
	}
}

// stateFromWire maps the API's integer state code to types.State. The
// real contract enumerates these as small integers; the mapping itself
// is opaque API behavior, so this agent only needs a stable round trip
// through the same table used when writing state back.
var stateCodes = []types.State{
	types.Requested, types.Building, types.Running,
	types.Quiesce, types.Quiescing, types.Quiesced,
	types.Restart, types.Restarting,
	types.Scrub, types.ScrubPrep, types.ScrubQueue, types.Scrubbing, types.Closed,
	types.RunningUpdate, types.RunningUpdating, types.QuiescedUpdate, types.QuiescedUpdating,
	types.Unresourced,
}

func stateFromWire(code int) types.State {
	if code < 0 || code >= len(stateCodes) {
		return types.Unresourced
	}
	return stateCodes[code]
}

// StateCode returns the integer the API expects for a state in a
// partial-update body.
func StateCode(s types.State) int {
	for i, st := range stateCodes {
		if st == s {
			return i
		}
	}
	return len(stateCodes) - 1
}

// PartialUpdateVRDebug resets the VirtualRouter's debug flag after a
// build/update run has forced logging on for it once.
func (c *Client) PartialUpdateVRDebug(ctx context.Context, id int, debug bool) error {
	return c.PartialUpdate(ctx, VirtualRouterPath, id, map[string]interface{}{"debug": debug})
}

// PartialUpdateVPNSendEmail clears send_email after the build/update
// notification for this VPN has fired.
func (c *Client) PartialUpdateVPNSendEmail(ctx context.Context, id int, sendEmail bool) error {
	return c.PartialUpdate(ctx, "vpn", id, map[string]interface{}{"send_email": sendEmail})
}
