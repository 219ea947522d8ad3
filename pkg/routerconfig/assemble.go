// Package routerconfig derives the render context for a VirtualRouter's
// firewall, VPN, and floating-bridge templates from the API payload.
// This is the densest part of the core: VLAN bridges, local subnets,
// NAT pairs, ordered firewall rules with derived direction, and VPN
// tunnels translated through six vendor/IPsec-stack lookup tables.
package routerconfig

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/virctl/robot/pkg/types"
)

// DataError is returned when a required input could not be derived
// (template_data_failed) or, after derivation, a required context key
// is still missing (template_data_keys_missing).
type DataError struct {
	Reason  types.FailureReason
	Message string
}

func (e *DataError) Error() string { return string(e.Reason) + ": " + e.Message }

// VLAN is one project-subnet-to-VLAN-tag mapping.
type VLAN struct {
	AddressFamily string
	AddressRange  string
	VLAN          int
}

// NAT is one private/public address pair.
type NAT struct {
	Private string
	Public  string
}

// FirewallRule is a fully-derived rule ready for template rendering.
type FirewallRule struct {
	Order           int
	DestinationCIDR string
	Port            string
	Protocol        string
	Log             bool
	AddressFamily   string
}

// VPNContext is a fully-derived VPN tunnel ready for template rendering.
type VPNContext struct {
	ID                    int
	Routes                []types.VPNRoute
	TrafficSelectorLocal  string
	TrafficSelectorRemote string
	IKEVersion            string // "1" or "2"
	Aggressive            string // "yes" or "no"
	IKEAuthentication     string
	IKEDHGroup            string
	IKEEncryption         string
	IPSECAuthentication   string
	IPSECEncryption       string
	IPSECPFSGroup         string
}

// Context is the full render context for a VirtualRouter's firewall/VPN
// templates, plus the filenames the stager writes.
type Context struct {
	ProjectID int

	VLANs        []VLAN
	LocalSubnets []string
	NATs         []NAT

	InboundRules  []FirewallRule
	OutboundRules []FirewallRule

	VPNs []VPNContext

	// ForceLog is true when the router's debug flag was set; every
	// firewall rule's Log field is forced true regardless of its own
	// pci_logging/debug_logging flags.
	ForceLog bool

	FirewallFilename string
	VPNFilename      string
	TempVPNFilename  string
}

const remotePath = "/home/robot/"

// Assemble derives Context from a VirtualRouter read from the API.
// Rendering the same vr twice produces a byte-identical Context (and,
// through pkg/render, a byte-identical artifact).
func Assemble(vr *types.VirtualRouter) (*Context, error) {
	ctx := &Context{
		ProjectID:        vr.ProjectID,
		ForceLog:         vr.Debug,
		FirewallFilename: fmt.Sprintf("P%d_firewall.nft", vr.ProjectID),
		VPNFilename:      fmt.Sprintf("/etc/swanctl/conf.d/P%d_vpns.conf", vr.ProjectID),
		TempVPNFilename:  fmt.Sprintf("%sP%d_vpns.conf", remotePath, vr.ProjectID),
	}

	for _, s := range vr.Subnets {
		family, err := addressFamily(s.AddressRange)
		if err != nil {
			return nil, &DataError{Reason: types.ReasonTemplateDataFailed, Message: err.Error()}
		}
		ctx.VLANs = append(ctx.VLANs, VLAN{AddressFamily: family, AddressRange: s.AddressRange, VLAN: s.VLAN})
		ctx.LocalSubnets = append(ctx.LocalSubnets, s.AddressRange)
	}

	for _, ip := range vr.IPAddresses {
		if ip.PublicIPID != nil {
			ctx.NATs = append(ctx.NATs, NAT{Private: ip.Address, Public: ip.PublicIP})
		}
	}

	inbound, outbound, err := bucketRules(vr.FirewallRules)
	if err != nil {
		return nil, err
	}
	inboundCtx, err := assembleRules(inbound, vr.Debug)
	if err != nil {
		return nil, err
	}
	outboundCtx, err := assembleRules(outbound, vr.Debug)
	if err != nil {
		return nil, err
	}
	ctx.InboundRules = inboundCtx
	ctx.OutboundRules = outboundCtx

	for _, vpn := range vr.VPNs {
		vc, err := assembleVPN(vpn)
		if err != nil {
			return nil, err
		}
		ctx.VPNs = append(ctx.VPNs, *vc)
	}

	if err := ctx.validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// validate checks the post-derivation keys a rendered template cannot do
// without; an empty VLANs/LocalSubnets list for a router that owns
// subnets would indicate a derivation bug, not a legitimate empty state,
// so this only guards the identifiers that must never be zero.
func (c *Context) validate() error {
	if c.FirewallFilename == "" || c.VPNFilename == "" || c.TempVPNFilename == "" {
		return &DataError{Reason: types.ReasonTemplateDataKeysMissing, Message: "firewall/vpn filenames missing"}
	}
	return nil
}

// bucketRules splits the flat ruleset the API returns into inbound and
// outbound by destination privacy: a rule whose destination is a private
// address is inbound, everything else is outbound.
func bucketRules(rules []types.FirewallRule) (inbound, outbound []types.FirewallRule, err error) {
	for _, r := range rules {
		private, err := isPrivate(r.DestinationCIDR)
		if err != nil {
			return nil, nil, &DataError{Reason: types.ReasonTemplateDataFailed, Message: err.Error()}
		}
		if private {
			inbound = append(inbound, r)
		} else {
			outbound = append(outbound, r)
		}
	}
	return inbound, outbound, nil
}

func assembleRules(rules []types.FirewallRule, forceLog bool) ([]FirewallRule, error) {
	sorted := make([]types.FirewallRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	out := make([]FirewallRule, 0, len(sorted))
	for _, r := range sorted {
		family, err := addressFamily(r.DestinationCIDR)
		if err != nil {
			return nil, &DataError{Reason: types.ReasonTemplateDataFailed, Message: err.Error()}
		}
		port := r.Port
		if port == "" {
			port = "0-65535"
		}
		out = append(out, FirewallRule{
			Order:           r.Order,
			DestinationCIDR: r.DestinationCIDR,
			Port:            port,
			Protocol:        r.Protocol,
			Log:             forceLog || r.PCILogging || r.DebugLogging,
			AddressFamily:   family,
		})
	}
	return out, nil
}

// isPrivate classifies a destination CIDR against the RFC1918/ULA
// blocks; bucketRules uses it to split the API's flat firewall_rules
// list into inbound (private destination) and outbound (everything
// else).
func isPrivate(cidr string) (bool, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}
	for _, block := range privateBlocks {
		_, ipnet, _ := net.ParseCIDR(block)
		if ipnet.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

var privateBlocks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

func addressFamily(cidr string) (string, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}
	if ip.To4() != nil {
		return "IPv4", nil
	}
	return "IPv6", nil
}

func assembleVPN(vpn types.VPN) (*VPNContext, error) {
	tsLocal, tsRemote := vpn.TrafficSelectorLocal, vpn.TrafficSelectorRemote
	if tsLocal == "" {
		tsLocal = "0.0.0.0/0"
	}
	if tsRemote == "" {
		tsRemote = "0.0.0.0/0"
	}

	ikeVersion := "2"
	if vpn.IKEVersion == "v1-only" {
		ikeVersion = "1"
	}

	aggressive := "no"
	if strings.EqualFold(vpn.IKEMode, "aggressive") {
		aggressive = "yes"
	}

	ikeAuth, err := lookup(ikeAuthenticationMap, "ike_authentication", vpn.IKEAuthentication)
	if err != nil {
		return nil, err
	}
	ikeDH, err := lookup(ikeDHGroupMap, "ike_dh_group", vpn.IKEDHGroup)
	if err != nil {
		return nil, err
	}
	ikeEnc, err := lookup(ikeEncryptionMap, "ike_encryption", vpn.IKEEncryption)
	if err != nil {
		return nil, err
	}
	ipsecAuth, err := lookup(ipsecAuthenticationMap, "ipsec_authentication", vpn.IPSECAuthentication)
	if err != nil {
		return nil, err
	}
	ipsecEnc, err := lookup(ipsecEncryptionMap, "ipsec_encryption", vpn.IPSECEncryption)
	if err != nil {
		return nil, err
	}
	ipsecPFS, err := lookup(ipsecPFSGroupMap, "ipsec_pfs_group", vpn.IPSECPFSGroup)
	if err != nil {
		return nil, err
	}

	return &VPNContext{
		ID:                    vpn.ID,
		Routes:                vpn.Routes,
		TrafficSelectorLocal:  tsLocal,
		TrafficSelectorRemote: tsRemote,
		IKEVersion:            ikeVersion,
		Aggressive:            aggressive,
		IKEAuthentication:     ikeAuth,
		IKEDHGroup:            ikeDH,
		IKEEncryption:         ikeEnc,
		IPSECAuthentication:   ipsecAuth,
		IPSECEncryption:       ipsecEnc,
		IPSECPFSGroup:         ipsecPFS,
	}, nil
}

// FloatingBridgeFilename is the name the floating-subnet bridge YAML is
// written under on PodNet's netplan directory.
func FloatingBridgeFilename(floatingSubnetID int) string {
	return fmt.Sprintf("%d-config.yaml", floatingSubnetID)
}

// NetplanPath is the absolute path the VirtualRouter build worker
// checks for existence before rendering and staging a new floating
// bridge.
func NetplanPath(floatingSubnetID int) string {
	return fmt.Sprintf("/etc/netplan/%s", FloatingBridgeFilename(floatingSubnetID))
}

// RemoteWorkingDir is the PodNet scratch directory atomic writes stage
// through before being moved into place.
func RemoteWorkingDir() string { return remotePath }
