package types

import (
	"errors"
	"time"
)

var errNoEnabledIPv6Interface = errors.New("no enabled IPv6 interface")

// ResourceKind names the four reconcilable resource variants.
type ResourceKind string

const (
	KindVirtualRouter ResourceKind = "virtual_router"
	KindVM            ResourceKind = "vm"
	KindSnapshot      ResourceKind = "snapshot"
	KindBackup        ResourceKind = "backup"
)

// FailureReason is the closed taxonomy used in logs, tracing tags, and
// failure emails.
type FailureReason string

const (
	ReasonTemplateDataFailed      FailureReason = "template_data_failed"
	ReasonTemplateDataKeysMissing FailureReason = "template_data_keys_missing"
	ReasonCouldNotUpdateState     FailureReason = "could_not_update_state"
	ReasonServerNotRead           FailureReason = "server_not_read"
	ReasonSSHError                FailureReason = "ssh_error"
	ReasonWinRMError              FailureReason = "winrm_error"
	ReasonUnsupportedServerType   FailureReason = "unsupported_server_type"
	ReasonNotInValidState         FailureReason = "not_in_valid_state"
	ReasonInvalidResourceID       FailureReason = "invalid_resource_id"
	ReasonAlreadyDeleted          FailureReason = "already_deleted"
	ReasonVRNotReady              FailureReason = "vr_not_ready"
	ReasonVRUnresourced           FailureReason = "vr_unresourced"
)

// WorkerError is one entry in a resource's in-memory error list,
// accumulated over a single worker run and rendered into the failure
// notification. It is never persisted to the API beyond the state change.
type WorkerError struct {
	Reason  FailureReason
	Message string
	At      time.Time
}

// Server describes a physical host or the PodNet appliance.
type Server struct {
	ID         int
	Type       ServerType
	Hostname   string
	Interfaces []ServerInterface
}

type ServerType string

const (
	ServerKVM     ServerType = "KVM"
	ServerHyperV  ServerType = "HyperV"
	ServerPhantom ServerType = "Phantom"
)

type ServerInterface struct {
	Enabled bool
	Family  string // "IPv4" or "IPv6"
	Address string
}

// Address selects the host address the remote executor dials: the first
// enabled IPv6 interface. Absence is a hard error per the host-selection
// boundary behavior.
func (s *Server) Address() (string, error) {
	for _, iface := range s.Interfaces {
		if iface.Enabled && iface.Family == "IPv6" && iface.Address != "" {
			return iface.Address, nil
		}
	}
	return "", errNoEnabledIPv6Interface
}

// Subnet is a project-owned CIDR block, optionally VLAN-tagged.
type Subnet struct {
	ID           int
	AddressRange string // CIDR
	VLAN         int
	Gateway      string
}

// IPAddress is one address drawn from a project subnet; PublicIPID is set
// when the address is the private half of a NAT pair.
type IPAddress struct {
	ID         int
	SubnetID   int
	VMID       int // 0 when not bound to a VM interface
	Address    string
	PublicIPID *int
	PublicIP   string
}

// FirewallRule is one ordered rule in a VirtualRouter's ruleset. Direction
// is derived from the destination's privacy, not stored.
type FirewallRule struct {
	Order           int
	DestinationCIDR string
	Port            string // "" means unset -> defaults to "0-65535"
	Protocol        string
	PCILogging      bool
	DebugLogging    bool
}

// VPNRoute is one local/remote CIDR pair routed through a tunnel.
type VPNRoute struct {
	Local  string
	Remote string
}

// VPN is one IPsec tunnel owned by a VirtualRouter.
type VPN struct {
	ID              int
	VirtualRouterID int
	Routes          []VPNRoute

	// TrafficSelectorLocal/Remote are empty when the VPN did not specify
	// an explicit traffic selector; the assembler defaults both to
	// "0.0.0.0/0" in that case.
	TrafficSelectorLocal  string
	TrafficSelectorRemote string

	IKEVersion string // "v1-only" or "v2" as given by the API
	IKEMode    string // "aggressive" or "main"

	IKEAuthentication   string
	IKEDHGroup          string
	IKEEncryption       string
	IPSECAuthentication string
	IPSECEncryption     string
	IPSECPFSGroup       string

	SendEmail       bool
	EmailRecipients []string
}

// VirtualRouter owns the floating subnet, project subnets, firewall
// ruleset, NAT pairs (derived from IPAddresses), and VPN tunnels realized
// on PodNet for one project.
type VirtualRouter struct {
	ID        int
	ProjectID int
	State     State
	Errors    []WorkerError

	// Debug forces firewall/VPN logging on for the next build/update and
	// is reset to false by the worker after a successful run.
	Debug bool

	FloatingSubnetID int
	FloatingSubnet   Subnet

	Subnets     []Subnet
	IPAddresses []IPAddress

	// FirewallRules is the flat ruleset as the API returns it; the
	// assembler buckets each rule into inbound/outbound by whether its
	// destination is a private address.
	FirewallRules []FirewallRule

	VPNs []VPN
}

// Storage is one disk attached to a VM.
type Storage struct {
	ID      int
	Primary bool
	SizeGB  int
}

// Image describes the OS image a VM build installs.
type Image struct {
	Name             string
	OS               string
	CloudInitCapable bool
}

// Interface is one NIC attached to a VM, mapped to exactly one project
// subnet.
type Interface struct {
	ID         int
	SubnetID   int
	IsGateway  bool
	MACAddress string
}

// VM owns its specs, image, interfaces, and transient credentials.
type VM struct {
	ID        int
	ProjectID int
	ServerID  int
	State     State
	Errors    []WorkerError

	CPU int
	RAM int

	Storages   []Storage
	Image      Image
	DNS        []string
	Interfaces []Interface
	SSHKey     string

	// AdminPassword/RootPassword are plaintext only for the lifetime of
	// a build; they are returned to the success email and must be
	// scrubbed from the record before any failure path logs it.
	AdminPassword string
	RootPassword  string
}

// PrimaryStorage returns the disk marked primary, or nil if none is.
func (vm *VM) PrimaryStorage() *Storage {
	for i := range vm.Storages {
		if vm.Storages[i].Primary {
			return &vm.Storages[i]
		}
	}
	return nil
}

// PrimaryInterface returns the gateway-subnet interface, which becomes
// the VM's primary NIC when present; otherwise the first interface, or
// nil if the VM has none.
func (vm *VM) PrimaryInterface() *Interface {
	for i := range vm.Interfaces {
		if vm.Interfaces[i].IsGateway {
			return &vm.Interfaces[i]
		}
	}
	if len(vm.Interfaces) > 0 {
		return &vm.Interfaces[0]
	}
	return nil
}

// Scrub scrubs the plaintext credentials before the record is logged or
// handed to a failure path.
func (vm *VM) ScrubCredentials() {
	vm.AdminPassword = ""
	vm.RootPassword = ""
}

// Snapshot addresses a repository index on the hypervisor hosting its VM.
type Snapshot struct {
	ID              int
	VMID            int
	ProjectID       int
	ServerID        int
	State           State
	Errors          []WorkerError
	RepositoryIndex int // 1 = primary, 2 = secondary
	RemoveSubtree   bool
}

// Backup additionally carries the timestamp its contents were captured
// at build start.
type Backup struct {
	ID              int
	VMID            int
	ProjectID       int
	ServerID        int
	State           State
	Errors          []WorkerError
	RepositoryIndex int
	TimeValid       time.Time
}
