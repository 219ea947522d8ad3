package worker

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/virctl/robot/pkg/types"
)

// nicContext is the primary-NIC fragment embedded in VMContext; the
// kickstart/unattend templates only ever address the primary interface.
type nicContext struct {
	VLAN    int
	IP      string
	Netmask string
	Gateway string
}

// VMContext is the flat render context shared by every VM template
// (build, bridge, answer file, cloud-init, quiesce, restart, scrub,
// update). Not every template reads every field.
type VMContext struct {
	VMID             int
	VMIdentifier     string
	CPU              int
	RAMMB            int
	VMsPath          string
	PrimaryStorageGB int
	ImageOSVariant   string
	ImageFilename    string
	NetworkDrivePath string
	FirstNIC         nicContext

	Auth                  string
	Language              string
	Keyboard              string
	Timezone              string
	CryptedRootPassword   string
	CryptedAdminPassword  string
	AdminPassword         string
	DeviceType            string
	DeviceIndex           int
	DNS                   string
	SSHPublicKey          string

	VLANs []int
	VLAN  int
}

const (
	defaultLanguage = "en_US.UTF-8"
	defaultKeyboard = "us"
	defaultTimezone = "UTC"
	nicDeviceType   = "eth"
)

// vmIdentifier names a VM consistently across every script that
// addresses it by name rather than by id.
func vmIdentifier(vmID int) string {
	return fmt.Sprintf("vm%d", vmID)
}

func snapshotIdentifier(snapshotID int) string {
	return fmt.Sprintf("snapshot%d", snapshotID)
}

// vmNetworkContext resolves the VM's primary interface to a concrete
// IP/netmask/gateway triple from its project's ip_address and subnet
// records. The gateway-subnet interface always wins (types.VM invariant);
// netmask is derived from the subnet CIDR's prefix length.
func vmNetworkContext(vm *types.VM, ips []types.IPAddress, subnets map[int]types.Subnet) nicContext {
	iface := vm.PrimaryInterface()
	if iface == nil {
		return nicContext{}
	}
	ctx := nicContext{VLAN: subnets[iface.SubnetID].VLAN, Gateway: subnets[iface.SubnetID].Gateway}
	ctx.Netmask = prefixToNetmask(subnets[iface.SubnetID].AddressRange)
	for _, ip := range ips {
		if ip.SubnetID == iface.SubnetID && ip.VMID == vm.ID {
			ctx.IP = ip.Address
			break
		}
	}
	return ctx
}

// prefixToNetmask renders a CIDR's prefix length as a dotted-quad
// netmask for templates that expect one (kickstart's --netmask=).
func prefixToNetmask(cidr string) string {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	var bits int
	fmt.Sscanf(parts[1], "%d", &bits)
	if bits <= 0 || bits > 32 {
		return ""
	}
	mask := uint32(0xFFFFFFFF) << (32 - bits)
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

// cryptPlaceholder stands in for a real crypt(3)-style hash: the
// templates only consume it as an opaque staged value, so a stable,
// non-reversible digest satisfies the contract without pulling in a
// platform-specific crypt binding.
func cryptPlaceholder(password string) string {
	sum := sha512.Sum512([]byte(password))
	return "$6$" + hex.EncodeToString(sum[:16])
}

func isWindows(image types.Image) bool {
	return strings.Contains(strings.ToLower(image.OS), "windows")
}

func dnsLine(dns []string) string {
	return strings.Join(dns, ",")
}

// SnapshotContext is the render context for a Snapshot's build/scrub
// templates.
type SnapshotContext struct {
	SnapshotIdentifier string
	VMIdentifier       string
	RemoveSubtree      bool
}

// BackupContext is the render context for a Backup's build/update/scrub
// templates.
type BackupContext struct {
	VMID          int
	VMIdentifier  string
	BackupPath    string
	BackupXMLPath string
	TimeValid     string
}

// repositoryPath derives the on-hypervisor storage path a Snapshot or
// Backup addresses, keyed by its repository index (1=primary,
// 2=secondary). The same resource must resolve to the same path across
// its build/update/scrub runs, which is why it is a pure function of
// (basePath, vm identifier, repository index, resource kind) rather
// than something staged once and forgotten.
func repositoryPath(basePath, vmIdentifier string, repositoryIndex int, kind string) string {
	return fmt.Sprintf("%s/repository%d/%s/%s", strings.TrimRight(basePath, "/"), repositoryIndex, kind, vmIdentifier)
}
