// Package remote dispatches rendered commands to the hypervisor or
// PodNet host that owns a resource, over SSH for Linux targets and
// WinRM for Windows targets. It knows nothing about resource state or
// template content; it only moves a command (or a file) to a host and
// collects what comes back.
package remote

import (
	"context"

	"github.com/virctl/robot/pkg/types"
)

// Result is what a driver collected from running one command.
type Result struct {
	Stdout string
	Stderr string
}

// Driver executes a single command against a server and returns
// whatever its stdout/stderr produced. It never inspects the output
// for success; the caller matches stdout sentinels itself.
type Driver interface {
	Run(ctx context.Context, server types.Server, command string) (Result, error)
}

// FileDriver is a Driver that can also stage a file directly and check
// for one's existence, the capability SSH has over SFTP and WinRM does
// not (a Windows target gets its files pushed through a PowerShell
// command instead, see pkg/worker.pushFile).
type FileDriver interface {
	Driver
	WriteFile(ctx context.Context, server types.Server, remotePath string, content []byte) error
	Exists(ctx context.Context, server types.Server, remotePath string) (bool, error)
}

// Phantom is the driver for types.ServerPhantom: servers CloudCIX
// tracks but never actually reaches over the network. Every operation
// against one trivially succeeds without a connection attempt, mirroring
// how a VM on a decommissioned or virtual-only host is still expected to
// transition through the same state machine as a real one.
type Phantom struct{}

// Run always reports success without contacting anything.
func (Phantom) Run(ctx context.Context, server types.Server, command string) (Result, error) {
	return Result{Stdout: "phantom host: no-op"}, nil
}

// ForServerType returns the driver that handles a given server type.
func ForServerType(t types.ServerType, ssh, winrm Driver) (Driver, error) {
	switch t {
	case types.ServerKVM:
		return ssh, nil
	case types.ServerHyperV:
		return winrm, nil
	case types.ServerPhantom:
		return Phantom{}, nil
	default:
		return nil, &UnsupportedServerTypeError{Type: t}
	}
}

// UnsupportedServerTypeError is returned when a server's type carries no
// registered driver (failure reason unsupported_server_type).
type UnsupportedServerTypeError struct {
	Type types.ServerType
}

func (e *UnsupportedServerTypeError) Error() string {
	return "unsupported server type: " + string(e.Type)
}

// PodNetServer wraps the regional PodNet appliance's configured address
// as a types.Server so it can be handed to the same SSH driver used for
// KVM hosts. PodNet has no API "server" record of its own (§3 only
// defines Server for hypervisors); its address comes from agent
// configuration instead.
func PodNetServer(addr string) types.Server {
	return types.Server{
		Type:       types.ServerKVM,
		Interfaces: []types.ServerInterface{{Enabled: true, Family: "IPv6", Address: addr}},
	}
}
