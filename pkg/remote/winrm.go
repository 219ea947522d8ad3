package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/masterzen/winrm"
	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/types"
)

const winrmPort = 5985

// WinRMDriver runs PowerShell over WinRM against Hyper-V hosts, using
// the shared network account rather than per-host credentials.
type WinRMDriver struct {
	username string
	password string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewWinRMDriver builds a driver using the shared administrator account
// every Hyper-V host in the fleet trusts.
func NewWinRMDriver(username, password string, timeout time.Duration) *WinRMDriver {
	return &WinRMDriver{username: username, password: password, timeout: timeout, logger: log.WithComponent("remote.winrm")}
}

// Run sends command as a PowerShell script to the server's DNS
// hostname and collects whatever it wrote to stdout/stderr. Unlike the
// SSH driver, WinRM addressing goes through DNS rather than a bare IP:
// Hyper-V hosts are joined to the management domain and are not
// reachable by the same enabled-interface lookup KVM hosts use.
func (d *WinRMDriver) Run(ctx context.Context, server types.Server, command string) (Result, error) {
	endpoint := winrm.NewEndpoint(server.Hostname, winrmPort, false, true, nil, nil, nil, d.timeout)
	client, err := winrm.NewClient(endpoint, d.username, d.password)
	if err != nil {
		return Result{}, fmt.Errorf("creating winrm client for %s: %w", server.Hostname, err)
	}

	var stdout, stderr bytes.Buffer
	_, err = client.RunPSWithContext(ctx, command, &stdout, &stderr)
	if err != nil {
		return Result{}, fmt.Errorf("running powershell on %s: %w", server.Hostname, err)
	}

	return Result{Stdout: stripCLIXML(stdout.String()), Stderr: stripCLIXML(stderr.String())}, nil
}

// stripCLIXML removes the "#< CLIXML" framing PowerShell remoting
// wraps error-stream output in; plain stdout text is unaffected.
func stripCLIXML(s string) string {
	const prefix = "#< CLIXML"
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		if idx := indexAfterXML(s); idx >= 0 {
			return s[idx:]
		}
		return ""
	}
	return s
}

func indexAfterXML(s string) int {
	const closeTag = "</Objs>"
	for i := len(s) - len(closeTag); i >= 0; i-- {
		if s[i:i+len(closeTag)] == closeTag {
			return i + len(closeTag)
		}
	}
	return -1
}
