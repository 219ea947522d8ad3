package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/types"
)

// pollInterval and readSize are the exact parameters the hypervisor
// fleet's existing build scripts were tuned against: a slow poll avoids
// hammering a channel that's still mid-build, and 64 bytes keeps a
// stalled read from blocking the caller for long.
const (
	pollInterval = 15 * time.Second
	readSize     = 64
	sshPort      = "22"

	// HypervisorUser is the account every KVM host trusts the agent's
	// key under.
	HypervisorUser = "administrator"
	// PodNetUser is the account the regional PodNet appliance trusts
	// the agent's key under; distinct from the hypervisor fleet because
	// PodNet is administered as a network appliance, not a hypervisor.
	PodNetUser = "robot"
)

// SSHDriver runs commands over SSH using a fixed RSA identity, the way
// every KVM host and the PodNet boxes trust the agent's key rather than
// a password. user is fixed per driver instance: one SSHDriver handles
// the hypervisor fleet, a second (sharing the same key) handles PodNet.
type SSHDriver struct {
	key            ssh.Signer
	user           string
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewSSHDriver loads the private key at keyPath once at startup and
// binds the driver to user (HypervisorUser or PodNetUser).
func NewSSHDriver(keyPath, user string, connectTimeout time.Duration) (*SSHDriver, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}
	return &SSHDriver{key: signer, user: user, connectTimeout: connectTimeout, logger: log.WithComponent("remote.ssh")}, nil
}

// Run dials the server's IPv6 management address and executes command,
// collecting stdout/stderr with the same polling-wave read used by the
// fleet's existing deploy routines: wait, then drain whatever arrived,
// repeating until the channel goes quiet.
func (d *SSHDriver) Run(ctx context.Context, server types.Server, command string) (Result, error) {
	addr, err := server.Address()
	if err != nil {
		return Result{}, fmt.Errorf("resolving address for server #%d: %w", server.ID, err)
	}

	client, err := d.dial(ctx, addr)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("opening ssh session to %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("running command on %s: %w", addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	drainWaves(stdoutPipe, &stdout)
	drainWaves(stderrPipe, &stderr)

	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// drainWaves reads whatever is immediately available from r every
// pollInterval, in readSize chunks, until a read returns nothing. This
// is a best-effort drain for a pipe already attached to a running
// session; it does not block waiting for data that never arrives.
func drainWaves(r interface{ Read([]byte) (int, error) }, into *bytes.Buffer) {
	buf := make([]byte, readSize)
	for {
		time.Sleep(pollInterval)
		n, err := r.Read(buf)
		if n > 0 {
			into.Write(buf[:n])
		}
		if err != nil || n == 0 {
			return
		}
	}
}

func (d *SSHDriver) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            d.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.connectTimeout,
	}

	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, sshPort))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, net.JoinHostPort(addr, sshPort), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// Exists reports whether remotePath is present on server via an SFTP
// stat, so a caller can skip re-staging state that is already in place.
func (d *SSHDriver) Exists(ctx context.Context, server types.Server, remotePath string) (bool, error) {
	addr, err := server.Address()
	if err != nil {
		return false, fmt.Errorf("resolving address for server #%d: %w", server.ID, err)
	}
	client, err := d.dial(ctx, addr)
	if err != nil {
		return false, err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return false, fmt.Errorf("opening sftp session to %s: %w", addr, err)
	}
	defer sc.Close()

	_, err = sc.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("statting %s on %s: %w", remotePath, addr, err)
	}
	return true, nil
}

// WriteFile atomically stages content at remotePath on server via SFTP:
// it writes to a temp name in the same directory and renames into
// place, so a reader never observes a partial artifact.
func (d *SSHDriver) WriteFile(ctx context.Context, server types.Server, remotePath string, content []byte) error {
	addr, err := server.Address()
	if err != nil {
		return fmt.Errorf("resolving address for server #%d: %w", server.ID, err)
	}
	client, err := d.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session to %s: %w", addr, err)
	}
	defer sc.Close()

	tmpPath := remotePath + ".tmp"
	f, err := sc.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating %s on %s: %w", tmpPath, addr, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing %s on %s: %w", tmpPath, addr, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s on %s: %w", tmpPath, addr, err)
	}
	if err := sc.Rename(tmpPath, remotePath); err != nil {
		return fmt.Errorf("renaming %s to %s on %s: %w", tmpPath, remotePath, addr, err)
	}
	return nil
}
