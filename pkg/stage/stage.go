// Package stage writes the artifacts a build/scrub operation needs
// onto local disk before they are pushed to the target host: answer
// files, bridge definitions, and firewall/VPN configs. It also
// generates the one-time credentials a VM build hands back to the
// caller.
package stage

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/virctl/robot/pkg/log"
)

const (
	adminPasswordLength = 12
	rootPasswordLength  = 128
	passwordAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Stager owns the local scratch tree the agent stages build artifacts
// in before shipping them to a server or PodNet box.
type Stager struct {
	baseDir string
}

// New returns a Stager rooted at baseDir (created if missing).
func New(baseDir string) *Stager {
	return &Stager{baseDir: baseDir}
}

// VMDir is the per-VM scratch directory, named the same way the build
// scripts expect: "<project>_<vm>".
func (s *Stager) VMDir(projectID, vmID int) string {
	return filepath.Join(s.baseDir, "vms", fmt.Sprintf("%d_%d", projectID, vmID))
}

// ProjectDir is the per-project directory used for VirtualRouter
// artifacts staged before being pushed to PodNet.
func (s *Stager) ProjectDir(projectID int) string {
	return filepath.Join(s.baseDir, "projects", fmt.Sprintf("%d", projectID))
}

// WriteFile atomically writes content at dir/name: it writes to a
// sibling temp file first and renames into place, so a concurrent
// reader (or a crash mid-write) never observes a partial file.
func (s *Stager) WriteFile(dir, name string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating stage directory %s: %w", dir, err)
	}
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, content, 0o640); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("renaming %s to %s: %w", tmp, final, err)
	}
	return final, nil
}

// Cleanup removes a VM's or project's scratch directory once its
// artifacts have been shipped; a failure here is logged, not fatal,
// the way stale scratch files were never allowed to block a build's
// reported outcome.
func (s *Stager) Cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.WithComponent("stage").Warn().Err(err).Str("dir", dir).Msg("failed to remove stage directory")
	}
}

// AdminPassword generates the 12-character password handed back as a
// VM's admin login on build.
func AdminPassword() (string, error) {
	return randomPassword(adminPasswordLength)
}

// RootPassword generates the 128-character password used only to seed
// the VM's crypted root/admin account; it is never reported back to
// the caller, since root login is disabled on every image.
func RootPassword() (string, error) {
	return randomPassword(rootPasswordLength)
}

func randomPassword(size int) (string, error) {
	buf := make([]byte, size)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}
