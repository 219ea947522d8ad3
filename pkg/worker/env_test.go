package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/notify"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/stage"
)

// testEnv builds an Env wired to fakes, a real Renderer (so a test still
// catches a template that fails to parse or execute), and a Stager
// rooted at a throwaway directory. Notifier is a real, empty-recipient
// *notify.Notifier: NotifyFailure/NotifyVMBuildSuccess no-op without a
// configured operator list, so it needs no fake of its own. winrm takes
// remote.Driver rather than *fakeDriver so a test can pass a
// fakeRunOnlyDriver and exercise pushFile's non-SFTP fallback.
func testEnv(t *testing.T, ssh remote.FileDriver, winrm remote.Driver, podnet remote.FileDriver) (*Env, *fakeAPI) {
	t.Helper()
	renderer, err := render.New()
	require.NoError(t, err)

	api := newFakeAPI()
	cfg := config.Config{
		StoragePathKVM:       "/var/lib/libvirt/images",
		StoragePathHyperV:    `C:\VMs`,
		NetworkDrivePath:     "/mnt/robot-share",
		SSHAuthLine:          "auth --useshadow --passalgo=sha512",
		RouterInterfaceNames: []string{"eth0", "eth1"},
		PodNetCPEAddress:     "fd00:cpe::1",
	}
	return &Env{
		API:      api,
		Renderer: renderer,
		Stager:   stage.New(t.TempDir()),
		SSH:      ssh,
		WinRM:    winrm,
		PodNet:   podnet,
		Notifier: notify.New(cfg),
		Config:   cfg,
	}, api
}
