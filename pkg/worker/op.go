// Package worker implements the per-(resource-kind, operation) workers
// (C6): read, guard, trigger->in-progress, render, stage, execute,
// finalize. Every kind's file (vm.go, snapshot.go, backup.go,
// virtualrouter.go) follows the same skeleton described in §4.4; this
// file holds what they share.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/failure"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/notify"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/routerconfig"
	"github.com/virctl/robot/pkg/stage"
	"github.com/virctl/robot/pkg/state"
	"github.com/virctl/robot/pkg/types"
)

// API is the subset of iaasapi.Client every worker needs. Defined here,
// at the consumer, so a test can substitute a fake and exercise a
// worker without a real IaaS API endpoint; *iaasapi.Client satisfies it
// as-is.
type API interface {
	ReadVM(ctx context.Context, id int) (*types.VM, bool, error)
	ReadSnapshot(ctx context.Context, id int) (*types.Snapshot, bool, error)
	ReadBackup(ctx context.Context, id int) (*types.Backup, bool, error)
	ReadVirtualRouter(ctx context.Context, id int) (*types.VirtualRouter, bool, error)
	ReadServer(ctx context.Context, id int) (*types.Server, bool, error)
	FindVirtualRouterByProject(ctx context.Context, projectID int) (*types.VirtualRouter, bool, error)
	ListSubnetsForProject(ctx context.Context, projectID int) (map[int]types.Subnet, error)
	ListIPAddressesForVM(ctx context.Context, vmID int) ([]types.IPAddress, error)
	ListVMsInSubnet(ctx context.Context, subnetID, excludeVMID int) ([]int, error)
	ListServerIDsByType(ctx context.Context, candidateIDs []int, serverType types.ServerType) ([]int, error)
	ListVMStatesByProject(ctx context.Context, projectID int) (map[int]types.State, error)
	PartialUpdateState(ctx context.Context, path string, id int, state types.State, extra map[string]interface{}) error
	PartialUpdateVRDebug(ctx context.Context, id int, debug bool) error
	PartialUpdateVPNSendEmail(ctx context.Context, id int, sendEmail bool) error
}

// Env bundles every collaborator a worker needs. One Env is shared by
// every goroutine the dispatcher runs; every field is either immutable
// after construction or already safe for concurrent use.
type Env struct {
	API      API
	Renderer *render.Renderer
	Stager   *stage.Stager
	SSH      remote.FileDriver
	WinRM    remote.Driver
	PodNet   remote.FileDriver
	Notifier *notify.Notifier
	Config   config.Config
}

// Dispatch is the dispatcher.Handler registered at wiring time; it
// routes a job to the worker for its resource kind.
func (e *Env) Dispatch(ctx context.Context, d *dispatcher.Dispatcher, job dispatcher.Job) {
	switch job.Kind {
	case types.KindVM:
		e.runVM(ctx, d, job)
	case types.KindSnapshot:
		e.runSnapshot(ctx, d, job)
	case types.KindBackup:
		e.runBackup(ctx, d, job)
	case types.KindVirtualRouter:
		e.runVirtualRouter(ctx, d, job)
	default:
		log.WithComponent("worker").Error().Str("kind", string(job.Kind)).Msg("dispatched job for unknown resource kind")
	}
}

// driverFor selects the remote executor for a server, classifying an
// unsupported type as the §7 failure reason.
func (e *Env) driverFor(server types.Server) (remote.Driver, error) {
	return remote.ForServerType(server.Type, e.SSH, e.WinRM)
}

// reasonFor classifies an arbitrary error into the §7 taxonomy. Errors
// that carry their own classification (routerconfig.DataError,
// remote.UnsupportedServerTypeError) are asked directly; everything
// else falls back to a caller-supplied default (e.g. ssh_error for a
// failure surfaced while running a command through the SSH driver).
func reasonFor(err error, fallback types.FailureReason) types.FailureReason {
	var dataErr *routerconfig.DataError
	if errors.As(err, &dataErr) {
		return dataErr.Reason
	}
	var unsupported *remote.UnsupportedServerTypeError
	if errors.As(err, &unsupported) {
		return types.ReasonUnsupportedServerType
	}
	return fallback
}

// fail routes a worker's failure branch through pkg/failure and records
// the shared metric/log fields every kind's failure path needs.
func (e *Env) fail(ctx context.Context, path string, kind types.ResourceKind, operation string, id, projectID int, reason types.FailureReason, cause error) {
	failure.Handle(ctx, e.API, e.Notifier, path, kind, operation, id, projectID, reason, cause)
}

// fileWriter is the narrow shape pushFile needs from a driver that can
// stage a file directly; remote.FileDriver (the SSH driver) satisfies
// it, a fake driver in tests can too.
type fileWriter interface {
	WriteFile(ctx context.Context, server types.Server, remotePath string, content []byte) error
}

// pushFile stages content at remotePath on server through driver. The
// SSH driver has a real SFTP path; WinRM exposes no file-transfer verb
// of its own, so a Windows target gets the same bytes base64-encoded
// into a PowerShell Set-Content invocation run like any other command.
func pushFile(ctx context.Context, driver remote.Driver, server types.Server, remotePath string, content []byte) error {
	if fw, ok := driver.(fileWriter); ok {
		return fw.WriteFile(ctx, server, remotePath, content)
	}
	if _, ok := driver.(remote.Phantom); ok {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	cmd := fmt.Sprintf(
		"[IO.File]::WriteAllBytes('%s', [Convert]::FromBase64String('%s'))",
		remotePath, encoded,
	)
	_, err := driver.Run(ctx, server, cmd)
	return err
}

// resolveTransition resolves the state.Transition a dispatched bucket
// applies for a resource currently observed in current. Every bucket
// except "scrub" names its Operation directly; "scrub" covers two
// distinct trigger states (SCRUB and SCRUB_QUEUE), so it is resolved
// against the resource's live state instead (§4.1's scrub-prep/scrub
// split).
func resolveTransition(bucket string, current types.State) (state.Transition, bool) {
	if bucket == "scrub" {
		return state.ForState(current)
	}
	op, ok := state.ParseOperation(bucket)
	if !ok {
		return state.Transition{}, false
	}
	return state.Lookup(op)
}

// containsSentinel reports whether stdout contains the success
// substring a template's final echo is expected to print (§4.6:
// success is always detected by substring match, never exit code).
func containsSentinel(stdout, sentinel string) bool {
	return strings.Contains(stdout, sentinel)
}

// remoteErrorReason is the §7 failure reason a remote-channel failure
// is classified under, by server flavor.
func remoteErrorReason(windows bool) types.FailureReason {
	if windows {
		return types.ReasonWinRMError
	}
	return types.ReasonSSHError
}

// succeed partial-updates a resource to its success state and records
// the run metric. extra carries any additional fields the success path
// must write alongside state (e.g. a Backup's time_valid).
func (e *Env) succeed(ctx context.Context, path string, kind types.ResourceKind, operation string, id int, success types.State, extra map[string]interface{}) error {
	if err := e.API.PartialUpdateState(ctx, path, id, success, extra); err != nil {
		return fmt.Errorf("writing success state: %w", err)
	}
	metrics.WorkerRunsTotal.WithLabelValues(string(kind), operation, "success").Inc()
	return nil
}
