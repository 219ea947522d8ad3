package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/routerconfig"
	"github.com/virctl/robot/pkg/types"
)

// vrScrubRecheck is how long a VirtualRouter scrub waits before
// re-checking that every sibling VM in its project has closed (§4.1).
const vrScrubRecheck = 60 * time.Second

// floatingBridgeContext is the render context for a VirtualRouter's
// floating-subnet bridge, derived separately from routerconfig.Context
// since the floating bridge is PodNet netplan state, not firewall/VPN
// config.
type floatingBridgeContext struct {
	FloatingSubnetID int
	InterfaceName    string
	Gateway          string
	PrefixLength     string
}

// runVirtualRouter implements the VirtualRouter worker: build,
// running_update, quiesced_update, quiesce, restart, and scrub.
func (e *Env) runVirtualRouter(ctx context.Context, d *dispatcher.Dispatcher, job dispatcher.Job) {
	timer := metrics.NewTimer()
	l := log.WithOperation(log.WithResource(string(types.KindVirtualRouter), job.ID, job.ProjectID), job.Operation)

	vr, found, err := e.API.ReadVirtualRouter(ctx, job.ID)
	if err != nil {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, err)
		return
	}
	if !found {
		if job.Operation == "scrub" {
			l.Debug().Msg("virtual router already removed from the api, treating scrub as already satisfied")
			_ = e.API.PartialUpdateState(ctx, iaasapi.VirtualRouterPath, job.ID, types.Closed, nil)
			metrics.WorkerRunsTotal.WithLabelValues(string(types.KindVirtualRouter), job.Operation, "already_deleted").Inc()
			return
		}
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("virtual router %d not found", job.ID))
		return
	}

	if job.Operation == "scrub" && vr.State == types.ScrubQueue {
		allClosed, err := e.allSiblingVMsClosed(ctx, vr.ProjectID)
		if err != nil {
			e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
			return
		}
		if !allClosed {
			l.Debug().Msg("project still has non-closed vms, rescheduling virtual router scrub")
			d.ScheduleAfter(vrScrubRecheck, job)
			return
		}
	}

	transition, ok := resolveTransition(job.Operation, vr.State)
	if !ok || vr.State != transition.Trigger {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonNotInValidState,
			fmt.Errorf("virtual router %d in state %s does not match trigger for %s", job.ID, vr.State, job.Operation))
		return
	}

	if err := e.API.PartialUpdateState(ctx, iaasapi.VirtualRouterPath, job.ID, transition.InProgress, nil); err != nil {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
		return
	}

	podnet := remote.PodNetServer(e.Config.PodNetCPEAddress)

	rcCtx, err := routerconfig.Assemble(vr)
	if err != nil {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonTemplateDataFailed), err)
		return
	}

	finish := func() {
		if err := e.succeed(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, transition.Success, nil); err != nil {
			e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
			return
		}
		timer.ObserveDurationVec(metrics.WorkerDuration, string(types.KindVirtualRouter), job.Operation)
	}

	var result remote.Result
	switch job.Operation {
	case "build", "running_update", "quiesced_update":
		result, err = e.buildOrUpdateVR(ctx, job, vr, podnet, rcCtx)
	case "restart":
		result, err = e.restartVR(ctx, job, podnet, rcCtx)
	case "quiesce":
		result, err = e.quiesceVR(ctx, podnet, rcCtx)
	case "scrub":
		result, err = e.scrubVR(ctx, podnet, rcCtx)
	}
	if err != nil {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonSSHError), err)
		return
	}
	// §4.6: a VirtualRouter run is judged purely by whether any stderr
	// was produced, never by a stdout sentinel or exit code.
	if strings.TrimSpace(result.Stderr) != "" {
		e.fail(ctx, iaasapi.VirtualRouterPath, types.KindVirtualRouter, job.Operation, job.ID, job.ProjectID, types.ReasonSSHError,
			fmt.Errorf("virtual router %s reported stderr: %q", job.Operation, result.Stderr))
		return
	}

	switch job.Operation {
	case "build", "running_update", "quiesced_update", "restart":
		e.afterVRSuccess(ctx, vr, l)
	}

	finish()
}

// allSiblingVMsClosed reports whether every VM owned by projectID has
// reached CLOSED, the gate a VirtualRouter scrub waits on before it may
// tear down the firewall/VPN/bridge state the project's VMs still rely
// on mid-scrub.
func (e *Env) allSiblingVMsClosed(ctx context.Context, projectID int) (bool, error) {
	states, err := e.API.ListVMStatesByProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, s := range states {
		if !s.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// buildOrUpdateVR stages the floating bridge (build only), firewall,
// and VPN config, then runs the build script, which is also the
// correct idempotent re-application for running_update/quiesced_update
// since the VirtualRouter has no separate update script.
func (e *Env) buildOrUpdateVR(ctx context.Context, job dispatcher.Job, vr *types.VirtualRouter, podnet types.Server, rcCtx *routerconfig.Context) (remote.Result, error) {
	if job.Operation == "build" {
		if err := e.installFloatingBridge(ctx, vr, podnet); err != nil {
			return remote.Result{}, err
		}
	}
	if err := e.writeFirewall(ctx, podnet, rcCtx); err != nil {
		return remote.Result{}, err
	}
	if len(rcCtx.VPNs) > 0 {
		if err := e.writeVPN(ctx, podnet, rcCtx); err != nil {
			return remote.Result{}, err
		}
	}
	script, err := e.Renderer.Render(render.TemplateVRBuild, rcCtx)
	if err != nil {
		return remote.Result{}, err
	}
	return e.PodNet.Run(ctx, podnet, script)
}

func (e *Env) restartVR(ctx context.Context, job dispatcher.Job, podnet types.Server, rcCtx *routerconfig.Context) (remote.Result, error) {
	if err := e.writeFirewall(ctx, podnet, rcCtx); err != nil {
		return remote.Result{}, err
	}
	if len(rcCtx.VPNs) > 0 {
		if err := e.writeVPN(ctx, podnet, rcCtx); err != nil {
			return remote.Result{}, err
		}
	}
	script, err := e.Renderer.Render(render.TemplateVRRestart, rcCtx)
	if err != nil {
		return remote.Result{}, err
	}
	return e.PodNet.Run(ctx, podnet, script)
}

func (e *Env) quiesceVR(ctx context.Context, podnet types.Server, rcCtx *routerconfig.Context) (remote.Result, error) {
	script, err := e.Renderer.Render(render.TemplateVRQuiesce, rcCtx)
	if err != nil {
		return remote.Result{}, err
	}
	return e.PodNet.Run(ctx, podnet, script)
}

func (e *Env) scrubVR(ctx context.Context, podnet types.Server, rcCtx *routerconfig.Context) (remote.Result, error) {
	script, err := e.Renderer.Render(render.TemplateVRScrub, rcCtx)
	if err != nil {
		return remote.Result{}, err
	}
	return e.PodNet.Run(ctx, podnet, script)
}

// installFloatingBridge stages and applies the floating subnet's
// netplan bridge, but only if the bridge file is not already present on
// PodNet's netplan directory: the floating subnet's address range does
// not change over a VirtualRouter's lifetime, so a bridge that already
// exists never needs to be re-applied.
func (e *Env) installFloatingBridge(ctx context.Context, vr *types.VirtualRouter, podnet types.Server) error {
	path := routerconfig.NetplanPath(vr.FloatingSubnetID)
	exists, err := e.PodNet.Exists(ctx, podnet, path)
	if err != nil {
		return fmt.Errorf("checking for existing floating bridge: %w", err)
	}
	if exists {
		return nil
	}

	prefix := "64"
	if parts := strings.SplitN(vr.FloatingSubnet.AddressRange, "/", 2); len(parts) == 2 {
		prefix = parts[1]
	}
	ifaceName := "eth0"
	if len(e.Config.RouterInterfaceNames) > 0 {
		ifaceName = e.Config.RouterInterfaceNames[0]
	}

	fbCtx := floatingBridgeContext{
		FloatingSubnetID: vr.FloatingSubnetID,
		InterfaceName:    ifaceName,
		Gateway:          vr.FloatingSubnet.Gateway,
		PrefixLength:     prefix,
	}
	def, err := e.Renderer.Render(render.TemplateVRFloatingBridge, fbCtx)
	if err != nil {
		return fmt.Errorf("rendering floating bridge definition: %w", err)
	}
	if err := e.PodNet.WriteFile(ctx, podnet, path, []byte(def)); err != nil {
		return fmt.Errorf("staging floating bridge definition: %w", err)
	}
	result, err := e.PodNet.Run(ctx, podnet, "sudo netplan apply")
	if err != nil {
		return err
	}
	if strings.TrimSpace(result.Stderr) != "" {
		return fmt.Errorf("netplan apply reported stderr: %q", result.Stderr)
	}
	return nil
}

func (e *Env) writeFirewall(ctx context.Context, podnet types.Server, rcCtx *routerconfig.Context) error {
	content, err := e.Renderer.Render(render.TemplateVRFirewall, rcCtx)
	if err != nil {
		return fmt.Errorf("rendering firewall ruleset: %w", err)
	}
	path := routerconfig.RemoteWorkingDir() + rcCtx.FirewallFilename
	return e.PodNet.WriteFile(ctx, podnet, path, []byte(content))
}

func (e *Env) writeVPN(ctx context.Context, podnet types.Server, rcCtx *routerconfig.Context) error {
	content, err := e.Renderer.Render(render.TemplateVRVPN, rcCtx)
	if err != nil {
		return fmt.Errorf("rendering vpn config: %w", err)
	}
	return e.PodNet.WriteFile(ctx, podnet, rcCtx.TempVPNFilename, []byte(content))
}

// afterVRSuccess resets the debug flag a build/update/restart run
// consumed and, for every VPN whose send_email is still set, fires the
// build-success notice and clears the flag so it only ever fires once
// (§8 scenario 2).
func (e *Env) afterVRSuccess(ctx context.Context, vr *types.VirtualRouter, l zerolog.Logger) {
	if vr.Debug {
		if err := e.API.PartialUpdateVRDebug(ctx, vr.ID, false); err != nil {
			l.Warn().Err(err).Msg("failed to reset virtual router debug flag after a successful run")
		}
	}
	for _, vpn := range vr.VPNs {
		if !vpn.SendEmail {
			continue
		}
		e.Notifier.NotifyVPNBuildSuccess(ctx, vpn.ID, vr.ID, vpn.EmailRecipients)
		if err := e.API.PartialUpdateVPNSendEmail(ctx, vpn.ID, false); err != nil {
			l.Warn().Err(err).Int("vpn_id", vpn.ID).Msg("failed to clear vpn send_email after notification")
		}
	}
}
