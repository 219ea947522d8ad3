package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/stage"
	"github.com/virctl/robot/pkg/types"
)

// vrReadyRecheck is how long a VM build waits before re-checking its
// project's VirtualRouter readiness (§4.1).
const vrReadyRecheck = 10 * time.Second

// runVM implements the VM worker: build, running_update, quiesced_update,
// quiesce, restart, and scrub.
func (e *Env) runVM(ctx context.Context, d *dispatcher.Dispatcher, job dispatcher.Job) {
	timer := metrics.NewTimer()
	l := log.WithOperation(log.WithResource(string(types.KindVM), job.ID, job.ProjectID), job.Operation)

	vm, found, err := e.API.ReadVM(ctx, job.ID)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, err)
		return
	}
	if !found {
		if job.Operation == "scrub" {
			l.Debug().Msg("vm already removed from the api, treating scrub as already satisfied")
			_ = e.API.PartialUpdateState(ctx, iaasapi.VMPath, job.ID, types.Closed, nil)
			metrics.WorkerRunsTotal.WithLabelValues(string(types.KindVM), job.Operation, "already_deleted").Inc()
			return
		}
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("vm %d not found", job.ID))
		return
	}
	// run_robot's buckets are flat id lists with no per-id project
	// mapping; the resource read is the only source of truth for it.
	job.ProjectID = vm.ProjectID
	l = log.WithOperation(log.WithResource(string(types.KindVM), job.ID, job.ProjectID), job.Operation)

	if job.Operation == "build" {
		ready, err := e.vrReadyForBuild(ctx, d, job, vm.State)
		if err != nil {
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonVRNotReady, err)
			return
		}
		if !ready {
			return // rescheduled, or the vr_unresourced branch already quarantined the VM
		}
	}

	transition, ok := resolveTransition(job.Operation, vm.State)
	if !ok || vm.State != transition.Trigger {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonNotInValidState,
			fmt.Errorf("vm %d in state %s does not match trigger for %s", job.ID, vm.State, job.Operation))
		return
	}

	if err := e.API.PartialUpdateState(ctx, iaasapi.VMPath, job.ID, transition.InProgress, nil); err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
		return
	}

	server, found, err := e.API.ReadServer(ctx, vm.ServerID)
	if err != nil || !found {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonServerNotRead, fmt.Errorf("reading server %d: %w", vm.ServerID, err))
		return
	}

	finish := func() {
		vm.ScrubCredentials()
		if err := e.succeed(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, transition.Success, nil); err != nil {
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
			return
		}
		timer.ObserveDurationVec(metrics.WorkerDuration, string(types.KindVM), job.Operation)
	}

	if server.Type == types.ServerPhantom {
		finish()
		return
	}

	driver, err := e.driverFor(*server)
	if err != nil {
		vm.ScrubCredentials()
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonUnsupportedServerType), err)
		return
	}
	windows := isWindows(vm.Image)

	switch job.Operation {
	case "build":
		e.buildVM(ctx, job, vm, server, driver, windows, finish)
	case "scrub":
		e.scrubVM(ctx, job, vm, server, driver, windows, finish)
	default:
		e.simpleVMOp(ctx, job, vm, server, driver, windows, finish)
	}
}

// vrReadyForBuild implements the §4.1 VM-build gate. It returns
// (true, nil) when the build may proceed, (false, nil) when it
// rescheduled itself or quarantined the VM because its VirtualRouter is
// UNRESOURCED, and an error only when the VR lookup itself failed.
// currentState guards against racing a VM that moved off REQUESTED
// while this job waited in the queue.
func (e *Env) vrReadyForBuild(ctx context.Context, d *dispatcher.Dispatcher, job dispatcher.Job, currentState types.State) (bool, error) {
	if currentState != types.Requested {
		return true, nil // let the normal trigger check below report not_in_valid_state
	}
	vr, found, err := e.API.FindVirtualRouterByProject(ctx, job.ProjectID)
	if err != nil {
		return false, err
	}
	if !found {
		d.ScheduleAfter(vrReadyRecheck, job)
		return false, nil
	}
	if vr.State == types.Unresourced {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonVRUnresourced,
			fmt.Errorf("vm %d's project virtual router %d is unresourced", job.ID, vr.ID))
		return false, nil
	}
	if vr.State != types.Running {
		d.ScheduleAfter(vrReadyRecheck, job)
		return false, nil
	}
	return true, nil
}

// buildVM renders and stages a VM's bridge, answer-file, and (for
// cloud-init-capable Linux images) cloud-init artifacts, then runs the
// build script and reports the one-time admin credential by email.
func (e *Env) buildVM(ctx context.Context, job dispatcher.Job, vm *types.VM, server *types.Server, driver remote.Driver, windows bool, finish func()) {
	subnets, err := e.API.ListSubnetsForProject(ctx, job.ProjectID)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	ips, err := e.API.ListIPAddressesForVM(ctx, vm.ID)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	adminPassword, err := stage.AdminPassword()
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	rootPassword, err := stage.RootPassword()
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	vm.AdminPassword = adminPassword
	vm.RootPassword = rootPassword

	basePath := e.Config.StoragePathKVM
	if windows {
		basePath = e.Config.StoragePathHyperV
	}
	vmID := vmIdentifier(vm.ID)
	primary := vm.PrimaryStorage()
	storageGB := 0
	if primary != nil {
		storageGB = primary.SizeGB
	}

	rctx := VMContext{
		VMID:                 vm.ID,
		VMIdentifier:         vmID,
		CPU:                  vm.CPU,
		RAMMB:                vm.RAM,
		VMsPath:              basePath,
		PrimaryStorageGB:     storageGB,
		ImageOSVariant:       vm.Image.Name,
		ImageFilename:        imageFilename(vm.Image),
		NetworkDrivePath:     e.Config.NetworkDrivePath,
		FirstNIC:             vmNetworkContext(vm, ips, subnets),
		Auth:                 e.Config.SSHAuthLine,
		Language:             defaultLanguage,
		Keyboard:             defaultKeyboard,
		Timezone:             defaultTimezone,
		CryptedRootPassword:  cryptPlaceholder(rootPassword),
		CryptedAdminPassword: cryptPlaceholder(adminPassword),
		AdminPassword:        adminPassword,
		DeviceType:           nicDeviceType,
		DeviceIndex:          0,
		DNS:                  dnsLine(vm.DNS),
		SSHPublicKey:         vm.SSHKey,
		VLANs:                vlansFor(vm, subnets),
	}

	stageDir := e.Stager.VMDir(job.ProjectID, vm.ID)
	remoteVMDir := fmt.Sprintf("%s/VMs/%s", e.Config.NetworkDrivePath, vmID)

	if !windows {
		if err := e.stageBridges(ctx, rctx.VLANs, server, driver); err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
			return
		}

		kickstart, err := e.Renderer.Render(render.TemplateVMAnswerKickstart, rctx)
		if err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
			return
		}
		if _, err := e.Stager.WriteFile(stageDir, vmID+".cfg", []byte(kickstart)); err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
			return
		}
		if err := pushFile(ctx, driver, *server, fmt.Sprintf("%s/%s.cfg", remoteVMDir, vmID), []byte(kickstart)); err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
			return
		}

		if vm.Image.CloudInitCapable {
			if err := e.stageCloudInit(ctx, rctx, stageDir, remoteVMDir, server, driver); err != nil {
				vm.ScrubCredentials()
				e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonTemplateDataFailed), err)
				return
			}
		}
	} else {
		unattend, err := e.Renderer.Render(render.TemplateVMAnswerUnattend, rctx)
		if err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
			return
		}
		if _, err := e.Stager.WriteFile(stageDir, "unattend.xml", []byte(unattend)); err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
			return
		}
		if err := pushFile(ctx, driver, *server, fmt.Sprintf("%s\\unattend.xml", remoteVMDir), []byte(unattend)); err != nil {
			vm.ScrubCredentials()
			e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
			return
		}
	}

	tmplName, sentinel := render.TemplateVMBuildLinux, "Domain creation completed"
	if windows {
		tmplName, sentinel = render.TemplateVMBuildWindows, "VM Successfully Created"
	}
	script, err := e.Renderer.Render(tmplName, rctx)
	if err != nil {
		vm.ScrubCredentials()
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		vm.ScrubCredentials()
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
		return
	}
	if !containsSentinel(result.Stdout, sentinel) {
		vm.ScrubCredentials()
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, remoteErrorReason(windows),
			fmt.Errorf("vm build did not report success: stdout=%q stderr=%q", result.Stdout, result.Stderr))
		return
	}

	e.Notifier.NotifyVMBuildSuccess(ctx, vm.ID, job.ProjectID, adminPassword)
	e.Stager.Cleanup(stageDir)
	finish()
}

// stageBridges renders and pushes a bridge definition for every VLAN
// not yet created on server, then runs the idempotent bridge-build
// script, which checks each net's existence itself (vm_bridge_build.tmpl).
func (e *Env) stageBridges(ctx context.Context, vlans []int, server *types.Server, driver remote.Driver) error {
	if len(vlans) == 0 {
		return nil
	}
	for _, vlan := range vlans {
		def, err := e.Renderer.Render(render.TemplateVMBridgeDefinition, struct{ VLAN int }{vlan})
		if err != nil {
			return fmt.Errorf("rendering bridge definition for vlan %d: %w", vlan, err)
		}
		path := fmt.Sprintf("%s/br%d.yaml", e.Config.NetworkDrivePath, vlan)
		if err := pushFile(ctx, driver, *server, path, []byte(def)); err != nil {
			return fmt.Errorf("staging bridge definition for vlan %d: %w", vlan, err)
		}
	}
	script, err := e.Renderer.Render(render.TemplateVMBridgeBuild, VMContext{VLANs: vlans, NetworkDrivePath: e.Config.NetworkDrivePath})
	if err != nil {
		return fmt.Errorf("rendering bridge build script: %w", err)
	}
	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		return err
	}
	if !containsSentinel(result.Stdout, "Bridge build completed") {
		return fmt.Errorf("bridge build did not report success: stdout=%q stderr=%q", result.Stdout, result.Stderr)
	}
	return nil
}

func (e *Env) stageCloudInit(ctx context.Context, rctx VMContext, stageDir, remoteVMDir string, server *types.Server, driver remote.Driver) error {
	userData, err := e.Renderer.Render(render.TemplateVMCloudInitUser, rctx)
	if err != nil {
		return fmt.Errorf("rendering cloud-init user-data: %w", err)
	}
	metaData, err := e.Renderer.Render(render.TemplateVMCloudInitMeta, rctx)
	if err != nil {
		return fmt.Errorf("rendering cloud-init meta-data: %w", err)
	}
	if _, err := e.Stager.WriteFile(stageDir, "user-data", []byte(userData)); err != nil {
		return err
	}
	if _, err := e.Stager.WriteFile(stageDir, "meta-data", []byte(metaData)); err != nil {
		return err
	}
	if err := pushFile(ctx, driver, *server, fmt.Sprintf("%s/user-data", remoteVMDir), []byte(userData)); err != nil {
		return err
	}
	return pushFile(ctx, driver, *server, fmt.Sprintf("%s/meta-data", remoteVMDir), []byte(metaData))
}

// scrubVM runs the VM's delete script, then determines whether it was
// the last KVM tenant of each of its VLAN bridges and tears the bridge
// down too when so (§8 scenario 3).
func (e *Env) scrubVM(ctx context.Context, job dispatcher.Job, vm *types.VM, server *types.Server, driver remote.Driver, windows bool, finish func()) {
	basePath := e.Config.StoragePathKVM
	if windows {
		basePath = e.Config.StoragePathHyperV
	}
	rctx := VMContext{VMID: vm.ID, VMIdentifier: vmIdentifier(vm.ID), VMsPath: basePath}

	tmplName, sentinel := render.TemplateVMScrubLinux, "Successfully Deleted"
	if windows {
		tmplName, sentinel = render.TemplateVMScrubWindows, "Successfully Deleted"
	}
	script, err := e.Renderer.Render(tmplName, rctx)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
		return
	}
	if !containsSentinel(result.Stdout, sentinel) {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, remoteErrorReason(windows),
			fmt.Errorf("vm scrub did not report success: stdout=%q stderr=%q", result.Stdout, result.Stderr))
		return
	}

	if !windows {
		logger := log.WithOperation(log.WithResource(string(types.KindVM), job.ID, job.ProjectID), job.Operation)
		e.scrubOrphanedBridges(ctx, job, vm, server, driver, logger)
	}

	finish()
}

// scrubOrphanedBridges tears down the VLAN bridge for every subnet this
// VM was the last KVM tenant of. A failure here is logged, not fatal:
// the VM itself is already gone, and a dangling bridge definition does
// not block any future build (stageBridges checks existence itself).
func (e *Env) scrubOrphanedBridges(ctx context.Context, job dispatcher.Job, vm *types.VM, server *types.Server, driver remote.Driver, logger zerolog.Logger) {
	subnets, err := e.API.ListSubnetsForProject(ctx, job.ProjectID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not list subnets while checking for orphaned vlan bridges")
		return
	}
	for _, iface := range vm.Interfaces {
		subnet, ok := subnets[iface.SubnetID]
		if !ok || subnet.VLAN == 0 {
			continue
		}
		tenants, err := e.API.ListVMsInSubnet(ctx, iface.SubnetID, vm.ID)
		if err != nil {
			logger.Warn().Err(err).Int("subnet_id", iface.SubnetID).Msg("could not list remaining vms in subnet")
			continue
		}
		serverIDs := make([]int, 0, len(tenants))
		for _, tenantID := range tenants {
			tenant, found, err := e.API.ReadVM(ctx, tenantID)
			if err != nil || !found {
				continue
			}
			serverIDs = append(serverIDs, tenant.ServerID)
		}
		kvmHosts, err := e.API.ListServerIDsByType(ctx, serverIDs, types.ServerKVM)
		if err != nil {
			logger.Warn().Err(err).Int("subnet_id", iface.SubnetID).Msg("could not resolve remaining tenant server types")
			continue
		}
		if len(kvmHosts) > 0 {
			continue
		}
		script, err := e.Renderer.Render(render.TemplateVMBridgeScrub, VMContext{VLAN: subnet.VLAN})
		if err != nil {
			logger.Warn().Err(err).Int("vlan", subnet.VLAN).Msg("could not render bridge scrub script")
			continue
		}
		if _, err := driver.Run(ctx, *server, script); err != nil {
			logger.Warn().Err(err).Int("vlan", subnet.VLAN).Msg("bridge scrub failed")
		}
	}
}

// simpleVMOp handles the operations with no staging of their own:
// running_update, quiesced_update, quiesce, restart.
func (e *Env) simpleVMOp(ctx context.Context, job dispatcher.Job, vm *types.VM, server *types.Server, driver remote.Driver, windows bool, finish func()) {
	rctx := VMContext{VMID: vm.ID, VMIdentifier: vmIdentifier(vm.ID), CPU: vm.CPU, RAMMB: vm.RAM}

	tmplName, sentinel, err := vmOpTemplate(job.Operation, windows, vm.ID)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	script, err := e.Renderer.Render(tmplName, rctx)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}
	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
		return
	}
	if !containsSentinel(result.Stdout, sentinel) {
		e.fail(ctx, iaasapi.VMPath, types.KindVM, job.Operation, job.ID, job.ProjectID, remoteErrorReason(windows),
			fmt.Errorf("vm %s did not report success: stdout=%q stderr=%q", job.Operation, result.Stdout, result.Stderr))
		return
	}
	finish()
}

func vmOpTemplate(operation string, windows bool, vmID int) (name, sentinel string, err error) {
	switch {
	case (operation == "running_update" || operation == "quiesced_update") && !windows:
		return render.TemplateVMUpdateLinux, "Update completed", nil
	case (operation == "running_update" || operation == "quiesced_update") && windows:
		return render.TemplateVMUpdateWindows, "Update completed", nil
	case operation == "quiesce" && !windows:
		return render.TemplateVMQuiesceLinux, "Quiesce completed", nil
	case operation == "quiesce" && windows:
		return render.TemplateVMQuiesceWindows, "Quiesce completed", nil
	case operation == "restart" && !windows:
		return render.TemplateVMRestartLinux, fmt.Sprintf("%d Successfully Rebooted", vmID), nil
	case operation == "restart" && windows:
		return render.TemplateVMRestartWindows, fmt.Sprintf("%d Successfully Rebooted", vmID), nil
	default:
		return "", "", fmt.Errorf("no vm template for operation %q (windows=%v)", operation, windows)
	}
}

// vlansFor returns the sorted, de-duplicated set of VLANs the VM's
// interfaces resolve to.
func vlansFor(vm *types.VM, subnets map[int]types.Subnet) []int {
	seen := map[int]bool{}
	var vlans []int
	for _, iface := range vm.Interfaces {
		vlan := subnets[iface.SubnetID].VLAN
		if vlan == 0 || seen[vlan] {
			continue
		}
		seen[vlan] = true
		vlans = append(vlans, vlan)
	}
	sort.Ints(vlans)
	return vlans
}

// imageFilename derives the installation media filename this agent
// expects to find under NetworkDrivePath/ISOs for an image: the pack's
// API contract names images, not media paths, so the filename is a
// deterministic function of the image name.
func imageFilename(image types.Image) string {
	return image.Name + ".iso"
}
