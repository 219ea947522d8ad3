package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/types"
)

// runBackup implements the Backup worker: build, running_update (the
// only update bucket a Backup responds to; quiesced_update never
// applies since Backups have no quiesced state), and scrub.
func (e *Env) runBackup(ctx context.Context, _ *dispatcher.Dispatcher, job dispatcher.Job) {
	timer := metrics.NewTimer()
	l := log.WithOperation(log.WithResource(string(types.KindBackup), job.ID, job.ProjectID), job.Operation)

	backup, found, err := e.API.ReadBackup(ctx, job.ID)
	if err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, err)
		return
	}
	if !found {
		if job.Operation == "scrub" {
			l.Debug().Msg("backup already removed from the api, treating scrub as already satisfied")
			_ = e.API.PartialUpdateState(ctx, iaasapi.BackupPath, job.ID, types.Closed, nil)
			metrics.WorkerRunsTotal.WithLabelValues(string(types.KindBackup), job.Operation, "already_deleted").Inc()
			return
		}
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("backup %d not found", job.ID))
		return
	}
	job.ProjectID = backup.ProjectID
	l = log.WithOperation(log.WithResource(string(types.KindBackup), job.ID, job.ProjectID), job.Operation)

	transition, ok := resolveTransition(job.Operation, backup.State)
	if !ok || backup.State != transition.Trigger {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonNotInValidState,
			fmt.Errorf("backup %d in state %s does not match trigger for %s", job.ID, backup.State, job.Operation))
		return
	}

	if err := e.API.PartialUpdateState(ctx, iaasapi.BackupPath, job.ID, transition.InProgress, nil); err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
		return
	}

	finish := func(extra map[string]interface{}) {
		if err := e.succeed(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, transition.Success, extra); err != nil {
			e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
			return
		}
		timer.ObserveDurationVec(metrics.WorkerDuration, string(types.KindBackup), job.Operation)
	}

	server, found, err := e.API.ReadServer(ctx, backup.ServerID)
	if err != nil || !found {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonServerNotRead, fmt.Errorf("reading server %d: %w", backup.ServerID, err))
		return
	}

	if server.Type == types.ServerPhantom {
		finish(nil)
		return
	}

	driver, err := e.driverFor(*server)
	if err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonUnsupportedServerType), err)
		return
	}

	vm, found, err := e.API.ReadVM(ctx, backup.VMID)
	if err != nil || !found {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("reading vm %d: %w", backup.VMID, err))
		return
	}

	windows := server.Type == types.ServerHyperV
	basePath := e.Config.StoragePathKVM
	if windows {
		basePath = e.Config.StoragePathHyperV
	}
	vmID := vmIdentifier(vm.ID)
	backupPath := repositoryPath(basePath, vmID, backup.RepositoryIndex, "backup")
	timeValid := time.Now().UTC().Format(time.RFC3339)

	rctx := BackupContext{
		VMID:          vm.ID,
		VMIdentifier:  vmID,
		BackupPath:    backupPath,
		BackupXMLPath: fmt.Sprintf("%s/%s.xml", e.Stager.ProjectDir(job.ProjectID), vmID),
		TimeValid:     timeValid,
	}

	tmplName, sentinel, err := backupTemplate(job.Operation, windows)
	if err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	script, err := e.Renderer.Render(tmplName, rctx)
	if err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
		return
	}
	if !containsSentinel(result.Stdout, sentinel) {
		e.fail(ctx, iaasapi.BackupPath, types.KindBackup, job.Operation, job.ID, job.ProjectID, remoteErrorReason(windows),
			fmt.Errorf("backup %s did not report success: stdout=%q stderr=%q", job.Operation, result.Stdout, result.Stderr))
		return
	}

	var extra map[string]interface{}
	if job.Operation == "build" {
		extra = map[string]interface{}{"time_valid": timeValid}
	}
	finish(extra)
}

// backupTemplate picks the template and stdout sentinel for a Backup
// operation given whether its hypervisor is Windows.
func backupTemplate(operation string, windows bool) (name, sentinel string, err error) {
	switch {
	case operation == "build" && !windows:
		return render.TemplateBackupBuildLinux, "Backup done", nil
	case operation == "build" && windows:
		return render.TemplateBackupBuildWindows, "Created VM backup", nil
	case operation == "running_update" && !windows:
		return render.TemplateBackupUpdateLinux, "Backup update completed", nil
	case operation == "running_update" && windows:
		return render.TemplateBackupUpdateWindows, "Backup update completed", nil
	case operation == "scrub" && !windows:
		return render.TemplateBackupScrubLinux, "removed", nil
	case operation == "scrub" && windows:
		return render.TemplateBackupScrubWindows, "removed", nil
	default:
		return "", "", fmt.Errorf("no backup template for operation %q (windows=%v)", operation, windows)
	}
}
