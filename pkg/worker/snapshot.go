package worker

import (
	"context"
	"fmt"

	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/types"
)

// runSnapshot implements the Snapshot worker: build and scrub. Snapshots
// never carry an update or quiesce bucket (§3: addressed purely by
// vm_id/id/repository_index, no update-able specs of their own beyond
// remove_subtree, which only matters at scrub time).
func (e *Env) runSnapshot(ctx context.Context, _ *dispatcher.Dispatcher, job dispatcher.Job) {
	timer := metrics.NewTimer()
	l := log.WithOperation(log.WithResource(string(types.KindSnapshot), job.ID, job.ProjectID), job.Operation)

	snap, found, err := e.API.ReadSnapshot(ctx, job.ID)
	if err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, err)
		return
	}
	if !found {
		if job.Operation == "scrub" {
			l.Debug().Msg("snapshot already removed from the api, treating scrub as already satisfied")
			_ = e.API.PartialUpdateState(ctx, iaasapi.SnapshotPath, job.ID, types.Closed, nil)
			metrics.WorkerRunsTotal.WithLabelValues(string(types.KindSnapshot), job.Operation, "already_deleted").Inc()
			return
		}
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("snapshot %d not found", job.ID))
		return
	}
	job.ProjectID = snap.ProjectID
	l = log.WithOperation(log.WithResource(string(types.KindSnapshot), job.ID, job.ProjectID), job.Operation)

	transition, ok := resolveTransition(job.Operation, snap.State)
	if !ok || snap.State != transition.Trigger {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonNotInValidState,
			fmt.Errorf("snapshot %d in state %s does not match trigger for %s", job.ID, snap.State, job.Operation))
		return
	}

	if err := e.API.PartialUpdateState(ctx, iaasapi.SnapshotPath, job.ID, transition.InProgress, nil); err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
		return
	}

	finish := func() {
		if err := e.succeed(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, transition.Success, nil); err != nil {
			e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonCouldNotUpdateState, err)
			return
		}
		timer.ObserveDurationVec(metrics.WorkerDuration, string(types.KindSnapshot), job.Operation)
	}

	server, found, err := e.API.ReadServer(ctx, snap.ServerID)
	if err != nil || !found {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonServerNotRead, fmt.Errorf("reading server %d: %w", snap.ServerID, err))
		return
	}

	if server.Type == types.ServerPhantom {
		finish()
		return
	}

	driver, err := e.driverFor(*server)
	if err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, reasonFor(err, types.ReasonUnsupportedServerType), err)
		return
	}

	vm, found, err := e.API.ReadVM(ctx, snap.VMID)
	if err != nil || !found {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonInvalidResourceID, fmt.Errorf("reading vm %d: %w", snap.VMID, err))
		return
	}

	windows := server.Type == types.ServerHyperV
	rctx := SnapshotContext{
		SnapshotIdentifier: snapshotIdentifier(snap.ID),
		VMIdentifier:       vmIdentifier(vm.ID),
		RemoveSubtree:      snap.RemoveSubtree,
	}

	tmplName, sentinel, err := snapshotTemplate(job.Operation, windows)
	if err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	script, err := e.Renderer.Render(tmplName, rctx)
	if err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, types.ReasonTemplateDataFailed, err)
		return
	}

	result, err := driver.Run(ctx, *server, script)
	if err != nil {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, reasonFor(err, remoteErrorReason(windows)), err)
		return
	}
	if !containsSentinel(result.Stdout, sentinel) {
		e.fail(ctx, iaasapi.SnapshotPath, types.KindSnapshot, job.Operation, job.ID, job.ProjectID, remoteErrorReason(windows),
			fmt.Errorf("snapshot %s did not report success: stdout=%q stderr=%q", job.Operation, result.Stdout, result.Stderr))
		return
	}

	finish()
}

func snapshotTemplate(operation string, windows bool) (name, sentinel string, err error) {
	switch {
	case operation == "build" && !windows:
		return render.TemplateSnapshotBuildLinux, "created", nil
	case operation == "build" && windows:
		return render.TemplateSnapshotBuildWindows, "Created", nil
	case operation == "scrub" && !windows:
		return render.TemplateSnapshotScrubLinux, "deleted", nil
	case operation == "scrub" && windows:
		return render.TemplateSnapshotScrubWindows, "deleted", nil
	default:
		return "", "", fmt.Errorf("no snapshot template for operation %q (windows=%v)", operation, windows)
	}
}
