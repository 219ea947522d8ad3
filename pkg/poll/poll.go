// Package poll implements the polling loop (C9): every tick it asks
// run_robot for pending work, fans each resource id out to the
// dispatcher, and acknowledges the batch back to the API. A second,
// independent loop wakes once a day at local midnight and sweeps every
// resource sitting in SCRUB_QUEUE, dispatching scrubs the same way the
// main loop would have for a resource the API re-requested.
package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/types"
)

// Loop owns the run_robot polling cadence and the daily scrub sweep.
type Loop struct {
	api        *iaasapi.Client
	dispatcher *dispatcher.Dispatcher
	cfg        config.Config
	logger     zerolog.Logger
}

// New builds a Loop. It does not start anything; call Run.
func New(api *iaasapi.Client, d *dispatcher.Dispatcher, cfg config.Config) *Loop {
	return &Loop{api: api, dispatcher: d, cfg: cfg, logger: log.WithComponent("poll")}
}

// Run blocks until ctx is cancelled, alternating poll ticks with the
// daily sweep's own independent timer. Both loops run as goroutines
// under the same context so a single cancellation stops both.
func (l *Loop) Run(ctx context.Context) {
	go l.runPollLoop(ctx)
	go l.runDailySweep(ctx)
	<-ctx.Done()
}

// runPollLoop implements §4.2: poll every PollInterval, dispatch
// everything the batch carries, then acknowledge the project ids the
// batch named. An empty batch just sleeps for the interval.
func (l *Loop) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	}()

	batch, err := l.api.RunRobotGet(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("run_robot poll failed")
		return
	}
	if batch.Empty() {
		return
	}

	total := l.dispatchBatch(batch)
	metrics.PollBatchResources.Set(float64(total))

	l.logger.Info().Int("project_ids", len(batch.ProjectIDs)).Int("resources", total).Msg("dispatched poll batch")

	if err := l.api.RunRobotPost(ctx, batch.ProjectIDs); err != nil {
		l.logger.Error().Err(err).Msg("run_robot ack failed")
	}
}

// dispatchBatch enqueues every id in batch under the "poll" origin and
// returns how many jobs it enqueued.
func (l *Loop) dispatchBatch(batch *iaasapi.WorkBatch) int {
	n := 0
	n += l.dispatchIDs(types.KindBackup, "build", batch.Backups.Build)
	n += l.dispatchIDs(types.KindBackup, "running_update", batch.Backups.RunningUpdate)
	n += l.dispatchIDs(types.KindBackup, "quiesced_update", batch.Backups.QuiescedUpdate)
	n += l.dispatchIDs(types.KindBackup, "scrub", batch.Backups.Scrub)

	n += l.dispatchIDs(types.KindSnapshot, "build", batch.Snapshots.Build)
	n += l.dispatchIDs(types.KindSnapshot, "running_update", batch.Snapshots.RunningUpdate)
	n += l.dispatchIDs(types.KindSnapshot, "quiesced_update", batch.Snapshots.QuiescedUpdate)
	n += l.dispatchIDs(types.KindSnapshot, "scrub", batch.Snapshots.Scrub)

	n += l.dispatchIDs(types.KindVM, "build", batch.VMs.Build)
	n += l.dispatchIDs(types.KindVM, "running_update", batch.VMs.RunningUpdate)
	n += l.dispatchIDs(types.KindVM, "quiesced_update", batch.VMs.QuiescedUpdate)
	n += l.dispatchIDs(types.KindVM, "quiesce", batch.VMs.Quiesce)
	n += l.dispatchIDs(types.KindVM, "restart", batch.VMs.Restart)
	n += l.dispatchIDs(types.KindVM, "scrub", batch.VMs.Scrub)

	if l.cfg.VirtualRoutersEnabled {
		n += l.dispatchIDs(types.KindVirtualRouter, "build", batch.VirtualRouters.Build)
		n += l.dispatchIDs(types.KindVirtualRouter, "running_update", batch.VirtualRouters.RunningUpdate)
		n += l.dispatchIDs(types.KindVirtualRouter, "quiesced_update", batch.VirtualRouters.QuiescedUpdate)
		n += l.dispatchIDs(types.KindVirtualRouter, "quiesce", batch.VirtualRouters.Quiesce)
		n += l.dispatchIDs(types.KindVirtualRouter, "restart", batch.VirtualRouters.Restart)
		n += l.dispatchIDs(types.KindVirtualRouter, "scrub", batch.VirtualRouters.Scrub)
	} else if len(batch.VirtualRouters.Build)+len(batch.VirtualRouters.Scrub) > 0 {
		l.logger.Warn().Msg("virtual routers disabled by configuration; skipping virtual_router work this tick")
	}

	return n
}

func (l *Loop) dispatchIDs(kind types.ResourceKind, operation string, ids []int) int {
	for _, id := range ids {
		l.dispatcher.Enqueue(dispatcher.Job{
			Kind:      kind,
			Operation: operation,
			ID:        id,
			Origin:    "poll",
		})
	}
	return len(ids)
}

// runDailySweep wakes at local midnight every day and dispatches a
// scrub for every resource of every kind sitting in SCRUB_QUEUE. In
// production the API further restricts candidates to those whose
// updated timestamp is at least DailySweepMaxAge old, so a resource
// freshly moved into SCRUB_QUEUE by a worker this same tick isn't
// immediately re-dispatched by the sweep too.
func (l *Loop) runDailySweep(ctx context.Context) {
	for {
		wait := untilNextMidnight()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		l.sweep(ctx)
	}
}

func untilNextMidnight() time.Duration {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// sweepPaths names, for each kind the heartbeat sweeps, the API path
// used to list it and the ResourceKind reported on the dispatched job.
var sweepPaths = []struct {
	kind types.ResourceKind
	path string
}{
	{types.KindBackup, iaasapi.BackupPath},
	{types.KindSnapshot, iaasapi.SnapshotPath},
	{types.KindVM, iaasapi.VMPath},
}

func (l *Loop) sweep(ctx context.Context) {
	l.logger.Info().Msg("starting daily scrub sweep")

	filter := iaasapi.ScrubQueueFilter{State: string(types.ScrubQueue)}
	if l.cfg.DailySweepMaxAge > 0 {
		filter.UpdatedBefore = time.Now().Add(-l.cfg.DailySweepMaxAge).UTC().Format(time.RFC3339)
	}

	total := 0
	for _, sp := range sweepPaths {
		ids, err := l.api.ListScrubQueue(ctx, sp.path, filter)
		if err != nil {
			l.logger.Error().Err(err).Str("kind", string(sp.kind)).Msg("daily sweep list failed")
			continue
		}
		for _, id := range ids {
			l.dispatcher.Enqueue(dispatcher.Job{
				Kind:      sp.kind,
				Operation: "scrub",
				ID:        id,
				Origin:    "heartbeat",
			})
		}
		total += len(ids)
	}

	if l.cfg.VirtualRoutersEnabled {
		ids, err := l.api.ListScrubQueue(ctx, iaasapi.VirtualRouterPath, filter)
		if err != nil {
			l.logger.Error().Err(err).Str("kind", string(types.KindVirtualRouter)).Msg("daily sweep list failed")
		} else {
			for _, id := range ids {
				l.dispatcher.Enqueue(dispatcher.Job{
					Kind:      types.KindVirtualRouter,
					Operation: "scrub",
					ID:        id,
					Origin:    "heartbeat",
				})
			}
			total += len(ids)
		}
	}

	l.logger.Info().Int("resources", total).Msg("daily scrub sweep dispatched")
}
