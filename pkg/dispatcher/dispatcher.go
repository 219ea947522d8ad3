// Package dispatcher fans worker invocations out onto named queues
// (§4.3): a dedicated queue for VirtualRouter operations, one for the
// daily scrub sweep, and a default queue for everything else. Enqueue
// is fire-and-forget; the queue only guarantees at-least-once delivery,
// so every job handler must be safe to run twice (the state-guard in
// the worker skeleton is what makes that true).
package dispatcher

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/types"
)

const (
	QueueVirtualRouter = "virtual_router"
	QueueHeartbeat     = "heartbeat"
	QueueDefault       = "default"
)

// Job is one unit of dispatched work: a (kind, operation) pair naming
// the resource by id. CorrelationID ties a job's whole lifetime —
// including any self-reschedules — together in logs and traces.
type Job struct {
	Kind          types.ResourceKind
	Operation     string
	ID            int
	ProjectID     int
	Origin        string // "poll" or "heartbeat"
	CorrelationID string
}

// Handler runs one job. It is supplied by pkg/worker at wiring time;
// the dispatcher itself knows nothing about resource semantics.
type Handler func(ctx context.Context, d *Dispatcher, job Job)

// Dispatcher owns one worker-goroutine pool per named queue.
type Dispatcher struct {
	handler Handler
	queues  map[string]chan Job
	logger  zerolog.Logger
}

// queueWorkers is the number of concurrent handler goroutines draining
// each named queue; the heartbeat queue only ever carries the low-churn
// daily sweep, so it gets a smaller pool.
var queueWorkers = map[string]int{
	QueueVirtualRouter: 8,
	QueueHeartbeat:     2,
	QueueDefault:       16,
}

const queueCapacity = 4096

// New builds a Dispatcher and starts its worker pools. handler is
// invoked once per job, possibly concurrently across distinct jobs on
// the same queue.
func New(handler Handler) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		queues:  make(map[string]chan Job, 3),
		logger:  log.WithComponent("dispatcher"),
	}
	for _, name := range []string{QueueVirtualRouter, QueueHeartbeat, QueueDefault} {
		ch := make(chan Job, queueCapacity)
		d.queues[name] = ch
		for i := 0; i < queueWorkers[name]; i++ {
			go d.drain(name, ch)
		}
	}
	return d
}

func (d *Dispatcher) drain(queue string, ch chan Job) {
	for job := range ch {
		metrics.DispatchQueueDepth.WithLabelValues(queue).Set(float64(len(ch)))
		d.runHandler(job)
		metrics.DispatchQueueDepth.WithLabelValues(queue).Set(float64(len(ch)))
	}
}

// runHandler invokes the handler with a panic recovery, matching §7's
// propagation policy: an uncaught exception inside a worker is logged
// with a stack trace and treated as a failure of that single job, never
// as a reason to kill the queue's worker goroutine.
func (d *Dispatcher) runHandler(job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("kind", string(job.Kind)).
				Str("operation", job.Operation).
				Int("id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker panicked; job dropped")
			metrics.WorkerRunsTotal.WithLabelValues(string(job.Kind), job.Operation, "panic").Inc()
		}
	}()
	d.handler(context.Background(), d, job)
}

// queueFor implements the routing rule in §5: the heartbeat origin
// always lands on the heartbeat queue regardless of kind; VirtualRouter
// jobs from normal polling get their own queue; everything else shares
// the default queue.
func queueFor(job Job) string {
	if job.Origin == "heartbeat" {
		return QueueHeartbeat
	}
	if job.Kind == types.KindVirtualRouter {
		return QueueVirtualRouter
	}
	return QueueDefault
}

// Enqueue hands job to its queue and returns immediately.
func (d *Dispatcher) Enqueue(job Job) {
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	queue := queueFor(job)
	metrics.DispatchedTotal.WithLabelValues(queue).Inc()
	select {
	case d.queues[queue] <- job:
	default:
		d.logger.Warn().Str("queue", queue).Str("kind", string(job.Kind)).Int("id", job.ID).
			Msg("queue full, dropping job; it will be re-dispatched on the next poll")
	}
}

// ScheduleAfter re-enqueues job after delay, used by the VM-build
// VR-readiness gate (10 s) and the VirtualRouter-scrub all-VMs-closed
// gate (60 s) in §4.1.
func (d *Dispatcher) ScheduleAfter(delay time.Duration, job Job) {
	time.AfterFunc(delay, func() {
		d.Enqueue(job)
	})
}
