// Package metrics exposes the agent's Prometheus gauges, counters, and
// histograms: one fire-and-forget sink invoked by the failure handler,
// the workers, the poller, and the notifier.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerRunsTotal counts every worker invocation by resource kind,
	// operation, and outcome ("success", "unresourced", "not_in_valid_state").
	WorkerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_worker_runs_total",
			Help: "Total worker invocations by resource kind, operation, and outcome",
		},
		[]string{"kind", "operation", "outcome"},
	)

	// WorkerFailuresTotal counts failures by the §7 failure-reason taxonomy.
	WorkerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_worker_failures_total",
			Help: "Total worker failures by resource kind, operation, and failure reason",
		},
		[]string{"kind", "operation", "reason"},
	)

	// WorkerDuration times one worker run end to end, from read to final
	// state update.
	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robot_worker_duration_seconds",
			Help:    "Duration of a worker run from read to final state update",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind", "operation"},
	)

	// DispatchQueueDepth reports how many jobs are currently enqueued on a
	// named queue (virtual_router, heartbeat, default).
	DispatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robot_dispatch_queue_depth",
			Help: "Number of jobs currently enqueued per dispatcher queue",
		},
		[]string{"queue"},
	)

	// DispatchedTotal counts every job handed to a queue.
	DispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_dispatched_total",
			Help: "Total jobs enqueued by the dispatcher, by queue",
		},
		[]string{"queue"},
	)

	// PollCycleDuration times one run_robot poll: list, fan out, acknowledge.
	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robot_poll_cycle_duration_seconds",
			Help:    "Duration of one polling-loop cycle against run_robot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PollBatchResources reports how many resource ids the last poll batch
	// carried in total, across every kind and operation.
	PollBatchResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_poll_batch_resources",
			Help: "Number of resource ids carried in the most recent run_robot batch",
		},
	)

	// TokenRefreshesTotal counts both the 40-minute proactive refresh and
	// the 401-triggered reissue.
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_token_refreshes_total",
			Help: "Total API token refreshes, by trigger",
		},
		[]string{"trigger"},
	)

	// APIRequestDuration times every IaaS API round trip.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robot_api_request_duration_seconds",
			Help:    "Duration of IaaS API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RemoteExecDuration times one SSH/WinRM command execution.
	RemoteExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robot_remote_exec_duration_seconds",
			Help:    "Duration of a single SSH or WinRM command execution",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"driver"},
	)

	// NotificationsSentTotal counts emails the notifier attempted to send,
	// by event and whether the send succeeded.
	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_notifications_sent_total",
			Help: "Total notification emails attempted, by event and result",
		},
		[]string{"event", "result"},
	)

	// DailySweepResources reports how many SCRUB_QUEUE resources the
	// midnight sweep picked up, by kind.
	DailySweepResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robot_daily_sweep_resources",
			Help: "Resources dispatched by the most recent daily scrub sweep, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerRunsTotal,
		WorkerFailuresTotal,
		WorkerDuration,
		DispatchQueueDepth,
		DispatchedTotal,
		PollCycleDuration,
		PollBatchResources,
		TokenRefreshesTotal,
		APIRequestDuration,
		RemoteExecDuration,
		NotificationsSentTotal,
		DailySweepResources,
	)
}

// Handler returns the Prometheus HTTP handler mounted at the agent's
// metrics listen address.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation and
// reports it to a histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
