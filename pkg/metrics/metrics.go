package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Master metrics
	RunsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antcode_runs_total",
			Help: "Task runs by overall status",
		},
		[]string{"status"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "antcode_scheduling_latency_seconds",
			Help:    "Time from due to enqueued in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_runs_scheduled_total",
			Help: "Total number of runs enqueued",
		},
	)

	RunsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_runs_retried_total",
			Help: "Total retry attempts by error kind",
		},
		[]string{"kind"},
	)

	ReconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_reconcile_cycles_total",
			Help: "Reconcile loop cycles by concern",
		},
		[]string{"concern"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antcode_master_is_leader",
			Help: "Whether this master holds the leader lock (1 = leader)",
		},
	)

	FencingToken = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antcode_master_fencing_token",
			Help: "Fencing token of the current leadership term",
		},
	)

	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antcode_workers_online",
			Help: "Workers with a live heartbeat",
		},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_gateway_requests_total",
			Help: "Gateway RPCs by method and status code",
		},
		[]string{"method", "code"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "antcode_gateway_request_duration_seconds",
			Help:    "Gateway RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Worker metrics
	TasksExecuting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antcode_worker_tasks_executing",
			Help: "Tasks currently executing on this worker",
		},
	)

	TasksQueuedLocal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antcode_worker_tasks_queued",
			Help: "Tasks waiting on the worker's local queue",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_worker_heartbeats_total",
			Help: "Heartbeats sent by this worker",
		},
	)

	RuntimeBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_runtime_builds_total",
			Help: "Runtime environment builds by outcome",
		},
		[]string{"outcome"},
	)

	RunEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_worker_run_events_total",
			Help: "Run lifecycle events observed on the worker event feed",
		},
		[]string{"type"},
	)

	// Log pipeline metrics
	LogBatchesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_log_batches_sent_total",
			Help: "Live log batches delivered",
		},
	)

	LogEntriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_log_entries_dropped_total",
			Help: "Live log entries discarded under backpressure",
		},
	)

	LogChunksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_log_chunks_sent_total",
			Help: "Durable log chunks delivered",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsByStatus)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(RunsScheduled)
	prometheus.MustRegister(RunsRetried)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(FencingToken)
	prometheus.MustRegister(WorkersOnline)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(TasksExecuting)
	prometheus.MustRegister(TasksQueuedLocal)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(RuntimeBuilds)
	prometheus.MustRegister(RunEvents)
	prometheus.MustRegister(LogBatchesSent)
	prometheus.MustRegister(LogEntriesDropped)
	prometheus.MustRegister(LogChunksSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
