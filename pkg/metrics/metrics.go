package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mindloom_runs_total",
			Help: "Number of run records by status",
		},
		[]string{"status"},
	)

	RunsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_runs_submitted_total",
			Help: "Total number of runs accepted by the coordinator",
		},
	)

	RunsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_runs_reaped_total",
			Help: "Total number of runs failed by the reaper after worker loss",
		},
	)

	// Launch metrics
	WorkerLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloom_worker_launches_total",
			Help: "Total number of worker launch attempts by outcome",
		},
		[]string{"outcome"},
	)

	LaunchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_launch_retries_total",
			Help: "Total number of launch retries after transient scheduler errors",
		},
	)

	// Reaper and cleanup metrics
	ReaperSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_reaper_sweeps_total",
			Help: "Total number of reaper sweeps",
		},
	)

	ReaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mindloom_reaper_sweep_duration_seconds",
			Help:    "Time taken by one reaper sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_cleanup_deleted_workers_total",
			Help: "Total number of finished worker resources deleted by the cleanup sweep",
		},
	)

	// Bus metrics
	BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloom_bus_published_total",
			Help: "Total number of messages published to the bus by driver",
		},
		[]string{"driver"},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloom_bus_dropped_messages_total",
			Help: "Total number of messages dropped for slow subscribers by driver",
		},
		[]string{"driver"},
	)

	BusSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mindloom_bus_subscriptions",
			Help: "Number of live bus subscriptions by driver",
		},
		[]string{"driver"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindloom_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Stream gateway metrics
	ResultStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mindloom_result_streams_active",
			Help: "Number of open result stream connections",
		},
	)

	LogStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mindloom_log_streams_active",
			Help: "Number of open log stream connections",
		},
	)

	StreamClientOverflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloom_stream_client_overflows_total",
			Help: "Total number of stream connections closed because the client fell behind",
		},
		[]string{"stream"},
	)

	// Worker metrics
	WorkerChunksPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_worker_chunks_published_total",
			Help: "Total number of result chunks published by this worker",
		},
	)

	WorkerLogDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_worker_log_drops_total",
			Help: "Total number of log lines dropped because the bus was unavailable or slow",
		},
	)

	WorkerChunkDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_worker_chunk_drops_total",
			Help: "Total number of result chunks dropped because publishing failed",
		},
	)

	WorkerTerminalRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloom_worker_terminal_retries_total",
			Help: "Total number of retries of the terminal status transition",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsSubmitted)
	prometheus.MustRegister(RunsReaped)
	prometheus.MustRegister(WorkerLaunches)
	prometheus.MustRegister(LaunchRetries)
	prometheus.MustRegister(ReaperSweeps)
	prometheus.MustRegister(ReaperSweepDuration)
	prometheus.MustRegister(CleanupDeleted)
	prometheus.MustRegister(BusPublished)
	prometheus.MustRegister(BusDropped)
	prometheus.MustRegister(BusSubscriptions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ResultStreamsActive)
	prometheus.MustRegister(LogStreamsActive)
	prometheus.MustRegister(StreamClientOverflows)
	prometheus.MustRegister(WorkerChunksPublished)
	prometheus.MustRegister(WorkerLogDrops)
	prometheus.MustRegister(WorkerChunkDrops)
	prometheus.MustRegister(WorkerTerminalRetries)
}

// Launch outcomes recorded on WorkerLaunches
const (
	LaunchOutcomeSuccess   = "success"
	LaunchOutcomeTransient = "transient_error"
	LaunchOutcomePermanent = "permanent_error"
)

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
