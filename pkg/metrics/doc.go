/*
Package metrics exposes Prometheus instrumentation and process health state.

All collectors are package-level variables registered in init(), so any
component can record observations without carrying a registry. The API
server mounts Handler() at /metrics and the health handlers at /healthz
and /readyz.

# Metric Families

Runs:
  - mindloom_runs_total{status}: run records by status (polled by Collector)
  - mindloom_runs_submitted_total: runs accepted by the coordinator
  - mindloom_runs_reaped_total: runs failed by the reaper

Workers:
  - mindloom_worker_launches_total{outcome}: launch attempts
  - mindloom_launch_retries_total: retries after transient scheduler errors
  - mindloom_cleanup_deleted_workers_total: finished workers swept

Bus:
  - mindloom_bus_published_total{driver}
  - mindloom_bus_dropped_messages_total{driver}: slow-subscriber drops
  - mindloom_bus_subscriptions{driver}

Streams:
  - mindloom_result_streams_active / mindloom_log_streams_active
  - mindloom_stream_client_overflows_total{stream}

Worker process:
  - mindloom_worker_chunks_published_total
  - mindloom_worker_log_drops_total
  - mindloom_worker_terminal_retries_total

# Health Reporting

Components push their state with RegisterComponent/UpdateComponent; the
readiness handler answers 503 until store, bus, and scheduler have all
reported healthy.

	metrics.RegisterComponent("store", true, "")
	http.Handle("/readyz", metrics.ReadyHandler())

# Timers

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperSweepDuration)
*/
package metrics
