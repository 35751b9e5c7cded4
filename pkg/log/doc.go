/*
Package log provides structured logging for all mindloom components.

The package wraps zerolog behind a process-global logger configured once at
startup. Components derive child loggers carrying stable fields (component,
run_id) so every line is attributable without threading logger instances
through constructors.

# Usage

Initialising at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("coordinator")
	logger.Info().Str("run_id", id).Msg("worker launched")

Run-scoped loggers:

	logger := log.WithRunID(runID)
	logger.Error().Err(err).Msg("terminal transition failed")

Package-level helpers for one-off records:

	log.Info("reaper started")
	log.Errorf("launch failed", err)

# Worker Log Routing

The worker process calls log.Replace at boot with a logger whose writer
tees every record to the run's log channel on the message bus (see
pkg/worker). Nothing else in the process mutates the global logger after
Init, so the swap is race-free as long as it happens before any goroutines
start logging.

# Output Formats

JSONOutput=false (default) renders human-readable console lines with
RFC3339 timestamps; JSONOutput=true emits one JSON object per line for
log collectors.

# See Also

  - pkg/worker for the bus-backed log sink
  - pkg/api for per-request logging middleware
*/
package log
