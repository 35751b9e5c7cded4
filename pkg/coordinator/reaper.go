package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/election"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

const (
	defaultReaperPeriod = 30 * time.Second
	defaultUnknownGrace = 60 * time.Second
)

// Reaper detects runs whose worker died without writing a terminal status
// and fails them so no client waits forever. It is a cluster-wide single
// writer: sweeps run only while the elector reports leadership.
type Reaper struct {
	store   runstore.Store
	sched   scheduler.Scheduler
	bus     bus.Bus
	elector election.Elector

	period       time.Duration
	unknownGrace time.Duration
	logger       zerolog.Logger

	// concernedSince records when a worker was first seen in a state that
	// becomes a loss if it persists (unknown, or finished while the run
	// record is still active). Keyed by handle; only the sweep goroutine
	// touches it.
	concernedSince map[string]time.Time
}

// NewReaper wires a reaper. Zero period and grace fall back to 30s and 60s.
func NewReaper(store runstore.Store, sched scheduler.Scheduler, b bus.Bus, elector election.Elector, period, unknownGrace time.Duration) *Reaper {
	if period <= 0 {
		period = defaultReaperPeriod
	}
	if unknownGrace <= 0 {
		unknownGrace = defaultUnknownGrace
	}
	return &Reaper{
		store:          store,
		sched:          sched,
		bus:            b,
		elector:        elector,
		period:         period,
		unknownGrace:   unknownGrace,
		logger:         log.WithComponent("reaper"),
		concernedSince: make(map[string]time.Time),
	}
}

// Run sweeps every period until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !r.elector.IsLeader() {
				continue
			}
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ReaperSweeps.Inc()
		timer.ObserveDuration(metrics.ReaperSweepDuration)
	}()

	// Collect first: the snapshot may hold a store transaction open, and
	// reaping transitions must not run inside it.
	var active []*types.Run
	err := r.store.ForEachActive(ctx, func(run *types.Run) error {
		active = append(active, run.Clone())
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to enumerate active runs")
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(active))
	for _, run := range active {
		handle := run.WorkerHandle
		if handle == "" {
			// The running transition may not have landed; worker
			// names are deterministic, so inspect by name.
			handle = scheduler.WorkerName(run.ID)
		}
		seen[handle] = struct{}{}
		r.inspectRun(ctx, run, handle, now)
	}

	// Drop grace tracking for runs that left the active set.
	for handle := range r.concernedSince {
		if _, ok := seen[handle]; !ok {
			delete(r.concernedSince, handle)
		}
	}
}

func (r *Reaper) inspectRun(ctx context.Context, run *types.Run, handle string, now time.Time) {
	logger := r.logger.With().Str("run_id", run.ID).Str("worker", handle).Logger()

	phase, err := r.sched.Inspect(ctx, handle)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to inspect worker, skipping")
		return
	}

	switch phase {
	case scheduler.PhaseActive:
		delete(r.concernedSince, handle)

	case scheduler.PhaseFailed:
		delete(r.concernedSince, handle)
		r.reap(ctx, run, handle, "worker disappeared", logger)

	case scheduler.PhaseSucceeded:
		// The worker exited cleanly but the record is still active;
		// give its own terminal write time to land.
		r.failAfterGrace(ctx, run, handle, now, "worker exited without reporting a result", logger)

	case scheduler.PhaseUnknown:
		r.failAfterGrace(ctx, run, handle, now, "worker disappeared", logger)
	}
}

// failAfterGrace reaps the run once its worker has been in a concerning
// state for longer than the grace, measured across sweeps.
func (r *Reaper) failAfterGrace(ctx context.Context, run *types.Run, handle string, now time.Time, msg string, logger zerolog.Logger) {
	first, ok := r.concernedSince[handle]
	if !ok {
		r.concernedSince[handle] = now
		return
	}
	if now.Sub(first) < r.unknownGrace {
		return
	}
	delete(r.concernedSince, handle)
	r.reap(ctx, run, handle, msg, logger)
}

func (r *Reaper) reap(ctx context.Context, run *types.Run, handle, msg string, logger zerolog.Logger) {
	now := time.Now().UTC()
	ok, err := r.store.Transition(ctx, run.ID, run.Status, types.StatusFailed, runstore.Patch{
		EndedAt:      &now,
		ErrorMessage: msg,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reap run")
		return
	}
	if !ok {
		// Another writer landed a status first; nothing to clean up.
		logger.Debug().Msg("Run moved before reaping")
		return
	}

	metrics.RunsReaped.Inc()
	logger.Warn().Str("reason", msg).Msg("Reaped run after worker loss")

	data, err := types.EncodeEnvelope(types.EndErrorEnvelope(msg))
	if err == nil {
		if err := r.bus.Publish(ctx, types.ResultChannel(run.ID), data); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish end envelope")
		}
	}

	if err := r.sched.Delete(ctx, handle); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete worker after reaping")
	}
}
