package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/election"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/scheduler"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultCompletedAge    = time.Hour
	defaultKeepPerRun      = 1
)

// Cleanup removes finished workers so the cluster does not accumulate
// completed jobs and containers. Like the reaper it only acts on the
// leader.
type Cleanup struct {
	sched   scheduler.Scheduler
	elector election.Elector

	interval     time.Duration
	completedAge time.Duration
	keepPerRun   int
	logger       zerolog.Logger
}

// NewCleanup wires a cleanup loop. Zero values fall back to a 5m interval,
// a 1h retention age and one kept worker per run.
func NewCleanup(sched scheduler.Scheduler, elector election.Elector, interval, completedAge time.Duration, keepPerRun int) *Cleanup {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if completedAge <= 0 {
		completedAge = defaultCompletedAge
	}
	if keepPerRun <= 0 {
		keepPerRun = defaultKeepPerRun
	}
	return &Cleanup{
		sched:        sched,
		elector:      elector,
		interval:     interval,
		completedAge: completedAge,
		keepPerRun:   keepPerRun,
		logger:       log.WithComponent("cleanup"),
	}
}

// Run sweeps every interval until ctx is done.
func (c *Cleanup) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.elector.IsLeader() {
				continue
			}
			c.sweep(ctx)
		}
	}
}

func (c *Cleanup) sweep(ctx context.Context) {
	workers, err := c.sched.ListRunWorkers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list workers")
		return
	}

	finished := make(map[string][]scheduler.WorkerInfo)
	for _, w := range workers {
		if w.Phase != scheduler.PhaseSucceeded && w.Phase != scheduler.PhaseFailed {
			continue
		}
		if w.FinishedAt.IsZero() {
			continue
		}
		finished[w.RunID] = append(finished[w.RunID], w)
	}

	now := time.Now().UTC()
	for runID, group := range finished {
		sort.Slice(group, func(i, j int) bool {
			return group[i].FinishedAt.After(group[j].FinishedAt)
		})
		for i, w := range group {
			age := now.Sub(w.FinishedAt)
			if i < c.keepPerRun && age < c.completedAge {
				continue
			}
			if err := c.sched.Delete(ctx, w.Handle); err != nil {
				c.logger.Warn().Err(err).Str("worker", w.Handle).Msg("Failed to delete finished worker")
				continue
			}
			metrics.CleanupDeleted.Inc()
			c.logger.Debug().
				Str("run_id", runID).
				Str("worker", w.Handle).
				Dur("age", age).
				Msg("Deleted finished worker")
		}
	}
}
