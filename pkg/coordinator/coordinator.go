package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

const (
	defaultLaunchRetryBudget = 10 * time.Second
	launchInitialInterval    = 200 * time.Millisecond
)

// Config carries the worker launch settings.
type Config struct {
	WorkerImage    string
	SecretRef      string
	ServiceAccount string
	CPURequest     string
	CPULimit       string
	MemoryRequest  string
	MemoryLimit    string

	// WorkerEnv is extra non-credential environment added to every
	// worker, typically driver selection (store, bus, engine).
	WorkerEnv map[string]string

	// LaunchRetryBudget is the wall-clock window for launch retries
	// after transient scheduler errors.
	LaunchRetryBudget time.Duration
}

// Coordinator owns the run lifecycle on the control plane: it admits runs,
// launches their workers and cancels them. The reaper and the cleanup sweep
// live alongside it in this package.
type Coordinator struct {
	store  runstore.Store
	sched  scheduler.Scheduler
	bus    bus.Bus
	cfg    Config
	logger zerolog.Logger
}

// New wires a coordinator. A zero LaunchRetryBudget falls back to 10s.
func New(store runstore.Store, sched scheduler.Scheduler, b bus.Bus, cfg Config) *Coordinator {
	if cfg.LaunchRetryBudget <= 0 {
		cfg.LaunchRetryBudget = defaultLaunchRetryBudget
	}
	return &Coordinator{
		store:  store,
		sched:  sched,
		bus:    b,
		cfg:    cfg,
		logger: log.WithComponent("coordinator"),
	}
}

// Start admits a run: insert the pending record, launch its worker, then
// move the record to running. It returns as soon as the worker is launched;
// completion is observed through the stream or by polling the record.
//
// On launch failure the run is transitioned to failed and both the failed
// record and the launch error are returned, so callers can surface the
// reason while the record stays auditable.
func (c *Coordinator) Start(ctx context.Context, kind types.RunnableKind, runnableID string, inputVars map[string]any) (*types.Run, error) {
	run, err := c.store.InsertPending(ctx, kind, runnableID, inputVars)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	metrics.RunsSubmitted.Inc()

	logger := c.logger.With().Str("run_id", run.ID).Str("runnable_id", runnableID).Logger()
	logger.Info().Str("kind", string(kind)).Msg("Run submitted")

	handle, err := c.launch(ctx, run)
	if err != nil {
		now := time.Now().UTC()
		msg := fmt.Sprintf("failed to launch worker: %v", err)
		if _, terr := c.store.Transition(ctx, run.ID, types.StatusPending, types.StatusFailed, runstore.Patch{
			EndedAt:      &now,
			ErrorMessage: msg,
		}); terr != nil {
			logger.Error().Err(terr).Msg("Failed to record launch failure")
		}
		logger.Error().Err(err).Msg("Run failed before launch")
		if failed, ferr := c.store.Fetch(ctx, run.ID); ferr == nil {
			run = failed
		}
		return run, fmt.Errorf("failed to launch worker for run %s: %w", run.ID, err)
	}

	now := time.Now().UTC()
	ok, err := c.store.Transition(ctx, run.ID, types.StatusPending, types.StatusRunning, runstore.Patch{
		StartedAt:    &now,
		WorkerHandle: handle,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark run running; leaving it to the worker or reaper")
	} else if !ok {
		// The worker moved the record first; its view wins.
		logger.Debug().Msg("Run already moved past pending")
	} else {
		logger.Info().Str("worker", handle).Msg("Run running")
	}

	updated, err := c.store.Fetch(ctx, run.ID)
	if err != nil {
		return run, nil
	}
	return updated, nil
}

// Cancel moves a run to cancelled from pending or running, tears down its
// worker and notifies connected result streams. Cancelling a terminal run
// is a no-op returning the current record.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*types.Run, error) {
	run, err := c.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	logger := c.logger.With().Str("run_id", id).Logger()
	now := time.Now().UTC()
	patch := runstore.Patch{EndedAt: &now, ErrorMessage: "cancelled"}

	ok, err := c.store.Transition(ctx, id, run.Status, types.StatusCancelled, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run %s: %w", id, err)
	}
	if !ok {
		// The status moved under us; retry once from the other
		// non-terminal state before giving up to a terminal writer.
		other := types.StatusRunning
		if run.Status == types.StatusRunning {
			other = types.StatusPending
		}
		ok, err = c.store.Transition(ctx, id, other, types.StatusCancelled, patch)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel run %s: %w", id, err)
		}
	}

	if ok {
		logger.Info().Msg("Run cancelled")
		c.publishEnd(ctx, id, "cancelled")

		handle := run.WorkerHandle
		if handle == "" {
			handle = scheduler.WorkerName(id)
		}
		if err := c.sched.Delete(ctx, handle); err != nil {
			logger.Warn().Err(err).Str("worker", handle).Msg("Failed to delete worker after cancel")
		}
	}

	return c.store.Fetch(ctx, id)
}

// launch creates the worker with exponential backoff inside the retry
// budget. Permanent scheduler errors abort immediately.
func (c *Coordinator) launch(ctx context.Context, run *types.Run) (string, error) {
	spec := scheduler.LaunchSpec{
		RunID:          run.ID,
		RunnableKind:   run.RunnableKind,
		RunnableID:     run.RunnableID,
		InputVariables: run.InputVariables,
		Image:          c.cfg.WorkerImage,
		Env:            c.cfg.WorkerEnv,
		SecretRef:      c.cfg.SecretRef,
		ServiceAccount: c.cfg.ServiceAccount,
		CPURequest:     c.cfg.CPURequest,
		CPULimit:       c.cfg.CPULimit,
		MemoryRequest:  c.cfg.MemoryRequest,
		MemoryLimit:    c.cfg.MemoryLimit,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = launchInitialInterval
	policy.MaxElapsedTime = c.cfg.LaunchRetryBudget

	var handle string
	attempt := 0
	op := func() error {
		attempt++
		h, err := c.sched.Launch(ctx, spec)
		if err != nil {
			if scheduler.IsPermanent(err) {
				metrics.WorkerLaunches.WithLabelValues(metrics.LaunchOutcomePermanent).Inc()
				return backoff.Permanent(err)
			}
			metrics.WorkerLaunches.WithLabelValues(metrics.LaunchOutcomeTransient).Inc()
			metrics.LaunchRetries.Inc()
			c.logger.Warn().Err(err).Str("run_id", run.ID).Int("attempt", attempt).Msg("Worker launch failed, retrying")
			return err
		}
		handle = h
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	metrics.WorkerLaunches.WithLabelValues(metrics.LaunchOutcomeSuccess).Inc()
	return handle, nil
}

// publishEnd pushes a terminating envelope at connected result streams.
// Best effort: a failed publish only means late subscribers will rely on
// the synthetic terminal event instead.
func (c *Coordinator) publishEnd(ctx context.Context, runID, errMsg string) {
	data, err := types.EncodeEnvelope(types.EndErrorEnvelope(errMsg))
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, types.ResultChannel(runID), data); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to publish end envelope")
	}
}
