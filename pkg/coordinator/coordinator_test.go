package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

type coordEnv struct {
	store runstore.Store
	bus   *bus.MemoryBus
	sched *scheduler.Fake
	coord *Coordinator
}

func newCoordEnv(t *testing.T, cfg Config) *coordEnv {
	t.Helper()

	store, err := runstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	sched := scheduler.NewFake()
	if cfg.WorkerImage == "" {
		cfg.WorkerImage = "mindloom-worker:test"
	}
	if cfg.LaunchRetryBudget == 0 {
		cfg.LaunchRetryBudget = 2 * time.Second
	}

	return &coordEnv{
		store: store,
		bus:   b,
		sched: sched,
		coord: New(store, sched, b, cfg),
	}
}

func (e *coordEnv) subscribeResults(t *testing.T, runID string) *bus.Subscription {
	t.Helper()
	sub, err := e.bus.Subscribe(context.Background(), types.ResultChannel(runID))
	require.NoError(t, err)
	t.Cleanup(sub.Release)
	return sub
}

func requireEndError(t *testing.T, sub *bus.Subscription, msg string) {
	t.Helper()
	select {
	case data := <-sub.C():
		env, err := types.DecodeEnvelope(data)
		require.NoError(t, err)
		assert.True(t, env.IsEnd())
		assert.Equal(t, msg, env.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no end envelope published")
	}
}

func TestStartLaunchesWorker(t *testing.T) {
	env := newCoordEnv(t, Config{WorkerEnv: map[string]string{"MINDLOOM_BUS_DRIVER": "redis"}})

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", map[string]any{"message": "hi"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Equal(t, scheduler.WorkerName(run.ID), run.WorkerHandle)
	assert.NotNil(t, run.StartedAt)
	assert.Equal(t, 1, env.sched.Launches())

	spec, ok := env.sched.Spec(run.WorkerHandle)
	require.True(t, ok)
	assert.Equal(t, "mindloom-worker:test", spec.Image)
	assert.Equal(t, map[string]any{"message": "hi"}, spec.InputVariables)
	assert.Equal(t, "redis", spec.Env["MINDLOOM_BUS_DRIVER"])
}

func TestStartRetriesTransientLaunch(t *testing.T) {
	env := newCoordEnv(t, Config{})
	env.sched.FailLaunches(scheduler.Transient(errors.New("api timeout")), 2)

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Equal(t, 3, env.sched.Launches(), "two transient failures then success")
}

func TestStartPermanentLaunchFailure(t *testing.T) {
	env := newCoordEnv(t, Config{})
	env.sched.FailLaunches(scheduler.Permanent(errors.New("image not found")), 1)

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.Error(t, err)
	assert.True(t, scheduler.IsPermanent(err))
	assert.Equal(t, 1, env.sched.Launches(), "permanent errors are not retried")

	require.NotNil(t, run, "the failed record is still returned for auditing")
	assert.Equal(t, types.StatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "failed to launch worker")
	assert.Contains(t, run.ErrorMessage, "image not found")
	assert.NotNil(t, run.EndedAt)
}

func TestStartExhaustsRetryBudget(t *testing.T) {
	env := newCoordEnv(t, Config{LaunchRetryBudget: 300 * time.Millisecond})
	env.sched.FailLaunches(scheduler.Transient(errors.New("api timeout")), 100)

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.Error(t, err)
	assert.True(t, scheduler.IsTransient(err))
	assert.GreaterOrEqual(t, env.sched.Launches(), 2)

	assert.Equal(t, types.StatusFailed, run.Status)
}

func TestCancelRunningRun(t *testing.T) {
	env := newCoordEnv(t, Config{})

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)
	sub := env.subscribeResults(t, run.ID)

	cancelled, err := env.coord.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.ErrorMessage)
	assert.NotNil(t, cancelled.EndedAt)

	requireEndError(t, sub, "cancelled")
	assert.Contains(t, env.sched.Deleted(), run.WorkerHandle)
}

func TestCancelPendingRun(t *testing.T) {
	env := newCoordEnv(t, Config{})

	run, err := env.store.InsertPending(context.Background(), types.RunnableKindTeam, "team-1", nil)
	require.NoError(t, err)
	sub := env.subscribeResults(t, run.ID)

	cancelled, err := env.coord.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	requireEndError(t, sub, "cancelled")
	// No handle was ever recorded, so teardown falls back to the
	// deterministic worker name.
	assert.Contains(t, env.sched.Deleted(), scheduler.WorkerName(run.ID))
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	env := newCoordEnv(t, Config{})

	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)

	_, err = env.coord.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	deletions := len(env.sched.Deleted())

	sub := env.subscribeResults(t, run.ID)
	again, err := env.coord.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, again.Status)
	assert.Len(t, env.sched.Deleted(), deletions, "a second cancel tears nothing down")

	select {
	case data := <-sub.C():
		t.Fatalf("terminal cancel republished %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newCoordEnv(t, Config{})

	_, err := env.coord.Cancel(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
