package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/election"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

// staticElector pins leadership for loop tests.
type staticElector struct{ leader bool }

func (e staticElector) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (e staticElector) IsLeader() bool                { return e.leader }

func newTestReaper(env *coordEnv, grace time.Duration) *Reaper {
	return NewReaper(env.store, env.sched, env.bus, election.Standalone{}, time.Second, grace)
}

func startRun(t *testing.T, env *coordEnv) *types.Run {
	t.Helper()
	run, err := env.coord.Start(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, run.Status)
	return run
}

func fetchStatus(t *testing.T, env *coordEnv, id string) types.Status {
	t.Helper()
	run, err := env.store.Fetch(context.Background(), id)
	require.NoError(t, err)
	return run.Status
}

func TestReaperFailsRunAfterWorkerLoss(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, 100*time.Millisecond)

	run := startRun(t, env)
	sub := env.subscribeResults(t, run.ID)
	env.sched.Remove(run.WorkerHandle)

	// First sighting only starts the grace clock.
	reaper.sweep(context.Background())
	assert.Equal(t, types.StatusRunning, fetchStatus(t, env, run.ID))

	time.Sleep(150 * time.Millisecond)
	reaper.sweep(context.Background())

	failed, err := env.store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "worker disappeared", failed.ErrorMessage)
	assert.NotNil(t, failed.EndedAt)

	requireEndError(t, sub, "worker disappeared")
	assert.Contains(t, env.sched.Deleted(), run.WorkerHandle)
}

func TestReaperFailsStuckPendingRun(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, 100*time.Millisecond)

	// A pending record whose worker never launched: no handle recorded,
	// nothing to inspect by the deterministic name either.
	run, err := env.store.InsertPending(context.Background(), types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)

	reaper.sweep(context.Background())
	assert.Equal(t, types.StatusPending, fetchStatus(t, env, run.ID))

	time.Sleep(150 * time.Millisecond)
	reaper.sweep(context.Background())
	assert.Equal(t, types.StatusFailed, fetchStatus(t, env, run.ID))
}

func TestReaperLeavesActiveWorkersAlone(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, time.Millisecond)

	run := startRun(t, env)

	reaper.sweep(context.Background())
	time.Sleep(20 * time.Millisecond)
	reaper.sweep(context.Background())

	assert.Equal(t, types.StatusRunning, fetchStatus(t, env, run.ID))
	assert.Empty(t, env.sched.Deleted())
}

func TestReaperFailedWorkerReapsImmediately(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, time.Hour)

	run := startRun(t, env)
	sub := env.subscribeResults(t, run.ID)
	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseFailed)

	// An observed worker failure needs no grace.
	reaper.sweep(context.Background())

	assert.Equal(t, types.StatusFailed, fetchStatus(t, env, run.ID))
	requireEndError(t, sub, "worker disappeared")
}

func TestReaperSucceededWorkerGetsGrace(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, 100*time.Millisecond)

	run := startRun(t, env)
	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseSucceeded)

	// The worker exited cleanly; its terminal write may still be in
	// flight, so the first sweeps leave the record alone.
	reaper.sweep(context.Background())
	assert.Equal(t, types.StatusRunning, fetchStatus(t, env, run.ID))

	time.Sleep(150 * time.Millisecond)
	reaper.sweep(context.Background())

	failed, err := env.store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "worker exited without reporting a result", failed.ErrorMessage)
}

func TestReaperSkipsRunsThatFinish(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, 50*time.Millisecond)

	run := startRun(t, env)
	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseSucceeded)
	reaper.sweep(context.Background())

	// The worker's terminal write lands inside the grace window.
	now := time.Now().UTC()
	ok, err := env.store.Transition(context.Background(), run.ID, types.StatusRunning, types.StatusCompleted,
		runstore.Patch{OutputData: "done", EndedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	reaper.sweep(context.Background())

	assert.Equal(t, types.StatusCompleted, fetchStatus(t, env, run.ID))
}

func TestReaperConcernClearsWhenWorkerRecovers(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := newTestReaper(env, 100*time.Millisecond)

	run := startRun(t, env)

	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseSucceeded)
	reaper.sweep(context.Background())

	// The phase report flaps back to active: the grace clock must reset,
	// not keep counting from the first concern.
	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseActive)
	reaper.sweep(context.Background())

	time.Sleep(150 * time.Millisecond)
	env.sched.SetPhase(run.WorkerHandle, scheduler.PhaseSucceeded)
	reaper.sweep(context.Background())

	assert.Equal(t, types.StatusRunning, fetchStatus(t, env, run.ID))
}

func TestReaperOnlySweepsAsLeader(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := NewReaper(env.store, env.sched, env.bus, staticElector{leader: false}, 20*time.Millisecond, time.Millisecond)

	run := startRun(t, env)
	env.sched.Remove(run.WorkerHandle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.StatusRunning, fetchStatus(t, env, run.ID), "a follower must not reap")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaperRunLoopReaps(t *testing.T) {
	env := newCoordEnv(t, Config{})
	reaper := NewReaper(env.store, env.sched, env.bus, staticElector{leader: true}, 20*time.Millisecond, time.Millisecond)

	run := startRun(t, env)
	env.sched.Remove(run.WorkerHandle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reaper.Run(ctx)

	assert.Eventually(t, func() bool {
		return fetchStatus(t, env, run.ID) == types.StatusFailed
	}, 2*time.Second, 20*time.Millisecond)
}
