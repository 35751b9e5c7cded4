package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/types"
)

func TestWorkerName(t *testing.T) {
	assert.Equal(t, "mindloom-run-abc123", WorkerName("abc123"))
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	transient := Transient(base)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.ErrorIs(t, transient, base)

	permanent := Permanent(base)
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))
	assert.ErrorIs(t, permanent, base)

	wrapped := fmt.Errorf("launch failed: %w", transient)
	assert.True(t, IsTransient(wrapped))

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestBuildWorkerEnv(t *testing.T) {
	env, err := buildWorkerEnv(LaunchSpec{
		RunID:          "run-1",
		RunnableKind:   types.RunnableKindAgent,
		RunnableID:     "agent-1",
		InputVariables: map[string]any{"message": "hi"},
		Env:            map[string]string{"MINDLOOM_BUS_DRIVER": "redis"},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", env["RUN_ID"])
	assert.Equal(t, "agent-1", env["RUNNABLE_ID"])
	assert.Equal(t, "agent", env["RUNNABLE_KIND"])
	assert.JSONEq(t, `{"message":"hi"}`, env["INPUT_VARIABLES"])
	assert.Equal(t, "run_logs:run-1", env["LOG_CHANNEL"])
	assert.Equal(t, "run_results:run-1", env["RESULT_CHANNEL"])
	assert.Equal(t, "redis", env["MINDLOOM_BUS_DRIVER"])
}

func TestBuildWorkerEnvDefaultsInput(t *testing.T) {
	env, err := buildWorkerEnv(LaunchSpec{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "{}", env["INPUT_VARIABLES"])
}

func TestBuildWorkerEnvSpecOverridesContract(t *testing.T) {
	env, err := buildWorkerEnv(LaunchSpec{
		RunID: "run-1",
		Env:   map[string]string{"RESULT_CHANNEL": "custom"},
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", env["RESULT_CHANNEL"])
}

func TestFakeLaunchIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	h1, err := fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	require.NoError(t, err)
	h2, err := fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 2, fake.Launches())

	workers, err := fake.ListRunWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, PhaseActive, workers[0].Phase)
}

func TestFakeScriptedFailures(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.FailLaunches(Transient(errors.New("api busy")), 2)

	_, err := fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	assert.True(t, IsTransient(err))
	_, err = fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	assert.True(t, IsTransient(err))

	h, err := fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, WorkerName("run-1"), h)
	assert.Equal(t, 3, fake.Launches())
}

func TestFakePhases(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	h, err := fake.Launch(ctx, LaunchSpec{RunID: "run-1"})
	require.NoError(t, err)

	phase, err := fake.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)

	finished := time.Now()
	fake.MarkFinished(h, PhaseSucceeded, finished)
	phase, err = fake.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, phase)

	workers, err := fake.ListRunWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, finished, workers[0].FinishedAt)

	fake.Remove(h)
	phase, err = fake.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseUnknown, phase)
	assert.Empty(t, fake.Deleted())
}

func TestFakeDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	require.NoError(t, fake.Delete(ctx, "missing"))
	assert.Equal(t, []string{"missing"}, fake.Deleted())
}
