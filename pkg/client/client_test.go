package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/api"
	"github.com/moosh3/mindloom/pkg/auth"
	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/config"
	"github.com/moosh3/mindloom/pkg/coordinator"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

type clientEnv struct {
	ts    *httptest.Server
	store runstore.Store
	bus   *bus.MemoryBus
}

func newClientEnv(t *testing.T, verifier auth.Verifier) *clientEnv {
	t.Helper()

	store, err := runstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	coord := coordinator.New(store, scheduler.NewFake(), b, coordinator.Config{
		WorkerImage:       "test-image",
		LaunchRetryBudget: 500 * time.Millisecond,
	})

	cfg := config.Default()
	cfg.Bus.Driver = "memory"
	cfg.Stream.HeartbeatInterval = config.Duration(time.Second)
	cfg.Stream.LogStatusPoll = config.Duration(50 * time.Millisecond)
	if verifier == nil {
		verifier = auth.AllowAll{}
	}

	srv := api.New(coord, store, b, verifier, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &clientEnv{ts: ts, store: store, bus: b}
}

func TestClientRunLifecycle(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")
	ctx := context.Background()

	run, err := c.SubmitRun(ctx, types.RunnableKindAgent, "agent-1", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Equal(t, "agent-1", run.RunnableID)

	got, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	runs, err := c.ListRuns(ctx, ListFilter{RunnableID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	cancelled, err := c.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	none, err := c.ListRuns(ctx, ListFilter{Status: types.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClientNotFound(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")

	_, err := c.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestClientAuth(t *testing.T) {
	env := newClientEnv(t, auth.NewStaticVerifier([]string{"sesame"}))

	_, err := New(env.ts.URL, "wrong").ListRuns(context.Background(), ListFilter{})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)

	_, err = New(env.ts.URL, "sesame").ListRuns(context.Background(), ListFilter{})
	assert.NoError(t, err)
}

func TestClientStreamResults(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")
	ctx := context.Background()

	run, err := c.SubmitRun(ctx, types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)

	stream, err := c.StreamResults(ctx, run.ID)
	require.NoError(t, err)
	defer stream.Close()

	for _, e := range []types.Envelope{
		types.ChunkEnvelope([]byte(`"he"`)),
		types.ChunkEnvelope([]byte(`"llo"`)),
		types.EndEnvelope(),
	} {
		data, merr := types.EncodeEnvelope(e)
		require.NoError(t, merr)
		require.NoError(t, env.bus.Publish(ctx, types.ResultChannel(run.ID), data))
	}

	var got []types.Envelope
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case e, ok := <-stream.C():
			if !ok {
				break loop
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("stream stalled after %d envelopes", len(got))
		}
	}

	require.Len(t, got, 3)
	assert.JSONEq(t, `"he"`, string(got[0].Payload))
	assert.JSONEq(t, `"llo"`, string(got[1].Payload))
	assert.True(t, got[2].IsEnd())
	assert.NoError(t, stream.Err())
}

func TestClientStreamResultsTerminalRun(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")
	ctx := context.Background()

	run, err := c.SubmitRun(ctx, types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err := env.store.Transition(ctx, run.ID, types.StatusRunning, types.StatusCompleted,
		runstore.Patch{OutputData: "hello", EndedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	stream, err := c.StreamResults(ctx, run.ID)
	require.NoError(t, err)
	defer stream.Close()

	first := <-stream.C()
	assert.Equal(t, types.KindChunk, first.Kind)
	assert.JSONEq(t, `"hello"`, string(first.Payload))

	second := <-stream.C()
	assert.True(t, second.IsEnd())

	_, open := <-stream.C()
	assert.False(t, open)
	assert.NoError(t, stream.Err())
}

func TestClientStreamResultsNotFound(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")

	_, err := c.StreamResults(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClientStreamLogs(t *testing.T) {
	env := newClientEnv(t, nil)
	c := New(env.ts.URL, "")
	ctx := context.Background()

	run, err := c.SubmitRun(ctx, types.RunnableKindAgent, "agent-1", nil)
	require.NoError(t, err)

	stream, err := c.StreamLogs(ctx, run.ID)
	require.NoError(t, err)
	defer stream.Close()

	line := []byte(`{"level":"info","message":"step one"}`)
	require.NoError(t, env.bus.Publish(ctx, types.LogChannel(run.ID), line))

	select {
	case msg := <-stream.C():
		assert.Equal(t, line, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no log record arrived")
	}

	// The run finishing closes the stream through the status poll.
	now := time.Now().UTC()
	ok, err := env.store.Transition(ctx, run.ID, types.StatusRunning, types.StatusCompleted,
		runstore.Patch{EndedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case _, open := <-stream.C():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("log stream did not close after the run finished")
	}
	assert.NoError(t, stream.Err())
}
