package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	run := submitRun(t, env)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, types.RunnableKindAgent, run.RunnableKind)
	assert.Equal(t, "agent-1", run.RunnableID)
	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Equal(t, scheduler.WorkerName(run.ID), run.WorkerHandle)
	assert.NotNil(t, run.StartedAt)
	assert.Equal(t, 1, env.sched.Launches())
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing runnable_id", map[string]any{"runnable_type": "agent"}},
		{"unknown runnable_type", map[string]any{"runnable_id": "a1", "runnable_type": "swarm"}},
		{"missing runnable_type", map[string]any{"runnable_id": "a1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/v1/runs", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, types.ErrKindValidation, decodeErrorKind(t, resp))
		})
	}

	resp, err := http.Post(env.ts.URL+"/api/v1/runs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrKindValidation, decodeErrorKind(t, resp))

	// No record is created for rejected submissions.
	listResp := env.get(t, "/api/v1/runs")
	defer listResp.Body.Close()
	var runs []*types.Run
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestCreateRunLaunchFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.sched.FailLaunches(scheduler.Permanent(errors.New("image pull denied")), 1)

	resp := env.post(t, "/api/v1/runs", map[string]any{
		"runnable_id":   "agent-1",
		"runnable_type": "agent",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, types.ErrKindPermanentUpstream, decodeErrorKind(t, resp))

	// The record survives in failed so the outcome is auditable.
	listResp := env.get(t, "/api/v1/runs?status=failed")
	defer listResp.Body.Close()
	var runs []*types.Run
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].ErrorMessage, "failed to launch worker")
	assert.NotNil(t, runs[0].EndedAt)
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := submitRun(t, env)

	resp := env.get(t, "/api/v1/runs/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeRun(t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, types.StatusRunning, got.Status)

	resp = env.get(t, "/api/v1/runs/no-such-run")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.ErrKindNotFound, decodeErrorKind(t, resp))
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	first := submitRun(t, env)
	resp := env.post(t, "/api/v1/runs", map[string]any{
		"runnable_id":   "team-1",
		"runnable_type": "team",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeRun(t, resp)

	cancelResp := env.post(t, "/api/v1/runs/"+second.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	cancelResp.Body.Close()

	listRuns := func(query string) []*types.Run {
		t.Helper()
		resp := env.get(t, "/api/v1/runs"+query)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var runs []*types.Run
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		return runs
	}

	all := listRuns("")
	require.Len(t, all, 2)
	// Newest submission first.
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	byRunnable := listRuns("?runnable_id=agent-1")
	require.Len(t, byRunnable, 1)
	assert.Equal(t, first.ID, byRunnable[0].ID)

	cancelled := listRuns("?status=cancelled")
	require.Len(t, cancelled, 1)
	assert.Equal(t, second.ID, cancelled[0].ID)

	resp = env.get(t, "/api/v1/runs?status=done")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrKindValidation, decodeErrorKind(t, resp))
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := submitRun(t, env)

	resp := env.post(t, "/api/v1/runs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeRun(t, resp)
	assert.Equal(t, types.StatusCancelled, run.Status)
	assert.Equal(t, "cancelled", run.ErrorMessage)
	assert.NotNil(t, run.EndedAt)
	assert.Contains(t, env.sched.Deleted(), created.WorkerHandle)

	// Cancelling a terminal run is a no-op 200.
	resp = env.post(t, "/api/v1/runs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeRun(t, resp)
	assert.Equal(t, types.StatusCancelled, again.Status)

	resp = env.post(t, "/api/v1/runs/no-such-run/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.ErrKindNotFound, decodeErrorKind(t, resp))
}
