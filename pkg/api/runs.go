package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/types"
)

// createRunRequest is the body of POST /api/v1/runs. The wire field is
// runnable_type; responses carry the record's runnable_kind.
type createRunRequest struct {
	RunnableID     string         `json:"runnable_id"`
	RunnableType   string         `json:"runnable_type"`
	InputVariables map[string]any `json:"input_variables"`
}

// handleCreateRun admits a run and launches its worker. The 201 body is
// the stored record, normally in status pending or running; when the
// launch fails the record is failed and the upstream error is surfaced
// instead, with the run id in the message so the record stays fetchable.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrKindValidation, "invalid request body")
		return
	}
	if req.RunnableID == "" {
		writeError(w, http.StatusBadRequest, types.ErrKindValidation, "runnable_id is required")
		return
	}
	kind, ok := types.ParseRunnableKind(req.RunnableType)
	if !ok {
		writeError(w, http.StatusBadRequest, types.ErrKindValidation,
			fmt.Sprintf("runnable_type must be %q or %q", types.RunnableKindAgent, types.RunnableKindTeam))
		return
	}

	run, err := s.coord.Start(r.Context(), kind, req.RunnableID, req.InputVariables)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns returns runs newest first, optionally filtered by
// runnable_id and status query parameters.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := runstore.Filter{RunnableID: r.URL.Query().Get("runnable_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := types.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, types.ErrKindValidation, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}

	runs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeRunError(w, err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun requests cancellation and returns the record after the
// attempt. Cancelling a terminal run is a no-op 200.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.coord.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
