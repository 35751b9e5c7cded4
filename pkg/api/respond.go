package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/scheduler"
	"github.com/moosh3/mindloom/pkg/types"
)

// errorBody is the error contract of the API: a stable machine-readable
// kind and a human-readable message. Internal details never leak.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// writeJSON serialises v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Debug().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes the JSON error body with the given kind
func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

// writeRunError maps domain errors onto HTTP statuses and error kinds.
// Unrecognised errors become opaque 500s.
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, types.ErrKindNotFound, "run not found")
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrInvalidTransition):
		writeError(w, http.StatusConflict, types.ErrKindConflict, err.Error())
	case scheduler.IsPermanent(err):
		writeError(w, http.StatusBadGateway, types.ErrKindPermanentUpstream, err.Error())
	case scheduler.IsTransient(err):
		writeError(w, http.StatusBadGateway, types.ErrKindTransientUpstream, err.Error())
	default:
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "internal error")
	}
}
