package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/types"
)

// handleResultStream serves GET /api/v1/runs/{id}/stream: a text/event-stream
// feed of result envelopes, closed after exactly one end envelope.
//
// The subscription is taken before the status read so a worker finishing
// between the two steps cannot slip its end envelope past this connection:
// either the envelope arrives on the live subscription or the re-read
// already sees the terminal record and the tail is synthesised from it.
func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Fetch(r.Context(), id); err != nil {
		writeRunError(w, err)
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), types.ResultChannel(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "subscription failed")
		return
	}
	defer sub.Release()

	run, err := s.store.Fetch(r.Context(), id)
	if err != nil {
		writeRunError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.ResultStreamsActive.Inc()
	defer metrics.ResultStreamsActive.Dec()

	// Each write gets its own deadline; a recorder without deadline
	// support only loses the dead-client bound, not the stream.
	ctrl := http.NewResponseController(w)
	write := func(text string) error {
		if err := ctrl.SetWriteDeadline(time.Now().Add(s.stream.SendTimeout.Std())); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	sendRaw := func(data []byte) error {
		return write(fmt.Sprintf("data: %s\n\n", data))
	}
	sendEnvelope := func(env types.Envelope) error {
		data, err := types.EncodeEnvelope(env)
		if err != nil {
			return err
		}
		return sendRaw(data)
	}

	logger := s.logger.With().Str("run_id", id).Logger()

	if run.Status.IsTerminal() {
		for _, env := range syntheticTerminal(run) {
			if err := sendEnvelope(env); err != nil {
				return
			}
		}
		return
	}

	queue := make(chan []byte, s.stream.ClientSendBuffer)
	overflow := make(chan struct{})
	go pumpSubscription(sub.C(), queue, overflow)

	reportOverflow := func() {
		metrics.StreamClientOverflows.WithLabelValues("result").Inc()
		logger.Warn().Msg("Result stream client fell behind, closing")
		// Best effort; the client may already be gone.
		_ = sendEnvelope(types.EndErrorEnvelope("client overflow"))
	}

	heartbeat := time.NewTicker(s.stream.HeartbeatInterval.Std())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-overflow:
			reportOverflow()
			return
		case <-heartbeat.C:
			if err := write(": heartbeat\n\n"); err != nil {
				return
			}
		case msg, ok := <-queue:
			if !ok {
				// Pump ended: either the bus shut down or the pump
				// stopped on overflow and the signal lost the select
				// race.
				select {
				case <-overflow:
					reportOverflow()
				default:
				}
				return
			}
			env, err := types.DecodeEnvelope(msg)
			if err != nil {
				logger.Debug().Err(err).Msg("Dropping malformed result envelope")
				continue
			}
			if err := sendRaw(msg); err != nil {
				return
			}
			if env.IsEnd() {
				return
			}
		}
	}
}

// syntheticTerminal reconstructs the event tail a live subscriber would
// have seen, for clients that arrive after the run finished: the output
// as one chunk (when there is any) followed by the end envelope, or an
// end envelope carrying the error.
func syntheticTerminal(run *types.Run) []types.Envelope {
	if run.Status == types.StatusCompleted {
		envs := make([]types.Envelope, 0, 2)
		if run.OutputData != nil {
			if payload, err := json.Marshal(run.OutputData); err == nil {
				envs = append(envs, types.ChunkEnvelope(payload))
			}
		}
		return append(envs, types.EndEnvelope())
	}

	msg := run.ErrorMessage
	if msg == "" {
		msg = string(run.Status)
	}
	return []types.Envelope{types.EndErrorEnvelope(msg)}
}

// pumpSubscription moves bus messages into the bounded per-connection
// queue. On overflow it closes the overflow channel and stops: a client
// that far behind is cut off rather than fed a stream with silent holes.
// The queue is closed when the pump stops, whatever the reason.
func pumpSubscription(src <-chan []byte, queue chan<- []byte, overflow chan<- struct{}) {
	defer close(queue)
	for msg := range src {
		select {
		case queue <- msg:
		default:
			close(overflow)
			return
		}
	}
}
