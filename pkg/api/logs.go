package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/types"
)

const (
	wsWriteWait    = 30 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 512
)

// upgrader accepts any origin: the endpoint is gated by token auth and the
// stream carries nothing the client can act on server-side.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLogStream serves GET /api/v1/ws/runs/{id}/logs: every log line
// published by the worker becomes one text frame, server to client only.
// The log channel has no end sentinel, so termination is observed by
// polling the run record; the connection then closes with a normal
// closure code.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Fetch(r.Context(), id); err != nil {
		writeRunError(w, err)
		return
	}

	// Subscribe before the status read, same race rule as the result
	// stream: lines published while we look at the record are not lost.
	sub, err := s.bus.Subscribe(r.Context(), types.LogChannel(id))
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()

	metrics.LogStreamsActive.Inc()
	defer metrics.LogStreamsActive.Dec()

	logger := s.logger.With().Str("run_id", id).Logger()

	// Client frames are never acted on, but reading is what surfaces
	// close frames, pong responses and disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	closeWith := func(code int, reason string) {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	// Logs are ephemeral: a run that already ended has nothing to say.
	if run.Status.IsTerminal() {
		closeWith(websocket.CloseNormalClosure, "run "+string(run.Status))
		return
	}

	writeLine := func(line []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, line)
	}

	queue := make(chan []byte, s.stream.ClientSendBuffer)
	overflow := make(chan struct{})
	go pumpSubscription(sub.C(), queue, overflow)

	reportOverflow := func() {
		metrics.StreamClientOverflows.WithLabelValues("log").Inc()
		logger.Warn().Msg("Log stream client fell behind, closing")
		closeWith(websocket.ClosePolicyViolation, "client overflow")
	}

	statusPoll := time.NewTicker(s.stream.LogStatusPoll.Std())
	defer statusPoll.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-s.done:
			closeWith(websocket.CloseNormalClosure, "server shutting down")
			return
		case <-overflow:
			reportOverflow()
			return
		case line, ok := <-queue:
			if !ok {
				select {
				case <-overflow:
					reportOverflow()
				default:
					closeWith(websocket.CloseNormalClosure, "")
				}
				return
			}
			if err := writeLine(line); err != nil {
				return
			}
		case <-statusPoll.C:
			current, err := s.store.Fetch(r.Context(), id)
			if err != nil || !current.Status.IsTerminal() {
				continue
			}
			// Flush lines the worker published on its way out, then
			// say goodbye.
			drainLines(queue, writeLine)
			closeWith(websocket.CloseNormalClosure, "run "+string(current.Status))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// drainLines forwards already-buffered lines without waiting for more
func drainLines(queue <-chan []byte, write func([]byte) error) {
	for {
		select {
		case line, ok := <-queue:
			if !ok {
				return
			}
			if write(line) != nil {
				return
			}
		default:
			return
		}
	}
}
