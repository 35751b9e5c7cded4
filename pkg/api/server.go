package api

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/auth"
	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/config"
	"github.com/moosh3/mindloom/pkg/coordinator"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/types"
)

// Server is the HTTP control-plane surface: run submission, inspection and
// cancellation plus the SSE result stream and the WebSocket log stream.
type Server struct {
	coord    *coordinator.Coordinator
	store    runstore.Store
	bus      bus.Bus
	verifier auth.Verifier
	stream   config.StreamConfig
	logger   zerolog.Logger

	http            *http.Server
	shutdownTimeout time.Duration

	// done is closed when shutdown begins so long-lived streams step
	// aside instead of holding the drain open until their run ends.
	done     chan struct{}
	doneOnce sync.Once
}

// New wires the HTTP server. Serve it with Run.
func New(coord *coordinator.Coordinator, store runstore.Store, b bus.Bus, verifier auth.Verifier, cfg *config.Config) *Server {
	s := &Server{
		coord:           coord,
		store:           store,
		bus:             b,
		verifier:        verifier,
		stream:          cfg.Stream,
		logger:          log.WithComponent("api"),
		shutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		done:            make(chan struct{}),
	}
	// No WriteTimeout: the stream endpoints hold their response open for
	// the life of a run. Per-send deadlines bound individual writes.
	s.http = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi handler tree. Exposed so tests can serve it
// directly without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverer)

	r.Get("/healthz", metrics.LivenessHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/runs/{id}/stream", s.handleResultStream)
		r.Get("/ws/runs/{id}/logs", s.handleLogStream)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout. Streaming connections are released
// first via the done channel; WebSocket connections are hijacked and would
// otherwise outlive the drain.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.http.Addr).Msg("API server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.doneOnce.Do(func() { close(s.done) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Drain timed out, closing API server")
		return s.http.Close()
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

// probePath reports whether the path belongs to the unauthenticated
// operational surface, which is kept out of request logs and API metrics.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// instrument records request metrics and one access log line per request.
// A single wrapper keeps the stream handlers behind one writer layer so
// Flush and Hijack still reach the real connection.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// recoverer converts handler panics into structured 500s. A stream handler
// that already wrote its header just loses the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces the bearer token on /api/v1. Browser WebSocket
// clients cannot set headers, so the token is also accepted as an
// access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if err := s.verifier.Verify(r.Context(), token); err != nil {
			writeError(w, http.StatusUnauthorized, types.ErrKindValidation, "missing or invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
