// Package api exposes the session engine over HTTP.
//
// Participants are authenticated upstream; the gateway forwards the verified
// participant id in the X-Participant-ID header. Every route delegates to
// flow.SessionManager, and engine error kinds map onto status codes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/flow"
	"github.com/BTreeMap/StudyPipe/internal/observability"
)

// ParticipantHeader carries the authenticated participant id.
const ParticipantHeader = "X-Participant-ID"

// AdminTokenHeader carries the operator token for /admin routes.
const AdminTokenHeader = "X-Admin-Token"

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// maxBodyBytes bounds request bodies; response payloads are small JSON documents.
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server routes HTTP requests to the session manager.
type Server struct {
	manager    *flow.SessionManager
	metrics    *observability.Metrics
	addr       string
	adminToken string
	mux        *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminToken mounts the /admin routes, guarded by token. Without it the
// admin routes do not exist.
func WithAdminToken(token string) ServerOption {
	return func(s *Server) { s.adminToken = token }
}

// NewServer creates a Server. metrics may be nil, in which case /metrics is
// not mounted.
func NewServer(addr string, manager *flow.SessionManager, metrics *observability.Metrics, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{manager: manager, metrics: metrics, addr: addr, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /studies/{studyID}/sessions", s.startSessionHandler)
	s.handle("GET /sessions/{sessionID}", s.getSessionHandler)
	s.handle("POST /sessions/{sessionID}/responses", s.submitResponseHandler)
	s.handle("POST /sessions/{sessionID}/pause", s.pauseSessionHandler)
	s.handle("POST /sessions/{sessionID}/resume", s.resumeSessionHandler)
	s.handle("GET /healthz", s.healthHandler)
	if s.adminToken != "" {
		s.handle("POST /admin/sessions/{sessionID}/abandon", s.requireAdmin(s.abandonSessionHandler))
	} else {
		slog.Info("Server.routes: no admin token configured, admin routes disabled")
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// handle mounts h under pattern and records the request count and latency
// labelled with the pattern.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.ObserveHTTP(pattern, rec.status, time.Since(start))
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
