// Package httpapi exposes grading sessions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/p-n-ai/pai-grader/internal/archive"
	"github.com/p-n-ai/pai-grader/internal/grading"
	"github.com/p-n-ai/pai-grader/internal/region"
	"github.com/p-n-ai/pai-grader/internal/resilient"
)

const (
	maxUploadBytes = 32 << 20
	maxJSONBytes   = 4 << 20
	checkTimeout   = 3 * time.Second
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps are the components the API drives.
type Deps struct {
	Parser    grading.Parser
	Scheduler *grading.Scheduler
	Archive   *archive.Deduplicator
	Mapper    *region.Mapper
	// Concurrency is the grading pool size; <= 0 uses the scheduler default.
	Concurrency int
	// Checks run on /readyz, keyed by dependency name.
	Checks  map[string]Check
	Metrics http.Handler
}

// Server handles the grading API. Grading runs started by a request outlive
// it; they are bound to the context passed to New.
type Server struct {
	deps     Deps
	registry *Registry
	parse    *grading.ParseStage

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a Server. Background grading runs stop when ctx is done.
func New(ctx context.Context, deps Deps, registry *Registry) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	if deps.Mapper == nil {
		deps.Mapper = region.NewMapper(region.Options{})
	}
	return &Server{
		deps:     deps,
		registry: registry,
		parse:    grading.NewParseStage(deps.Parser),
		ctx:      ctx,
	}
}

// Wait blocks until background grading runs have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.withSession(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/images/{key...}", s.withSession(s.handleGetImage))
	mux.HandleFunc("GET /sessions/{id}/events", s.withSession(s.handleEvents))
	mux.HandleFunc("GET /sessions/{id}/report.xlsx", s.withSession(s.handleReport))

	mux.HandleFunc("PUT /sessions/{id}/annotations", s.withSession(s.handleSetAnnotations))
	mux.HandleFunc("POST /sessions/{id}/annotations", s.withSession(s.handleAddAnnotation))
	mux.HandleFunc("PATCH /sessions/{id}/annotations/{aid}", s.withSession(s.handleRetargetAnnotation))
	mux.HandleFunc("DELETE /sessions/{id}/annotations/{aid}", s.withSession(s.handleDeleteAnnotation))
	mux.HandleFunc("POST /sessions/{id}/annotations/undo", s.withSession(s.handleUndoAnnotation))
	mux.HandleFunc("POST /sessions/{id}/annotations/reset", s.withSession(s.handleResetAnnotations))

	mux.HandleFunc("POST /sessions/{id}/grade", s.withSession(s.handleGrade))
	mux.HandleFunc("POST /sessions/{id}/retry", s.withSession(s.handleRetry))
	mux.HandleFunc("POST /sessions/{id}/regrade", s.withSession(s.handleRegrade))
	mux.HandleFunc("POST /sessions/{id}/revert", s.withSession(s.handleRevert))
	mux.HandleFunc("POST /sessions/{id}/progress", s.withSession(s.handleProgress))
	mux.HandleFunc("POST /sessions/{id}/archive", s.withSession(s.handleArchive))
	return mux
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *grading.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.registry.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h(w, r, sess)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain and remote-call errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var exhausted *resilient.ExhaustedError
	switch {
	case errors.Is(err, grading.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, grading.ErrUnknownUnit), errors.Is(err, grading.ErrUnknownAnnotation):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.As(err, &exhausted):
		return http.StatusBadGateway
	}

	var re *resilient.Error
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch re.Kind {
	case resilient.KindParseFailed, resilient.KindGradeFailed:
		return http.StatusUnprocessableEntity
	case resilient.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case resilient.KindRateLimit:
		return http.StatusTooManyRequests
	case resilient.KindTimeout:
		return http.StatusGatewayTimeout
	case resilient.KindAuthentication, resilient.KindSessionExpired, resilient.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
