package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/config"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/scheduler"
)

const (
	requestTimeout   = 2 * time.Minute
	readyTimeout     = 3 * time.Second
	defaultListLimit = 20
	maxListLimit     = 200
)

// Runner triggers pipeline work. *scheduler.Scheduler satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, run scheduler.Run) policy.JobResult
	RunSource(ctx context.Context, sourceID string) (scheduler.SourceRun, error)
}

// Pinger reports whether backing storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the scheduler and change store.
type Server struct {
	router  chi.Router
	runner  Runner
	changes policy.ChangeStore
	ready   Pinger
	logger  *zap.Logger

	// Batches started over HTTP outlive the request; they run on ctx.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[scheduler.Run]bool
	last    map[scheduler.Run]policy.JobResult
}

// NewServer constructs a Server with middleware and routes. ready may be nil
// when storage is in memory.
func NewServer(
	runner Runner,
	changes policy.ChangeStore,
	ready Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:  runner,
		changes: changes,
		ready:   ready,
		logger:  logger,
		running: make(map[scheduler.Run]bool),
		last:    make(map[scheduler.Run]policy.JobResult),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))

		// Alert emails link subscribers here, so change reads need no key.
		r.Route("/changes/{change_id}", func(r chi.Router) {
			r.Get("/", s.getChange)
			r.Get("/diff", s.getDiff)
		})

		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.startRun)
				r.Get("/{run}", s.getRun)
			})
			r.Post("/sources/{source_id}/check", s.checkSource)
			r.Get("/sources/{source_id}/changes", s.listChanges)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels batches started over HTTP and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Run string `json:"run"`
}

// startRun launches a batch in the background. A kind already in flight is
// rejected with 409.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if q := r.URL.Query().Get("run"); q != "" {
		req.Run = q
	}
	run, err := scheduler.ParseRun(req.Run)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	if s.running[run] {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("%s run already in progress", run))
		return
	}
	s.running[run] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.runner.RunBatch(s.ctx, run)
		s.mu.Lock()
		s.running[run] = false
		s.last[run] = res
		s.mu.Unlock()
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run": string(run), "status": "started"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := scheduler.ParseRun(chi.URLParam(r, "run"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	res, ok := s.last[run]
	running := s.running[run]
	s.mu.Unlock()
	if !ok {
		if running {
			writeJSON(w, http.StatusOK, map[string]any{"run": run, "running": true})
			return
		}
		writeError(w, http.StatusNotFound, "no completed run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "running": running, "result": res})
}

func (s *Server) checkSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	out, err := s.runner.RunSource(r.Context(), sourceID)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrNotFound):
			writeError(w, http.StatusNotFound, "source not found")
		case errors.Is(err, scheduler.ErrInactive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	status := http.StatusOK
	if !out.Pipeline.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.changes.GetBySourceID(r.Context(), chi.URLParam(r, "source_id"), limit)
	if err != nil {
		s.logger.Error("list changes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if list == nil {
		list = []policy.PolicyChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": list})
}

func (s *Server) getChange(w http.ResponseWriter, r *http.Request) {
	change, ok := s.loadChange(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) getDiff(w http.ResponseWriter, r *http.Request) {
	change, ok := s.loadChange(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(change.DiffText)); err != nil {
		s.logger.Warn("diff write failed", zap.String("change_id", change.ID), zap.Error(err))
	}
}

func (s *Server) loadChange(w http.ResponseWriter, r *http.Request) (policy.PolicyChange, bool) {
	changeID := chi.URLParam(r, "change_id")
	change, err := s.changes.GetByID(r.Context(), changeID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "change not found")
			return policy.PolicyChange{}, false
		}
		s.logger.Error("load change failed", zap.String("change_id", changeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load change")
		return policy.PolicyChange{}, false
	}
	return change, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
