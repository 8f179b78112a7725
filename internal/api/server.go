// Package api exposes the HTTP interface for the stashd service.
package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/config"
	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/pipeline"
	"github.com/stashd-io/stashd/internal/registry"
)

// Server wires HTTP handlers to the capture store, queue, and registry.
type Server struct {
	router   chi.Router
	captures pipeline.CaptureStore
	queue    pipeline.WorkQueue
	registry *registry.Registry
	clock    pipeline.Clock
	emitter  events.Emitter
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	captures pipeline.CaptureStore,
	queue pipeline.WorkQueue,
	reg *registry.Registry,
	clock pipeline.Clock,
	emitter events.Emitter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		captures: captures,
		queue:    queue,
		registry: reg,
		clock:    clock,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/submit", s.submit)
		r.Get("/sources", s.listSources)
		r.Route("/captures/{capture_id}", func(r chi.Router) {
			r.Get("/status", s.captureStatus)
			r.Post("/retry", s.retryCapture)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue backend is the only hard dependency for accepting work.
	if _, err := s.queue.Status(r.Context(), "readyz-probe"); err != nil &&
		!errors.Is(err, pipeline.ErrNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	// Payload is the raw content or input. PayloadB64 takes precedence when
	// both are set, for binary submissions.
	Payload    string `json:"payload"`
	PayloadB64 string `json:"payload_b64"`
	SourceHint string `json:"source_hint"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	payload := []byte(req.Payload)
	if req.PayloadB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadB64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid base64 payload")
			return
		}
		payload = decoded
	}

	receipt := s.captures.Submit(r.Context(), payload, req.SourceHint)
	metrics.ObserveSubmission(string(receipt.Status))
	s.emitSubmission(receipt)

	if receipt.Status == pipeline.AcceptRejected {
		// The caller must know the input was NOT captured and retry.
		s.writeJSON(w, http.StatusInsufficientStorage, receipt)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) captureStatus(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	record, err := s.captures.Record(r.Context(), captureID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	item, err := s.queue.Status(r.Context(), captureID)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, "queue status failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"capture": record,
		"item":    item,
	})
}

func (s *Server) retryCapture(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	err := s.queue.Requeue(r.Context(), captureID)
	switch {
	case err == nil:
		metrics.ObserveTransition(string(pipeline.StatePending))
		s.writeJSON(w, http.StatusOK, map[string]string{
			"capture_id": captureID,
			"state":      string(pipeline.StatePending),
		})
	case errors.Is(err, pipeline.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "capture not found")
	case errors.Is(err, pipeline.ErrNotDead):
		s.writeError(w, http.StatusConflict, "item is not dead")
	default:
		s.logger.Error("requeue failed", zap.String("capture_id", captureID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "requeue failed")
	}
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sources": s.registry.Snapshot(),
	})
}

func (s *Server) emitSubmission(receipt pipeline.Receipt) {
	if s.emitter == nil {
		return
	}
	evt := events.Event{
		CaptureID: receipt.CaptureID,
		TS:        s.clock.Now(),
		Stage:     events.StageCaptureAccepted,
	}
	if receipt.Status == pipeline.AcceptRejected {
		evt.Stage = events.StageCaptureRejected
		evt.CaptureID = "unassigned"
		evt.Note = receipt.Reason
	} else if receipt.Duplicate {
		evt.Note = "duplicate"
	}
	s.emitter.Emit(evt)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
