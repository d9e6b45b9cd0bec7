// Package api exposes the local control interface for the sync engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
	"github.com/tududes/websophon/internal/syncer"
	"github.com/tududes/websophon/internal/token"
)

// Server wires HTTP handlers to the engine and stores.
type Server struct {
	router   chi.Router
	engine   *syncer.Engine
	tokens   *token.Manager
	events   sophon.EventLog
	registry sophon.JobRegistry
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer
// backs the /metrics endpoint; nil falls back to the default registry.
func NewServer(
	engine *syncer.Engine,
	tokens *token.Manager,
	events sophon.EventLog,
	registry sophon.JobRegistry,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:   engine,
		tokens:   tokens,
		events:   events,
		registry: registry,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.submitJob)
			r.Post("/{domain}/stop", s.stopJob)
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.listEvents)
			r.Get("/{event_id}", s.getEvent)
			r.Post("/{event_id}/read", s.markEventRead)
		})
		r.Route("/token", func(r chi.Router) {
			r.Get("/", s.tokenStatus)
			r.Post("/challenge", s.requestChallenge)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The registry read doubles as a storage liveness probe.
	if _, err := s.registry.List(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	URL             string             `json:"url"`
	Domain          string             `json:"domain"`
	Fields          []sophon.FieldSpec `json:"fields"`
	Recurring       bool               `json:"recurring"`
	IntervalSeconds int                `json:"interval_seconds"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.engine.Submit(r.Context(), syncer.SubmitRequest{
		URL:             req.URL,
		Domain:          req.Domain,
		Fields:          req.Fields,
		Recurring:       req.Recurring,
		IntervalSeconds: req.IntervalSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, sophon.ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		case sophon.IsAuthError(err):
			writeError(w, http.StatusUnauthorized, "no valid credential; request a challenge first")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   res.JobID,
		"event_id": res.EventID,
	})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := s.engine.Stop(r.Context(), domain); err != nil {
		if sophon.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no active job for %s", domain))
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "status": "stopped"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	events, err := s.events.List(r.Context(), domain, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "event_id")
	evt, err := s.events.Get(r.Context(), id)
	if err != nil {
		if sophon.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": evt})
}

func (s *Server) markEventRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "event_id")
	if err := s.events.MarkRead(r.Context(), id); err != nil {
		if sophon.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark event read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": id, "read": "true"})
}

func (s *Server) tokenStatus(w http.ResponseWriter, r *http.Request) {
	valid, expiresAt, err := s.tokens.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load credential")
		return
	}
	payload := map[string]any{"valid": valid}
	if !expiresAt.IsZero() {
		payload["expires_at"] = expiresAt
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) requestChallenge(w http.ResponseWriter, r *http.Request) {
	info, err := s.tokens.RequestChallenge(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"challenge_id":     info.ChallengeID,
		"verification_url": info.VerificationURL,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
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
					logger.Error("panic recovered", zap.Any("error", rec))
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

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
