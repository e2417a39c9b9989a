// Package api exposes the HTTP interface for the audit orchestrator.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/admission"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/executor"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/resolver"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
)

// Config holds the server's request-shaping knobs.
type Config struct {
	RequestTimeout  time.Duration
	AuthEnabled     bool
	APIKey          string
	DefaultMaxPages int
	DefaultMaxLinks int
	HistoryLimit    int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 25
	}
	if c.DefaultMaxLinks <= 0 {
		c.DefaultMaxLinks = 10
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Server wires HTTP handlers to the registry, admission controller,
// executor, and resolver.
type Server struct {
	router     chi.Router
	registry   *session.Registry
	controller *admission.Controller
	executor   *executor.Executor
	resolver   *resolver.Resolver
	store      audit.Store
	catalog    tier.Catalog
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry *session.Registry,
	controller *admission.Controller,
	exec *executor.Executor,
	res *resolver.Resolver,
	store audit.Store,
	catalog tier.Catalog,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:   registry,
		controller: controller,
		executor:   exec,
		resolver:   res,
		store:      store,
		catalog:    catalog,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(identityMiddleware)
	if s.cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(s.cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The SSE stream outlives the shared timeout, so it is mounted
	// outside the timed group.
	r.Get("/audit/{session_id}/status", s.streamStatus)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(s.cfg.RequestTimeout))

		r.Post("/audit", s.submitAudit)
		r.Get("/audit/{session_id}/progress", s.getProgress)
		r.Get("/audit/progress/{session_id}", s.getProgress)
		r.Get("/audit/{session_id}/results", s.getResults)
		r.Get("/audit/simple/{audit_id}", s.getReport(audit.ReportSimple))
		r.Get("/audit/full/{audit_id}", s.getReport(audit.ReportFull))
		r.Get("/user/audits", s.listUserAudits)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// identityKey carries the authenticated user, when present.
type identityKey struct{}

// userID extracts the caller identity set by identityMiddleware. Nil means
// anonymous.
func userID(r *http.Request) *string {
	v, _ := r.Context().Value(identityKey{}).(*string)
	return v
}

// identityMiddleware maps the upstream-authenticated X-User-ID header into
// the request context. Session-cookie handling lives in the fronting proxy.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-User-ID"); id != "" {
			ctx := context.WithValue(r.Context(), identityKey{}, &id)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

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
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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
