package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkguard/internal/cache"
	"github.com/JakeFAU/linkguard/internal/config"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	"github.com/JakeFAU/linkguard/internal/metrics"
	"github.com/JakeFAU/linkguard/internal/reporter"
	"github.com/JakeFAU/linkguard/internal/storage/memory"
)

const maxBodyBytes = 1 << 20

// Checker classifies links on demand.
type Checker interface {
	ClassifyAll(ctx context.Context, urls []string, limit int) []linkcheck.Classification
}

// Cycler runs report cycles.
type Cycler interface {
	RunCycle(ctx context.Context) (reporter.CycleReport, error)
	LastReport() (reporter.CycleReport, bool)
}

// Subscriptions manages destinations and the links they watch.
type Subscriptions interface {
	Subscribe(destination string) (bool, error)
	Unsubscribe(destination string) bool
	Watch(destination string, links ...string) (int, error)
	Unwatch(destination string, links ...string) (int, error)
	Links(destination string) ([]string, error)
}

// CacheStatser reports result cache counters.
type CacheStatser interface {
	Stats() cache.Stats
}

// Deps bundles the collaborators behind the routes.
type Deps struct {
	Checker       Checker
	Cycler        Cycler
	Subscriptions Subscriptions
	Cache         CacheStatser
}

// Server wires HTTP handlers to the engine and subscription store.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(s.recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", s.check)
		r.Route("/subscriptions/{destination}", func(r chi.Router) {
			r.Put("/", s.subscribe)
			r.Delete("/", s.unsubscribe)
			r.Get("/links", s.listLinks)
			r.Post("/links", s.addLinks)
			r.Delete("/links", s.removeLinks)
		})
		r.Post("/cycles", s.runCycle)
		r.Get("/cycles/last", s.lastCycle)
		r.Get("/cache/stats", s.cacheStats)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Checker == nil || s.deps.Subscriptions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine not wired")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type linksRequest struct {
	URLs        []string `json:"urls"`
	Concurrency int      `json:"concurrency"`
}

// CheckSummary counts outcomes of an on-demand check.
type CheckSummary struct {
	Checked int                       `json:"checked"`
	Flagged int                       `json:"flagged"`
	Counts  map[linkcheck.Outcome]int `json:"counts"`
}

// CheckResponse is returned by POST /v1/check.
type CheckResponse struct {
	Results []linkcheck.Classification `json:"results"`
	Summary CheckSummary               `json:"summary"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLinks(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	urls := linkcheck.Dedupe(req.URLs)
	if len(urls) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}

	results := s.deps.Checker.ClassifyAll(r.Context(), urls, req.Concurrency)
	resp := CheckResponse{
		Results: results,
		Summary: CheckSummary{Checked: len(results), Counts: make(map[linkcheck.Outcome]int)},
	}
	for _, res := range results {
		resp.Summary.Counts[res.Outcome]++
		if res.Outcome.Flagged() {
			resp.Summary.Flagged++
		}
	}
	s.logger.Info("check completed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Int("checked", resp.Summary.Checked),
		zap.Int("flagged", resp.Summary.Flagged),
	)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "destination")
	created, err := s.deps.Subscriptions.Subscribe(dest)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"destination": dest, "subscribed": true})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "destination")
	if !s.deps.Subscriptions.Unsubscribe(dest) {
		s.writeError(w, http.StatusNotFound, "destination not subscribed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "destination")
	links, err := s.deps.Subscriptions.Links(dest)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"destination": dest, "links": links})
}

func (s *Server) addLinks(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "destination")
	req, err := decodeLinks(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.deps.Subscriptions.Watch(dest, req.URLs...)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"destination": dest, "added": added})
}

func (s *Server) removeLinks(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "destination")
	req, err := decodeLinks(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.deps.Subscriptions.Unwatch(dest, req.URLs...)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"destination": dest, "removed": removed})
}

// runCycle handles POST /v1/cycles. The cycle outlives the request: a client
// that disconnects or a request timeout must not cut delivery short.
func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Cycler.RunCycle(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, reporter.ErrCycleInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Warn("manual cycle failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrNotSubscribed) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

// decodeLinks accepts a JSON body {"urls": [...]} or plain text with one link
// per line.
func decodeLinks(r *http.Request) (linksRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return linksRequest{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return linksRequest{}, errors.New("body too large")
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		return linksRequest{URLs: linkcheck.ParseLinks(string(body))}, nil
	}
	var req linksRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return linksRequest{}, errors.New("invalid JSON")
	}
	return req, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
