package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/metrics"
	"github.com/JakeFAU/storewatch/internal/verify"
)

// StoreCrawler runs a single store crawl.
type StoreCrawler interface {
	CrawlStore(ctx context.Context, storeID string) crawler.CrawlResult
}

// VerificationRunner runs batch verification and reports status counts.
type VerificationRunner interface {
	ProcessPending(ctx context.Context, opts verify.Options) (verify.BatchResult, error)
	Stats(ctx context.Context) (map[crawler.VerificationStatus]int, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Config controls server behavior.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
	Verify         verify.Options
}

// Server wires HTTP handlers to the crawl worker and verification processor.
type Server struct {
	router   chi.Router
	stores   crawler.StoreRepository
	logs     crawler.CrawlLogRepository
	crawls   StoreCrawler
	verifier VerificationRunner
	checks   map[string]ReadinessCheck
	cfg      Config
	logger   *zap.Logger

	background sync.WaitGroup
	verifying  atomic.Bool
	baseCtx    context.Context
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	stores crawler.StoreRepository,
	logs crawler.CrawlLogRepository,
	crawls StoreCrawler,
	verifier VerificationRunner,
	checks map[string]ReadinessCheck,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		stores:   stores,
		logs:     logs,
		crawls:   crawls,
		verifier: verifier,
		checks:   checks,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  context.Background(),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/stores/{store_id}", func(r chi.Router) {
			r.Get("/crawl-log", s.latestCrawlLog)
			r.Post("/crawl", s.triggerCrawl)
		})
		r.Route("/verification", func(r chi.Router) {
			r.Get("/stats", s.verificationStats)
			r.Post("/run", s.triggerVerification)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetBaseContext sets the parent context of background work started by
// handlers. Cancelling it stops that work.
func (s *Server) SetBaseContext(ctx context.Context) {
	s.baseCtx = ctx
}

// Wait blocks until background work started by handlers has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) latestCrawlLog(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	log, err := s.logs.LatestCrawlLog(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no crawl log for store")
			return
		}
		s.logger.Error("load crawl log failed", zap.String("store_id", storeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl log")
		return
	}
	writeJSON(w, http.StatusOK, crawlLogResponse{
		ID:           log.ID,
		StoreID:      log.StoreID,
		Status:       string(log.Status),
		Found:        log.Found,
		New:          log.New,
		Updated:      log.Updated,
		Sold:         log.Sold,
		StartedAt:    log.StartedAt,
		CompletedAt:  log.CompletedAt,
		ErrorMessage: log.ErrorMessage,
	})
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	if _, err := s.stores.GetStore(r.Context(), storeID); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load store")
		return
	}
	s.goBackground(func(ctx context.Context) {
		res := s.crawls.CrawlStore(ctx, storeID)
		if res.Err != nil {
			s.logger.Warn("requested crawl failed", zap.String("store_id", storeID), zap.Error(res.Err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"store_id": storeID, "status": "accepted"})
}

func (s *Server) triggerVerification(w http.ResponseWriter, _ *http.Request) {
	if !s.verifying.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "verification already running")
		return
	}
	s.goBackground(func(ctx context.Context) {
		defer s.verifying.Store(false)
		if _, err := s.verifier.ProcessPending(ctx, s.cfg.Verify); err != nil {
			s.logger.Warn("requested verification failed", zap.Error(err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) verificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.verifier.Stats(r.Context())
	if err != nil {
		s.logger.Error("verification stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	out := make(map[string]int, len(stats))
	total := 0
	for status, n := range stats {
		out[string(status)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": out, "total": total})
}

func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(s.baseCtx)
	}()
}

type crawlLogResponse struct {
	ID           string     `json:"id"`
	StoreID      string     `json:"store_id"`
	Status       string     `json:"status"`
	Found        int        `json:"items_found"`
	New          int        `json:"new_items"`
	Updated      int        `json:"updated_items"`
	Sold         int        `json:"sold_items"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
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
			if key != expected {
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
