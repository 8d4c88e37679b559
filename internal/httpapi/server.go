// Package httpapi serves the read-only dashboard and sync status over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/scheduler"
	"github.com/livinlefevreloca/vitalsync/internal/snapshot"
)

// SnapshotReader exposes the dashboard store
type SnapshotReader interface {
	Snapshot() snapshot.Snapshot
	Metric(metricID string) (snapshot.MetricView, bool)
}

// StatusReader exposes the scheduler state
type StatusReader interface {
	Status() scheduler.Status
}

// RunStore exposes archived runs and the outbox
type RunStore interface {
	ListSyncRuns(limit int) ([]db.SyncRun, error)
	CountOutbox(status string) (int, error)
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates the API router
func NewServer(snap SnapshotReader, status StatusReader, runs RunStore, logger *slog.Logger, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler)
	r.Mount("/api/v1", Router(snap, status, runs, logger))

	return r
}

// LoggingMiddleware logs every request at debug level
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}
