// Package api provides the HTTP surface: webhook ingestion, administrative
// sync control, health probes and the metrics endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	webhook        http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithWebhookHandler mounts the notification ingestion endpoint
func WithWebhookHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.webhook = h
	}
}

// WithMetricsHandler mounts the Prometheus scrape endpoint
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router
func NewServer(handlers *Handlers, opts ...ServerOption) *chi.Mux {
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

	r.Get("/healthz", handlers.Healthz)
	r.Get("/readyz", handlers.Readyz)

	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}
	if cfg.webhook != nil {
		r.Method(http.MethodPost, "/webhooks/notification", cfg.webhook)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Post("/sync/{entityType}", handlers.TriggerSync)
		r.Get("/sync/{entityType}", handlers.SyncStatus)
		r.Delete("/cache/{category}", handlers.InvalidateCache)
		r.Get("/dead-letters", handlers.ListDeadLetters)
		r.Delete("/dead-letters/{id}", handlers.DeleteDeadLetter)
		r.Put("/reference/{category}/{code}", handlers.UpdateReferenceCode)
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
