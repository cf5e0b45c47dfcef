// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the orchestrator: a thin translation
// layer from REST requests onto store and queue operations. No scheduling
// decisions live here.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/artifact"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/health"
	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/store"
)

// maxSubmitBodyBytes bounds submit payloads; a full parameter set is well
// under a kilobyte.
const maxSubmitBodyBytes = 64 * 1024

// submitRateLimit caps submissions per client IP per minute.
const submitRateLimit = 60

// drainTimeout bounds the graceful shutdown of in-flight requests.
const drainTimeout = 15 * time.Second

// ActiveCounter reports how many executors are running on this replica.
type ActiveCounter interface {
	Active() int
}

// Server holds the handler dependencies.
type Server struct {
	cfg       config.Config
	store     store.Store
	queue     queue.Queue
	gpus      *gpu.Registry
	artifacts *artifact.Store
	pool      ActiveCounter
	health    *health.Manager
	version   string
	started   time.Time
	logger    zerolog.Logger
}

// New wires a server from its collaborators.
func New(cfg config.Config, st store.Store, q queue.Queue, gpus *gpu.Registry,
	artifacts *artifact.Store, pool ActiveCounter, hm *health.Manager, version string) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		gpus:      gpus,
		artifacts: artifacts,
		pool:      pool,
		health:    hm,
		version:   version,
		started:   time.Now(),
		logger:    log.WithComponent("api"),
	}
}

// Routes builds the router with the full middleware stack applied.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(cors)
	r.Use(requestLogger)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.health.ServeHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(submitLimiter()).Post("/submit", s.handleSubmit)
			r.Get("/list", s.handleList)
			r.Get("/{id}/status", s.handleStatus)
			r.Get("/{id}/download", s.handleDownload)
			r.Delete("/{id}", s.handleCancel)
		})
		r.Get("/system/status", s.handleSystemStatus)
	})

	return r
}

// submitLimiter rate-limits submissions per client IP with a JSON 429.
func submitLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(
		submitRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

// handleRoot serves the service descriptor.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "vidforge",
		"version": s.version,
		"endpoints": map[string]string{
			"submit":        "POST /api/jobs/submit",
			"status":        "GET /api/jobs/{id}/status",
			"list":          "GET /api/jobs/list",
			"cancel":        "DELETE /api/jobs/{id}",
			"download":      "GET /api/jobs/{id}/download",
			"system_status": "GET /api/system/status",
			"health":        "GET /health",
			"metrics":       "GET /metrics",
		},
	})
}

// ListenAndServe runs the API server until ctx is cancelled, then drains
// in-flight requests for up to drainTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}
