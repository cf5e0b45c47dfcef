// SPDX-License-Identifier: MIT

// Package health implements the liveness endpoint. Unlike a bare process
// probe, the orchestrator's health is tied to the shared store: a replica
// that cannot reach Redis can neither accept nor make progress on jobs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/store"
)

// Status is the overall or per-component health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the full health endpoint body.
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one named component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checks into a single health verdict.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates an empty manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health runs every registered check. Any unhealthy component makes the
// whole replica unhealthy.
func (m *Manager) Health(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHealth handles the health endpoint; unhealthy replicas answer 503 so
// load balancers stop routing submissions to them.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := m.Health(ctx)

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		logger := log.WithComponentFromContext(r.Context(), "health")
		logger.Warn().Interface("checks", resp.Checks).Msg("health check failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// StoreChecker probes the job store connection.
type StoreChecker struct {
	Store store.Store
}

// Name implements Checker.
func (c StoreChecker) Name() string { return "store" }

// Check pings the store.
func (c StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.Store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "store reachable"}
}
