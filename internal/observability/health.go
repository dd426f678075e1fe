package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusUnknown   ComponentStatus = "unknown"
)

// Component names
const (
	ComponentDatabase = "database"
	ComponentFeed     = "feed"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker tracks component health. Readiness depends only on the
// components marked critical: lookups keep working from the local database
// while the feed is down.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   map[string]bool
	logger     *slog.Logger
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   make(map[string]bool),
		logger:     logger,
	}
}

// RegisterComponent registers a component for health checking. Critical
// components gate readiness.
func (h *HealthChecker) RegisterComponent(name string, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Status:    StatusUnknown,
		LastCheck: time.Now(),
	}
	h.critical[name] = critical
}

// UpdateComponentHealth updates the health status of a component
func (h *HealthChecker) UpdateComponentHealth(name string, status ComponentStatus, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// ObserveSync records the outcome of a synchronization run as the feed's health
func (h *HealthChecker) ObserveSync(err error) {
	if err != nil {
		h.UpdateComponentHealth(ComponentFeed, StatusUnhealthy, err.Error())
		return
	}
	h.UpdateComponentHealth(ComponentFeed, StatusHealthy, "")
}

// GetHealth returns the current health status
func (h *HealthChecker) GetHealth() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(h.components))
	overallHealthy := true

	for name, health := range h.components {
		components[name] = health
		if health.Status != StatusHealthy {
			overallHealthy = false
		}
	}

	status := StatusHealthy
	if !overallHealthy {
		status = StatusUnhealthy
	}

	return HealthStatus{
		Status:     status,
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Ready reports whether every critical component is healthy
func (h *HealthChecker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, critical := range h.critical {
		if critical && h.components[name].Status != StatusHealthy {
			return false
		}
	}
	return true
}

// HealthCheckFunc is a function that checks the health of a component
type HealthCheckFunc func(ctx context.Context) error

// CheckComponent runs a health check function and updates the component status
func (h *HealthChecker) CheckComponent(ctx context.Context, name string, checkFunc HealthCheckFunc) {
	err := checkFunc(ctx)
	if err != nil {
		h.UpdateComponentHealth(name, StatusUnhealthy, err.Error())
		h.logger.Warn("component health check failed",
			"component", name,
			"error", err.Error())
	} else {
		h.UpdateComponentHealth(name, StatusHealthy, "")
	}
}

// StartPeriodicChecks starts periodic health checks for registered components
func (h *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration, checks map[string]HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runChecks := func() {
		for name, checkFunc := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			h.CheckComponent(checkCtx, name, checkFunc)
			cancel()
		}
	}

	runChecks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runChecks()
		}
	}
}

// HealthHandler returns an HTTP handler for the health endpoint
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		if err := json.NewEncoder(w).Encode(health); err != nil {
			h.logger.Error("failed to encode health response",
				"error", err.Error())
		}
	}
}

// ReadyHandler returns an HTTP handler for the readiness endpoint
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.Ready() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ready"}`)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not_ready"}`)
		}
	}
}
