// Package health exposes HTTP liveness/readiness endpoints, grounded on
// the same Checker pattern used across the example pack's services.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/registry"
)

// Checker provides health check endpoints backed by a ServerRegistry.
type Checker struct {
	registry *registry.ServerRegistry
	logger   zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(reg *registry.ServerRegistry, logger zerolog.Logger) *Checker {
	return &Checker{
		registry: reg,
		logger:   logger.With().Str("component", "health_checker").Logger(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler returns the overall health status.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"sessions": "healthy",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 unconditionally: the subscription core has no
// external dependency that must be up before it can serve requests (the
// Namespace breaker degrades gracefully instead of blocking readiness).
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  c.registry.SessionCount(),
		"parked":    c.registry.ParkedCount(),
	})
}
