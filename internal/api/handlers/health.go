package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/epis/medadmin/pkg/circuitbreaker"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	service  string
	ready    func(ctx context.Context) error
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a new handler. ready and breakers may be nil.
func NewHealthHandler(service string, ready func(ctx context.Context) error, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{service: service, ready: ready, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": Version,
	})
}

// Ready handles GET /ready. It fails while the store is unreachable or a
// circuit breaker is open.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ready"}
	code := http.StatusOK

	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			code = http.StatusServiceUnavailable
			resp["status"] = "not ready"
			resp["error"] = err.Error()
		}
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.GetHealthStatus()
		if !h.breakers.Healthy() {
			code = http.StatusServiceUnavailable
			resp["status"] = "not ready"
		}
	}
	writeJSON(w, code, resp)
}
