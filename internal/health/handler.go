package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the health endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a handler over the registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// HealthHandler handles GET /health with full check details.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.registry.Health(r.Context()))
}

// LivenessHandler handles GET /health/live for liveness probes.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.registry.Liveness(r.Context()))
}

// ReadinessHandler handles GET /health/ready for readiness probes.
// Returns 503 while a critical dependency is down.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.registry.Readiness(r.Context()))
}

func (h *Handler) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
