package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthChecker defines an interface for checking service health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	checks map[string]HealthChecker
	now    func() time.Time
}

// NewHealthHandler creates a new HealthHandler. checks may be nil; the
// Billing API has no local dependency to probe.
func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		now:    time.Now,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health reports liveness plus the result of each configured check.
// It returns 503 if any check fails.
//
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var checks map[string]string
	healthy := true
	for _, name := range names {
		if checks == nil {
			checks = make(map[string]string, len(names))
		}
		if err := h.checks[name].Ping(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:    status,
		Timestamp: h.now().UTC(),
		Checks:    checks,
	})
}
