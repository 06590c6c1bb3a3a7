package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// ForwardQueue exposes the depth of the remote forwarding queue.
type ForwardQueue interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedEvents() int64
}

// SecurityHealth reports the security posture derived from the event log.
type SecurityHealth interface {
	Health() service.SystemHealth
}

// Pinger checks that durable storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker verifies component health.
type HealthChecker struct {
	forward  ForwardQueue
	security SecurityHealth
	storage  Pinger
	version  string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(forward ForwardQueue, security SecurityHealth, storage Pinger, version string) *HealthChecker {
	return &HealthChecker{
		forward:  forward,
		security: security,
		storage:  storage,
		version:  version,
	}
}

// Check performs health checks on all components. The security status is
// reported but never makes the process unhealthy: a CRITICAL posture is a
// signal for operators, not a reason to restart.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.storage != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.storage.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["storage"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not configured"
	}

	if h.forward != nil {
		depth := h.forward.ChannelDepth()
		capacity := h.forward.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["forward"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["forward"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.forward.DroppedEvents(); drops > 0 {
			checks["forward_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["forward"] = "not configured"
	}

	if h.security != nil {
		sh := h.security.Health()
		checks["security"] = fmt.Sprintf("%s: %d threats, %d errors", sh.Status, sh.RecentThreats, sh.RecentErrors)
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
