package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/NERVsystems/tracemap/pkg/version"
)

// ServiceHealth is the body of a health check response.
type ServiceHealth struct {
	Service     string                `json:"service"`
	Version     string                `json:"version"`
	Status      string                `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime      time.Duration         `json:"uptime"`
	StartTime   time.Time             `json:"start_time,omitempty"`
	Connections map[string]ConnStatus `json:"connections"`
	Metrics     map[string]any        `json:"metrics,omitempty"`
}

// ConnStatus is the last reported state of a backing resource, such as the
// journey database or the layer cache.
type ConnStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "connected", "degraded", "disconnected", "error"
	Latency int64  `json:"latency_ms,omitempty"`
	Error   string `json:"last_error,omitempty"`
}

// HealthChecker aggregates resource states into a service-level status and
// serves the health, readiness and liveness endpoints.
type HealthChecker struct {
	serviceName string
	version     string
	startTime   time.Time

	mu          sync.RWMutex
	connections map[string]*ConnStatus

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHealthChecker creates a health checker and starts periodic runtime
// metric collection.
func NewHealthChecker(serviceName, serviceVersion string) *HealthChecker {
	ctx, cancel := context.WithCancel(context.Background())
	hc := &HealthChecker{
		serviceName: serviceName,
		version:     serviceVersion,
		startTime:   time.Now(),
		connections: make(map[string]*ConnStatus),
		ctx:         ctx,
		cancel:      cancel,
	}
	go hc.collectRuntimeMetrics()
	return hc
}

// Shutdown stops background metric collection.
func (h *HealthChecker) Shutdown() {
	h.cancel()
}

// UpdateConnection records the state of a tracked resource.
func (h *HealthChecker) UpdateConnection(name, status string, latencyMs int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn := &ConnStatus{Name: name, Status: status, Latency: latencyMs}
	if err != nil {
		conn.Error = err.Error()
	}
	h.connections[name] = conn
}

// RemoveConnection stops tracking a resource.
func (h *HealthChecker) RemoveConnection(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, name)
}

// GetHealth returns a snapshot of the current service health.
func (h *HealthChecker) GetHealth() ServiceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connections := make(map[string]ConnStatus, len(h.connections))
	for name, conn := range h.connections {
		connections[name] = *conn
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ServiceHealth{
		Service:     h.serviceName,
		Version:     h.version,
		Status:      overallStatus(connections),
		Uptime:      time.Since(h.startTime),
		StartTime:   h.startTime,
		Connections: connections,
		Metrics: map[string]any{
			"goroutines":      runtime.NumGoroutine(),
			"memory_alloc_mb": m.Alloc / 1024 / 1024,
			"memory_sys_mb":   m.Sys / 1024 / 1024,
			"gc_runs":         m.NumGC,
			"cpu_count":       runtime.NumCPU(),
			"version_info":    version.Info(),
		},
	}
}

// overallStatus folds resource states into one service status: unhealthy
// when most resources are failing, degraded when any is.
func overallStatus(connections map[string]ConnStatus) string {
	failing := 0
	degraded := 0
	for _, conn := range connections {
		switch conn.Status {
		case "error", "disconnected":
			failing++
		case "degraded":
			degraded++
		}
	}
	switch {
	case failing > len(connections)/2:
		return "unhealthy"
	case failing > 0 || degraded > 0:
		return "degraded"
	default:
		return "healthy"
	}
}

// HealthHandler serves the full health report.
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, health)
	}
}

// ReadinessHandler reports whether the service should receive traffic.
func (h *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.GetHealth().Status
		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, map[string]any{
			"ready":  status != "unhealthy",
			"status": status,
		})
	}
}

// LivenessHandler reports that the process is running.
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, http.StatusOK, map[string]any{
			"alive":  true,
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// collectRuntimeMetrics refreshes the runtime gauges until Shutdown.
func (h *HealthChecker) collectRuntimeMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			GoRoutines.Set(float64(runtime.NumGoroutine()))
			MemoryUsage.Set(float64(m.Alloc))
			GCRuns.Set(float64(m.NumGC))
		}
	}
}
