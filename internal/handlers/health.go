package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// CheckStatus reports one readiness check.
type CheckStatus struct {
	Status    string `json:"status"` // "ok" or "fail"
	LatencyMS int64  `json:"latency_ms"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

// CheckFunc checks if a dependency is ready. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// checkTimeout bounds each readiness probe.
const checkTimeout = 2 * time.Second

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	started time.Time
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthHandler creates a HealthHandler that starts out ready.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
	h.ready.Store(true)
	return h
}

// Health handles GET /health. It reports only that the process is serving.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready handles GET /ready. Registered checks run concurrently; any failure,
// or SetReady(false), yields 503.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := h.runChecks(ctx)

	ready := h.ready.Load()
	for _, res := range results {
		if res.Status != "ok" {
			ready = false
		}
	}

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(results) > 0 {
		resp.Checks = results
	}

	status := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]CheckStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckStatus, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			res := CheckStatus{Status: "ok"}
			if err := fn(ctx); err != nil {
				res.Status = "fail"
			}
			res.LatencyMS = time.Since(start).Milliseconds()

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// SetReady sets the ready state.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the current ready state.
func (h *HealthHandler) IsReady() bool {
	return h.ready.Load()
}

// AddCheck registers a dependency check under name, replacing any previous one.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
