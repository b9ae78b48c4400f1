package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/slotkeeper/slotkeeper/internal/middleware"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// CheckResponse is the body returned by the check endpoint.
type CheckResponse struct {
	Success   bool   `json:"success"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`    // Unix milliseconds
	ResetAt   string `json:"reset_at"` // ISO-8601 UTC
}

// RateLimitHandler lets frontends ask whether a caller may proceed.
type RateLimitHandler struct {
	limiter    *ratelimit.Limiter
	trustProxy bool
}

// NewRateLimitHandler creates a new RateLimitHandler.
func NewRateLimitHandler(limiter *ratelimit.Limiter, trustProxy bool) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, trustProxy: trustProxy}
}

// Check handles POST /api/v1/ratelimit/{policy}/check. Each call counts
// against the caller's budget. Headers are set on every response.
func (h *RateLimitHandler) Check(w http.ResponseWriter, r *http.Request) {
	policy, err := h.limiter.Policy(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}

	var result ratelimit.Result
	if h.limiter.Enabled() {
		result = h.limiter.Check(r.Context(), middleware.Identifier(r, h.trustProxy), policy)
	} else {
		result = h.limiter.Unenforced(policy)
	}

	ratelimit.SetHeaders(w.Header(), result)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(middleware.RetryAfterSeconds(result, h.limiter)))
	}

	writeJSON(w, status, CheckResponse{
		Success:   result.Success,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		Reset:     result.ResetMillis(),
		ResetAt:   ratelimit.FormatReset(result),
	})
}

// PolicyResponse describes one configured policy.
type PolicyResponse struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

// Policies handles GET /api/v1/ratelimit/policies.
func (h *RateLimitHandler) Policies(w http.ResponseWriter, r *http.Request) {
	policies := h.limiter.Policies()
	resp := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		resp = append(resp, PolicyResponse{
			Name:          p.Name,
			Limit:         p.Limit,
			WindowSeconds: int64(p.Window.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
