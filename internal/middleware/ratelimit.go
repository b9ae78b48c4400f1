package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// CodeRateLimitExceeded is the error code returned with 429 responses.
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	TrustProxy bool // Resolve identity from proxy headers
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimit returns a middleware that applies policy to each request.
// When the limiter is disabled requests pass through untouched. Store
// failures are already resolved inside the limiter, so this middleware only
// ever sees admit or reject.
func RateLimit(limiter *ratelimit.Limiter, policy ratelimit.Policy, cfg RateLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			identifier := Identifier(r, cfg.TrustProxy)
			result := limiter.Check(r.Context(), identifier, policy)

			ratelimit.SetHeaders(w.Header(), result)

			if !result.Success {
				WriteRateLimitExceeded(w, RetryAfterSeconds(result, limiter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Identifier resolves the rate limit identity for r. The address stored by
// ClientIP wins, since it has already checked the peer against the trusted
// proxies. Without it, forwarding headers are used when trustProxy is set and
// the peer address otherwise.
func Identifier(r *http.Request, trustProxy bool) string {
	if ip := GetClientIP(r.Context()); ip != "" {
		return ip
	}
	if trustProxy {
		return ratelimit.ClientIdentifier(r)
	}
	return peerIP(r.RemoteAddr)
}

// RetryAfterSeconds returns the whole seconds until result resets, at least 1.
func RetryAfterSeconds(result ratelimit.Result, limiter *ratelimit.Limiter) int {
	return int(math.Ceil(result.RetryAfter(limiter.Now()).Seconds()))
}

// WriteRateLimitExceeded writes the 429 response.
func WriteRateLimitExceeded(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(RateLimitResponse{
		Error:      "rate limit exceeded",
		Code:       CodeRateLimitExceeded,
		RetryAfter: retryAfter,
	})
}
