package ratelimit

import (
	"net/http"
	"strconv"
)

// Response header names.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// isoMillis matches JavaScript's Date.toISOString output.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Headers returns the conventional rate limit headers for result.
func Headers(result Result) map[string]string {
	return map[string]string{
		HeaderLimit:     strconv.Itoa(result.Limit),
		HeaderRemaining: strconv.Itoa(result.Remaining),
		HeaderReset:     FormatReset(result),
	}
}

// SetHeaders writes the rate limit headers onto h.
func SetHeaders(h http.Header, result Result) {
	for k, v := range Headers(result) {
		h.Set(k, v)
	}
}

// FormatReset renders the reset time as an ISO-8601 UTC timestamp with
// millisecond precision.
func FormatReset(result Result) string {
	return result.Reset.UTC().Format(isoMillis)
}
