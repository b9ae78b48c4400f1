package ratelimit

import (
	"net/http"
	"strings"

	"github.com/slotkeeper/slotkeeper/internal/security"
)

// Headers consulted, in order, to resolve the client identity.
const (
	HeaderXRealIP        = "X-Real-IP"
	HeaderXForwardedFor  = "X-Forwarded-For"
	HeaderCFConnectingIP = "CF-Connecting-IP"
	AnonymousIdentifier  = security.Anonymous
)

// ClientIdentifier derives the rate limit identifier from request headers:
// X-Real-IP, then the first X-Forwarded-For entry, then CF-Connecting-IP.
// It returns AnonymousIdentifier when none is present.
func ClientIdentifier(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); ip != "" {
		return ip
	}

	if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get(HeaderCFConnectingIP)); ip != "" {
		return ip
	}

	return AnonymousIdentifier
}
