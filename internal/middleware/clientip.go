package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// ClientIP returns a middleware that resolves the caller's address and stores
// it in the request context.
//
// With trustProxy off the peer address is used. With it on, the proxy headers
// (X-Real-IP, X-Forwarded-For, CF-Connecting-IP) win, but only when the peer
// falls inside trustedProxies. Entries may be addresses or CIDR prefixes;
// an empty list trusts every peer. Unparseable entries are ignored.
func ClientIP(trustProxy bool, trustedProxies []string) Middleware {
	trusted := parseProxies(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trustProxy, trusted)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func resolveClientIP(r *http.Request, trustProxy bool, trusted []netip.Prefix) string {
	peer := peerIP(r.RemoteAddr)
	if !trustProxy || !isTrusted(peer, trusted) {
		return peer
	}

	if ip := ratelimit.ClientIdentifier(r); ip != ratelimit.AnonymousIdentifier {
		return ip
	}
	return peer
}

func isTrusted(peer string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// peerIP strips the port from a RemoteAddr. Addresses without a port are
// returned unchanged.
func peerIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
