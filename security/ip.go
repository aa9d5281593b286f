package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// Only enable trustProxy when behind a trusted reverse proxy; otherwise the
// forwarded headers are attacker-controlled. trustedProxyCount specifies how
// many proxies to trust from the right of the X-Forwarded-For list, which
// prevents spoofing in multi-proxy setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	// Direct connection: RemoteAddr is host:port, but some test servers and
	// unix-socket setups hand over a bare host.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// list. The header reads left to right as "client, proxy1, proxy2, ...",
// and only the rightmost trustedProxyCount entries were appended by proxies
// we control, so the client is the entry just left of those. Anything an
// upstream attacker prepended is ignored.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")
	idx := calculateClientIPIndex(len(entries), trustedProxyCount)
	return validIP(strings.TrimSpace(entries[idx]))
}

// calculateClientIPIndex returns the index of the client entry in an
// X-Forwarded-For list of numIPs entries: len - proxyCount - 1. A
// trustedProxyCount of zero is treated as one proxy, and lists shorter
// than the proxy chain clamp to the leftmost entry.
func calculateClientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	if idx := numIPs - proxyCount - 1; idx > 0 {
		return idx
	}
	return 0
}

// validIP returns s if it parses as an IP address, otherwise empty.
func validIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}
