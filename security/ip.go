package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from the request.
//
// Forwarding headers are only consulted when trustProxy is set. In an
// X-Forwarded-For chain the rightmost trustedProxyCount entries belong to our
// own proxies; the entry just before them is the client.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

// IsSecureRequest reports whether the request reached us over TLS. Behind a
// trusted proxy the X-Forwarded-Proto header decides.
func IsSecureRequest(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if !trustProxy {
		return false
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}
