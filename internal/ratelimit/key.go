package ratelimit

import (
	"net/http"
	"strings"
)

// ClientKey joins key parts into a single rate limit client key.
func ClientKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// ClientIP extracts the caller address from an HTTP request, honoring
// the usual proxy headers before falling back to the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
