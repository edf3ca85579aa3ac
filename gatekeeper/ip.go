package gatekeeper

import (
	"net"
	"net/http"
	"strings"
)

// clientIP extracts the client address used as the rate limit key.
// Proxy headers are consulted first since the gateway normally sits
// behind one; values that do not parse as IPs are ignored so a spoofed
// header cannot smuggle an arbitrary key.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For can contain multiple IPs, the first one is the client.
		ip := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		if net.ParseIP(realIP) != nil {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
