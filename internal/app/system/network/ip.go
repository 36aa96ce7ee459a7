// Package network holds request-level helpers for client addressing and
// device identification.
package network

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's IP. The first X-Forwarded-For hop is
// preferred, then X-Real-IP, then RemoteAddr without its port. Header
// values that are not IP addresses are skipped.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
