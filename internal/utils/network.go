package utils

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address used for rate limiting. Forwarding
// headers are honoured only when the direct peer is a private address, so a
// public client cannot spoof its bucket.
func ClientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !IsPrivateIP(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return peer
}

// IsPrivateIP checks if an IP address is loopback, link-local or in a private range.
func IsPrivateIP(ip string) bool {
	parsedIP := net.ParseIP(strings.Trim(ip, "[]"))
	if parsedIP == nil {
		return false
	}
	return parsedIP.IsLoopback() || parsedIP.IsPrivate() ||
		parsedIP.IsLinkLocalUnicast() || parsedIP.IsLinkLocalMulticast()
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
