package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientIP returns the address used to key per-client limits and logs.
//
// Priority order:
// 1. X-Real-IP when it carries a public address
// 2. the first public address in X-Forwarded-For, else its first entry
// 3. gin's ClientIP
func ClientIP(c *gin.Context) string {
	if realIP := strings.TrimSpace(c.GetHeader("X-Real-IP")); isPublicIP(realIP) {
		return realIP
	}

	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		for _, entry := range ips {
			if ip := strings.TrimSpace(entry); isPublicIP(ip) {
				return ip
			}
		}
		if first := strings.TrimSpace(ips[0]); net.ParseIP(first) != nil {
			return first
		}
	}

	return c.ClientIP()
}

func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified()
}
