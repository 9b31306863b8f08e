package middleware

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AddrUnknown marks a request whose origin could not be established.
// Rate limiting skips these rather than funneling every unattributable
// request into one shared bucket.
const AddrUnknown = "unknown"

// ResolveClientAddress picks the client address from proxy headers in
// precedence order, falling back to the socket peer. The first header
// present wins even if its value turns out to be garbage.
func ResolveClientAddress(c *fiber.Ctx) string {
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		return canonicalAddr(strings.Split(xff, ",")[0])
	}
	if xri := c.Get("X-Real-IP"); xri != "" {
		return canonicalAddr(xri)
	}
	if cf := c.Get("CF-Connecting-IP"); cf != "" {
		return canonicalAddr(cf)
	}

	remote := c.Context().RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if host == "" {
		return AddrUnknown
	}
	return canonicalAddr(host)
}

// canonicalAddr parses and normalizes one candidate. IPv4-mapped IPv6
// addresses collapse to their dotted form so the same client never
// occupies two counter buckets.
func canonicalAddr(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return AddrUnknown
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
