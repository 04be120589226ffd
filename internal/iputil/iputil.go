// Package iputil extracts the client address for rate-limiting and
// audit logging. It assumes chi's middleware.RealIP has already rewritten
// r.RemoteAddr from X-Forwarded-For/X-Real-IP (wired in internal/control,
// the same way the teacher's server.go does), so RemoteAddr itself is
// the source of truth here.
package iputil

import (
	"net"
	"net/http"
)

// ClientIP returns the bare address from r.RemoteAddr, stripping the
// port when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
