// Package headerauth is a development-only external.Auth implementation.
// spec.md §6 places end-user authentication outside this module's
// Non-goals entirely (no login flow is specified); cmd/fleet-controld
// still needs something satisfying external.Auth to start, the same way
// the teacher's AuthService resolves a session cookie to a principal
// (internal/dashboard/auth.go GetSessionFromRequest). This trusts a
// single header set by whatever sits in front of the control plane
// (reverse proxy, service mesh sidecar, API gateway) and is meant to be
// replaced by a real implementation in any deployment exposed to
// untrusted clients.
package headerauth

import (
	"net/http"
	"strconv"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

// HeaderName is the trusted-proxy header carrying the caller's numeric
// UserID.
const HeaderName = "X-Fleetctl-User-Id"

// Auth implements external.Auth by trusting HeaderName verbatim. It does
// not itself authenticate the request — authentication must already have
// happened upstream.
type Auth struct{}

func New() Auth { return Auth{} }

func (Auth) ResolveUser(r *http.Request) (domain.UserID, error) {
	v := r.Header.Get(HeaderName)
	if v == "" {
		return 0, ferrors.ErrUnauthenticated
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, ferrors.ErrUnauthenticated
	}
	return domain.UserID(id), nil
}
