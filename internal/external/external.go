// Package external declares the narrow contracts for collaborators that
// spec.md §6 places outside the core: end-user authentication, push
// notifications, rate limiting, and the injectable clock/uuid/random
// sources used to keep the core deterministic under test.
package external

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcontrol/control-plane/internal/domain"
)

// Auth resolves an inbound HTTP request to an authenticated user. The
// concrete implementation (session cookie, OIDC, whatever the deployment
// uses) lives outside this module.
type Auth interface {
	ResolveUser(r *http.Request) (domain.UserID, error)
}

// PushPayload is the body of a fire-and-forget device notification.
type PushPayload struct {
	Title   string
	Body    string
	Channel string
	Icon    string
}

// Notify delivers push notifications to a user's registered devices.
// Best-effort: callers never block the request path on it.
type Notify interface {
	Push(ctx context.Context, user domain.UserID, payload PushPayload)
}

// NopNotify discards every push; used in tests and when no push
// transport is configured.
type NopNotify struct{}

func (NopNotify) Push(context.Context, domain.UserID, PushPayload) {}

// RateLimitDecision is the outcome of a RateLimit.Check call.
type RateLimitDecision int

const (
	Allow RateLimitDecision = iota
	Deny
)

// RateLimit checks whether a keyed operation may proceed under a named
// rule (e.g. "register.initiate", "register.complete").
type RateLimit interface {
	Check(key, rule string) RateLimitDecision
}

// Clock returns the current time. Injected so session and registration
// tests can control time deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}

// UUIDSource generates fresh UUIDs. Injected so tests can assert on
// generated identifiers.
type UUIDSource interface {
	New() uuid.UUID
}

type randomUUID struct{}

func (randomUUID) New() uuid.UUID { return uuid.New() }

// SystemUUID is the production UUIDSource backed by google/uuid.
var SystemUUID UUIDSource = randomUUID{}

// DigitSource generates n-digit numeric strings for registration codes.
type DigitSource interface {
	Digits(n int) (string, error)
}
