// Package ferrors declares the sentinel error taxonomy shared across the
// control plane (spec §7). Packages wrap these with fmt.Errorf("...: %w")
// and callers check with errors.Is.
package ferrors

import "errors"

var (
	// ErrBadInput covers malformed URLs, bad UUIDs, and schema-invalid
	// payloads. Boundary handlers map it to WS close 4001 or HTTP 400.
	ErrBadInput = errors.New("bad input")

	// ErrUnauthenticated means no session/agent credential was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized means a credential was presented but does not grant
	// access to the requested resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound covers unknown agent/service/registration lookups.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers a duplicate registration code (retried
	// internally) or an operation that violates a uniqueness invariant.
	ErrConflict = errors.New("conflict")

	// ErrTransient covers Store or Broker unavailability. Sessions log
	// and continue; HTTP handlers return 5xx.
	ErrTransient = errors.New("transient failure")

	// ErrCancelled covers transport closure and deadline exceeded. Always
	// non-fatal to the process.
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownEvent is returned when an event's discriminator does not
	// match any known type.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrInvalidEvent is returned when an event fails schema validation
	// (missing required field, enum violation).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrTooManyAttempts is returned by ClaimRegistration once a
	// registration has been exhausted by failed attempts.
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrInvalidCode is returned by ClaimRegistration on a code mismatch.
	ErrInvalidCode = errors.New("invalid or expired code")

	// ErrNotPending is returned when finalizing an agent that is not in
	// the Pending registration state.
	ErrNotPending = errors.New("agent is not pending")

	// ErrExpired is returned by registration.Service.Status for a
	// registration that existed but is past ExpiresAt (or already marked
	// Expired), distinct from ErrNotFound so callers can tell "never
	// existed" (404) from "existed, expired" (410) apart.
	ErrExpired = errors.New("registration expired")
)
