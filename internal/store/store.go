// Package store declares the narrow persistence contract of spec.md
// §4.2: transactional mutation/query operations over Agents, Services,
// and Registrations. Every mutation commits its transaction first and
// notifies the Change Notifier only after that commit succeeds — writes
// that fail are never notified.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
)

// Store is the persistence interface consumed by the Agent Session,
// Event Dispatcher, Client Stream, and Registration Flow components.
type Store interface {
	// GetAgentByKey returns the agent for key whatever its
	// RegistrationStatus; ferrors.ErrNotFound if no agent has that key.
	// Callers check the status themselves.
	GetAgentByKey(ctx context.Context, key uuid.UUID) (domain.Agent, error)

	// GetAgentByID returns the agent by internal id.
	GetAgentByID(ctx context.Context, id domain.AgentID) (domain.Agent, error)

	// CreateRegistration allocates a fresh Pending registration with a
	// unique 6-digit code, retrying internally on collision.
	CreateRegistration(ctx context.Context) (domain.Registration, error)

	// GetRegistration looks up a registration by id for the polling
	// endpoint. ferrors.ErrNotFound if unknown.
	GetRegistration(ctx context.Context, regID uuid.UUID) (domain.Registration, error)

	// DeleteRegistration removes a registration row (used once its
	// credentials have been read, or once it has expired).
	DeleteRegistration(ctx context.Context, regID uuid.UUID) error

	// ClaimRegistration atomically validates code against regID's
	// registration: on mismatch, increments FailedAttempts (escalating to
	// Expired at domain.MaxFailedAttempts) and returns
	// ferrors.ErrInvalidCode or ferrors.ErrTooManyAttempts; on success,
	// creates a Pending Agent owned by user, stores its key in the
	// registration's credentials, marks it Completed, and returns the new
	// agent.
	ClaimRegistration(ctx context.Context, regID uuid.UUID, code string, user domain.UserID) (domain.Agent, error)

	// FinalizeRegistration transitions a Pending agent to Registered.
	// ferrors.ErrNotPending if the agent is not Pending.
	FinalizeRegistration(ctx context.Context, agentID domain.AgentID) error

	// Unregister deletes all of the agent's services and sets
	// RegistrationStatus to Unregistered, atomically. Idempotent.
	Unregister(ctx context.Context, agentID domain.AgentID) error

	// UpdateAgentIP is a no-op if ip equals the agent's current
	// IPAddress; otherwise a single-field write.
	UpdateAgentIP(ctx context.Context, agentID domain.AgentID, ip string) error

	// MarkConnected sets LastSeen to nil and IsOnline to true.
	MarkConnected(ctx context.Context, agentID domain.AgentID) error

	// MarkDisconnected sets LastSeen to now and IsOnline to false, and
	// broadcasts the status change (the agent is now authoritatively
	// offline).
	MarkDisconnected(ctx context.Context, agentID domain.AgentID) error

	// TouchLastSeen sets LastSeen to now, only if it is currently nil,
	// without touching IsOnline or notifying; used at session-drain entry
	// to record the instant a session stopped being live while a grace
	// period runs. Reports whether LastSeen was nil immediately before
	// the call, so the caller can tell whether it made the write itself
	// (true) or a write had already happened (false, meaning another
	// session is the authoritative one).
	TouchLastSeen(ctx context.Context, agentID domain.AgentID) (wasNil bool, err error)

	// SyncServices upserts each incoming service by AgentServiceID, then
	// deletes any existing service not present in incoming, all in one
	// transaction. Idempotent re-delivery of the same roster rewrites the
	// same name/description/version/schedule values and leaves CreatedAt
	// and status fields as they are.
	SyncServices(ctx context.Context, agentID domain.AgentID, incoming []eventsv1.ServiceData) error

	// AddService creates one service.
	AddService(ctx context.Context, agentID domain.AgentID, svc eventsv1.ServiceData) error

	// RemoveService deletes one service by AgentServiceID. Idempotent: a
	// missing row is not an error (the store logs a warning).
	RemoveService(ctx context.Context, agentID domain.AgentID, serviceID string) error

	// UpdateServiceStatus writes LastStatus, LastMessage, LastSeen for one
	// service, capturing the pre-image status inside the same transaction
	// so the Change Notifier can compare old vs new without a racy second
	// read.
	UpdateServiceStatus(ctx context.Context, agentID domain.AgentID, update eventsv1.AgentServiceStatusUpdatePayload) error

	// ListUserAgents returns every Registered agent owned by user, with
	// services attached.
	ListUserAgents(ctx context.Context, user domain.UserID) ([]domain.AgentWithServices, error)

	// ExpireStaleRegistrations transitions every Pending registration
	// whose ExpiresAt has passed to Expired, returning the count
	// transitioned. Proactive housekeeping supplementing the lazy,
	// poll-time expiry check in registration.Service.Status.
	ExpireStaleRegistrations(ctx context.Context) (int64, error)

	// DeleteOldRegistrations removes Completed and Expired registrations
	// older than retention, returning the count removed.
	DeleteOldRegistrations(ctx context.Context, retention time.Duration) (int64, error)

	// Close releases the underlying connection pool.
	Close() error
}
