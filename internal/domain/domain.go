// Package domain defines the core entities of the fleet control plane:
// agents, the services they supervise, and the short-lived registrations
// that bind an agent to a user.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserID is the opaque ownership principal resolved by the external auth
// collaborator. The control plane never issues or validates it itself.
type UserID int64

// AgentID is the server-internal, stable identifier for an Agent row.
type AgentID int64

// RegistrationStatus is the lifecycle state of an AgentRegistration.
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationCompleted RegistrationStatus = "completed"
	RegistrationExpired   RegistrationStatus = "expired"
)

// AgentRegistrationStatus is the lifecycle state of an Agent's binding to
// a user account. Named distinctly from RegistrationStatus because the
// two enums diverge once a registration completes (the Agent moves from
// Pending into Registered only after agent.finalize, not at claim time).
type AgentRegistrationStatus string

const (
	AgentPending      AgentRegistrationStatus = "pending"
	AgentRegistered   AgentRegistrationStatus = "registered"
	AgentUnregistered AgentRegistrationStatus = "unregistered"
)

// ServiceStatus is the closed enum of service health states reported by
// an agent.
type ServiceStatus string

const (
	StatusOK      ServiceStatus = "ok"
	StatusWarning ServiceStatus = "warning"
	StatusError   ServiceStatus = "error"
	StatusUpdate  ServiceStatus = "update"
	StatusFailure ServiceStatus = "failure"
	StatusUnknown ServiceStatus = "unknown"
)

// ValidServiceStatus reports whether s is one of the closed enum values.
func ValidServiceStatus(s ServiceStatus) bool {
	switch s {
	case StatusOK, StatusWarning, StatusError, StatusUpdate, StatusFailure, StatusUnknown:
		return true
	default:
		return false
	}
}

// Agent is one remote process supervising a set of Services.
//
// Invariant: IsOnline == (LastSeen == nil) after every committed
// transaction. LastSeen is nil while a live session holds the agent;
// once set, it records the instant the last session closed (or was
// declared lost after the grace period).
type Agent struct {
	ID                 AgentID
	Key                uuid.UUID
	Name               string
	Owner              UserID
	OwnerSet           bool
	RegistrationStatus AgentRegistrationStatus
	IPAddress          string
	CreatedAt          time.Time
	LastSeen           *time.Time
	IsOnline           bool
	GracePeriod        time.Duration
	Comment            string // operator note, carried from the original source's models
}

// Service is owned by exactly one Agent. (AgentID, AgentServiceID) is
// unique together; AgentServiceID is chosen by the agent and is not
// globally unique.
type Service struct {
	AgentID        AgentID
	AgentServiceID string
	Name           string
	Description    string
	Version        string
	Schedule       string
	LastStatus     ServiceStatus
	LastMessage    string
	LastSeen       *time.Time
	CreatedAt      time.Time
}

// Registration is a short-lived 6-digit code binding an unclaimed agent
// to an authenticated user.
type Registration struct {
	RegID            uuid.UUID
	Code             string
	Status           RegistrationStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	FailedAttempts   int
	AgentCredentials *AgentCredentials
}

// AgentCredentials carries the agent key once a Registration completes.
type AgentCredentials struct {
	Key uuid.UUID
}

// MaxFailedAttempts is the number of wrong codes that expires a
// Registration (spec.md §3).
const MaxFailedAttempts = 5

// RegistrationTTL is the default lifetime of a Registration (spec.md §3).
const RegistrationTTL = 60 * time.Second
