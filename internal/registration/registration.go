// Package registration implements the Registration Flow of spec.md
// §4.7: the REST-facing business logic above store.Store's transactional
// primitives, plus a gocron-scheduled sweeper for stale registrations.
// Rate limiting is delegated to the injected external.RateLimit, the
// same collaborator-outside-the-core shape the teacher's AuthService
// uses for its login RateLimiter (internal/dashboard/auth.go), just
// generalized to named rules instead of one hardcoded bucket.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
	"github.com/fleetcontrol/control-plane/internal/ratelimit"
	"github.com/fleetcontrol/control-plane/internal/store"
)

const (
	RuleInitiate = "register.initiate"
	RuleComplete = "register.complete"
	RuleStatus   = "register.status"
)

// DefaultRules are the quotas named in spec.md §4.7: 5 initiations per
// 15 minutes per client IP, and a status-poll allowance generous enough
// for 12/min client-side polling (120 per 15 min).
var DefaultRules = map[string]ratelimit.Rule{
	RuleInitiate: {Limit: 5, Window: 15 * time.Minute},
	RuleComplete: {Limit: 5, Window: 15 * time.Minute},
	RuleStatus:   {Limit: 120, Window: 15 * time.Minute},
}

// Service is the registration flow's entry point, constructed once and
// shared by every HTTP handler in internal/control.
type Service struct {
	store store.Store
	b     broker.Broker
	rl    external.RateLimit
}

func New(s store.Store, b broker.Broker, rl external.RateLimit) *Service {
	return &Service{store: s, b: b, rl: rl}
}

// Initiate handles POST /register/initiate: rate-limited by clientIP,
// allocates a fresh Pending registration.
func (svc *Service) Initiate(ctx context.Context, clientIP string) (domain.Registration, error) {
	if svc.rl.Check(clientIP, RuleInitiate) == external.Deny {
		return domain.Registration{}, ferrors.ErrTooManyAttempts
	}
	return svc.store.CreateRegistration(ctx)
}

// Complete handles POST /register/complete: validates code against
// regID's registration and, on success, creates a Pending agent owned by
// user.
func (svc *Service) Complete(ctx context.Context, clientIP string, regID uuid.UUID, code string, user domain.UserID) (domain.Agent, error) {
	if svc.rl.Check(clientIP, RuleComplete) == external.Deny {
		return domain.Agent{}, ferrors.ErrTooManyAttempts
	}
	return svc.store.ClaimRegistration(ctx, regID, code, user)
}

// Status handles GET /register/status/{RegID}: public, rate-limited by
// clientIP. A Completed registration is consumed (deleted) on read; an
// Expired one, or one past ExpiresAt, is deleted and reported as such.
func (svc *Service) Status(ctx context.Context, clientIP string, regID uuid.UUID, clock external.Clock) (domain.Registration, error) {
	if svc.rl.Check(clientIP, RuleStatus) == external.Deny {
		return domain.Registration{}, ferrors.ErrTooManyAttempts
	}

	reg, err := svc.store.GetRegistration(ctx, regID)
	if err != nil {
		return domain.Registration{}, err
	}

	switch {
	case reg.Status == domain.RegistrationCompleted:
		if derr := svc.store.DeleteRegistration(ctx, regID); derr != nil {
			return domain.Registration{}, derr
		}
		return reg, nil

	case reg.Status == domain.RegistrationExpired || clock.Now().After(reg.ExpiresAt):
		if derr := svc.store.DeleteRegistration(ctx, regID); derr != nil {
			return domain.Registration{}, derr
		}
		return domain.Registration{}, ferrors.ErrExpired

	default:
		return reg, nil
	}
}

// Finalize handles POST /register/finalize (Agent-key auth): a Pending
// agent moves to Registered.
func (svc *Service) Finalize(ctx context.Context, agentID domain.AgentID) error {
	return svc.store.FinalizeRegistration(ctx, agentID)
}

// Unregister handles the Agent-key-authed unregister operation: deletes
// all services, flips RegistrationStatus to Unregistered, and publishes
// control.force_disconnect so any live session tears down immediately.
func (svc *Service) Unregister(ctx context.Context, agent domain.Agent) error {
	if err := svc.store.Unregister(ctx, agent.ID); err != nil {
		return err
	}

	env, err := eventsv1.NewEnvelope(eventsv1.TypeControlForceDisconnect, eventsv1.ControlForceDisconnectPayload{
		Reason: "agent unregistered",
	})
	if err != nil {
		return fmt.Errorf("registration: marshal force_disconnect: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("registration: marshal envelope: %w", err)
	}
	if perr := svc.b.Publish(ctx, broker.AgentGroup(agent.Key), data); perr != nil {
		return fmt.Errorf("registration: publish force_disconnect: %w", perr)
	}
	return nil
}
