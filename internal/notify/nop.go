package notify

import (
	"context"

	"github.com/fleetcontrol/control-plane/internal/domain"
)

// Nop discards every notification. Used by Store tests that exercise
// mutation logic without caring about broadcast side effects.
type Nop struct{}

func (Nop) AgentStatusChanged(context.Context, domain.UserID, domain.Agent, []domain.Service) {}
func (Nop) ServiceAdded(context.Context, domain.UserID, domain.AgentID, domain.Service)       {}
func (Nop) ServiceRemoved(context.Context, domain.UserID, domain.AgentID, string)             {}
func (Nop) ServiceStatusChanged(context.Context, domain.UserID, domain.AgentID, domain.Service, domain.ServiceStatus) {
}
