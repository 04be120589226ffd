// Package dispatch routes a decoded agent event to the corresponding
// store.Store mutation. It is a pure function of (store, agent, event):
// it never touches the network, never blocks beyond the store call, and
// never panics on malformed input — DecodeAgentEvent already rejected
// that before a dispatch call is made.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/store"
)

// Dispatch applies evt to agent's service roster via s, logging but
// never failing the caller's session loop on a missing-service removal.
func Dispatch(ctx context.Context, s store.Store, log zerolog.Logger, agent domain.Agent, evt *eventsv1.AgentEvent) error {
	switch evt.Type {
	case eventsv1.TypeAgentReady:
		// A connect handshake is only complete once the initial roster is
		// stored: mark the agent online in the same logical unit as the
		// roster sync, never at socket accept.
		if err := s.SyncServices(ctx, agent.ID, evt.Ready.Services); err != nil {
			return err
		}
		return s.MarkConnected(ctx, agent.ID)

	case eventsv1.TypeAgentServiceAdded:
		return s.AddService(ctx, agent.ID, evt.ServiceAdded.Service)

	case eventsv1.TypeAgentServiceRemoved:
		if err := s.RemoveService(ctx, agent.ID, evt.ServiceRemoved.ServiceID); err != nil {
			log.Warn().Err(err).Str("service_id", evt.ServiceRemoved.ServiceID).
				Msg("remove service failed")
			return err
		}
		return nil

	case eventsv1.TypeAgentServiceStatusUpdate:
		return s.UpdateServiceStatus(ctx, agent.ID, *evt.ServiceStatusUpdate)

	default:
		// DecodeAgentEvent rejects anything outside the closed union
		// before Dispatch is ever called.
		return fmt.Errorf("dispatch: unreachable event type %q", evt.Type)
	}
}
