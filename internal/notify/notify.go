// Package notify implements the Change Notifier of spec.md §4.8: a
// post-commit hook on Store mutations that translates committed changes
// into Broker publishes (client.* events) and best-effort push
// notifications. It is invoked strictly after a transaction commits —
// never from inside one — per §9's "hidden post-save side effects"
// redesign note: the old Django signal-handler pattern (core/receivers.py
// in the retrieved original source) is replaced here by an explicit,
// constructor-injected collaborator.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/external"
)

// Notifier is the Store's collaborator for post-commit side effects. All
// methods are fire-and-forget: the database commit is authoritative, the
// broadcast is best-effort (spec.md §4.8).
type Notifier interface {
	AgentStatusChanged(ctx context.Context, owner domain.UserID, agent domain.Agent, services []domain.Service)
	ServiceAdded(ctx context.Context, owner domain.UserID, agentID domain.AgentID, svc domain.Service)
	ServiceRemoved(ctx context.Context, owner domain.UserID, agentID domain.AgentID, serviceID string)
	ServiceStatusChanged(ctx context.Context, owner domain.UserID, agentID domain.AgentID, svc domain.Service, oldStatus domain.ServiceStatus)
}

var notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "notifications_sent_total",
	Help: "Push notifications fired, by channel.",
}, []string{"channel"})

func init() {
	prometheus.MustRegister(notificationsSent)
}

// Default is the production Notifier: Broker publishes to the owner's
// client group plus a push via the external.Notify collaborator.
type Default struct {
	b    broker.Broker
	push external.Notify
	log  zerolog.Logger
}

// New creates the default Notifier.
func New(b broker.Broker, push external.Notify, log zerolog.Logger) *Default {
	return &Default{b: b, push: push, log: log.With().Str("component", "notify").Logger()}
}

func (n *Default) publish(ctx context.Context, owner domain.UserID, typ string, payload any) {
	env, err := eventsv1.NewEnvelope(typ, payload)
	if err != nil {
		n.log.Error().Err(err).Str("type", typ).Msg("failed to marshal client event")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}
	group := broker.ClientGroupForUser(int64(owner))
	if err := n.b.Publish(ctx, group, data); err != nil {
		n.log.Warn().Err(err).Str("group", group).Msg("broker publish failed, swallowing")
	}
}

// AgentStatusChanged broadcasts client.status_update and fires a push
// notification on every call. Callers pass the agent's *current*
// (post-commit) state. Neither this method nor the Store checks whether
// the online/offline boundary was actually crossed: the Store calls it
// after every MarkConnected and MarkDisconnected, so a MarkConnected on
// an agent that is already online also pushes.
func (n *Default) AgentStatusChanged(ctx context.Context, owner domain.UserID, agent domain.Agent, services []domain.Service) {
	n.publish(ctx, owner, eventsv1.TypeClientStatusUpdate, eventsv1.ClientStatusUpdatePayload{
		Agent: eventsv1.ToClientAgent(agent, services),
	})

	channel := "agent-offline"
	if agent.IsOnline {
		channel = "agent-online"
	}
	n.push.Push(ctx, owner, external.PushPayload{
		Title:   "Agent " + agent.Name,
		Body:    statusBody(agent),
		Channel: channel,
	})
	notificationsSent.WithLabelValues(channel).Inc()
}

func statusBody(agent domain.Agent) string {
	if agent.IsOnline {
		return agent.Name + " is back online"
	}
	return agent.Name + " went offline"
}

func (n *Default) ServiceAdded(ctx context.Context, owner domain.UserID, agentID domain.AgentID, svc domain.Service) {
	n.publish(ctx, owner, eventsv1.TypeClientServiceAdded, eventsv1.ClientServiceAddedPayload{
		AgentID: agentID,
		Service: eventsv1.ClientService{
			ServiceID:   svc.AgentServiceID,
			Name:        svc.Name,
			Description: svc.Description,
			Version:     svc.Version,
			Schedule:    svc.Schedule,
			Status:      svc.LastStatus,
			Message:     svc.LastMessage,
			LastSeen:    svc.LastSeen,
		},
	})
}

func (n *Default) ServiceRemoved(ctx context.Context, owner domain.UserID, agentID domain.AgentID, serviceID string) {
	n.publish(ctx, owner, eventsv1.TypeClientServiceRemoved, eventsv1.ClientServiceRemovedPayload{
		AgentID:   agentID,
		ServiceID: serviceID,
	})
}

// ServiceStatusChanged emits a broadcast and push only when svc's new
// status differs from oldStatus (spec.md §8 invariant 5). The pre-image
// must have been captured inside the same transaction as the write, not
// via a second read (spec.md §4.8) — the Store guarantees that by the
// time this is called.
func (n *Default) ServiceStatusChanged(ctx context.Context, owner domain.UserID, agentID domain.AgentID, svc domain.Service, oldStatus domain.ServiceStatus) {
	if svc.LastStatus == oldStatus {
		return
	}

	n.publish(ctx, owner, eventsv1.TypeClientServiceStatusUpdate, eventsv1.ClientServiceStatusUpdatePayload{
		AgentID:   agentID,
		ServiceID: svc.AgentServiceID,
		Status:    svc.LastStatus,
		Message:   svc.LastMessage,
		Timestamp: timeOrZero(svc.LastSeen),
	})

	channel := "service-status"
	if svc.LastStatus == domain.StatusError || svc.LastStatus == domain.StatusFailure {
		channel = "service-error"
	}
	n.push.Push(ctx, owner, external.PushPayload{
		Title:   svc.Name,
		Body:    string(svc.LastStatus) + ": " + svc.LastMessage,
		Channel: channel,
	})
	notificationsSent.WithLabelValues(channel).Inc()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
