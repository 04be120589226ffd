package eventsv1

import (
	"time"

	"github.com/fleetcontrol/control-plane/internal/domain"
)

// ClientService mirrors domain.Service for the client-facing wire
// schema.
type ClientService struct {
	ServiceID   string               `json:"service_id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Version     string               `json:"version"`
	Schedule    string               `json:"schedule"`
	Status      domain.ServiceStatus `json:"status"`
	Message     string               `json:"message"`
	LastSeen    *time.Time           `json:"last_seen"`
}

// ClientAgent is the client view of an Agent: id, name, online state,
// last-seen time, IP address, comment, creation time, and its embedded
// service list. Key, Owner, RegistrationStatus and GracePeriod are not
// included.
type ClientAgent struct {
	AgentID   domain.AgentID  `json:"agent_id"`
	Name      string          `json:"name"`
	IsOnline  bool            `json:"is_online"`
	LastSeen  *time.Time      `json:"last_seen"`
	IPAddress string          `json:"ip_address,omitempty"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Services  []ClientService `json:"services"`
}

// ToClientAgent projects a domain.Agent plus its services into the
// client wire model.
func ToClientAgent(a domain.Agent, services []domain.Service) ClientAgent {
	cs := make([]ClientService, 0, len(services))
	for _, s := range services {
		cs = append(cs, ClientService{
			ServiceID:   s.AgentServiceID,
			Name:        s.Name,
			Description: s.Description,
			Version:     s.Version,
			Schedule:    s.Schedule,
			Status:      s.LastStatus,
			Message:     s.LastMessage,
			LastSeen:    s.LastSeen,
		})
	}
	return ClientAgent{
		AgentID:   a.ID,
		Name:      a.Name,
		IsOnline:  a.IsOnline,
		LastSeen:  a.LastSeen,
		IPAddress: a.IPAddress,
		Comment:   a.Comment,
		CreatedAt: a.CreatedAt,
		Services:  cs,
	}
}

// ClientInitialStatusPayload is sent once, immediately after a client
// stream joins, with a snapshot of every agent the user owns.
type ClientInitialStatusPayload struct {
	Agents []ClientAgent `json:"agents"`
}

// ClientStatusUpdatePayload announces a change to one agent's online
// state (or any other top-level Agent field).
type ClientStatusUpdatePayload struct {
	Agent ClientAgent `json:"agent"`
}

// ClientServiceAddedPayload announces a new service under an agent.
type ClientServiceAddedPayload struct {
	AgentID domain.AgentID `json:"agent_id"`
	Service ClientService  `json:"service"`
}

// ClientServiceRemovedPayload announces a service's removal.
type ClientServiceRemovedPayload struct {
	AgentID   domain.AgentID `json:"agent_id"`
	ServiceID string         `json:"service_id"`
}

// ClientServiceStatusUpdatePayload announces a service status change.
type ClientServiceStatusUpdatePayload struct {
	AgentID   domain.AgentID       `json:"agent_id"`
	ServiceID string               `json:"service_id"`
	Status    domain.ServiceStatus `json:"status"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}
