package eventsv1

import (
	"fmt"
	"time"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

// ServiceData describes one service as reported by an agent, shared by
// agent.ready and agent.service_added.
type ServiceData struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Schedule    string `json:"schedule"`
}

// Validate checks required fields are present.
func (s ServiceData) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: service.id is required", ferrors.ErrInvalidEvent)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: service.name is required", ferrors.ErrInvalidEvent)
	}
	return nil
}

// AgentReadyPayload is the agent.ready event body: the full service
// roster, sent on connect and on any full resync.
type AgentReadyPayload struct {
	Services []ServiceData `json:"services"`
}

func (p AgentReadyPayload) Validate() error {
	for i, s := range p.Services {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
	}
	return nil
}

// AgentServiceAddedPayload is the agent.service_added event body.
type AgentServiceAddedPayload struct {
	Service ServiceData `json:"service"`
}

func (p AgentServiceAddedPayload) Validate() error {
	return p.Service.Validate()
}

// AgentServiceRemovedPayload is the agent.service_removed event body.
type AgentServiceRemovedPayload struct {
	ServiceID string `json:"service_id"`
}

func (p AgentServiceRemovedPayload) Validate() error {
	if p.ServiceID == "" {
		return fmt.Errorf("%w: service_id is required", ferrors.ErrInvalidEvent)
	}
	return nil
}

// AgentServiceStatusUpdatePayload is the agent.service_status_update
// event body.
type AgentServiceStatusUpdatePayload struct {
	ServiceID string               `json:"service_id"`
	Status    domain.ServiceStatus `json:"status"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

func (p AgentServiceStatusUpdatePayload) Validate() error {
	if p.ServiceID == "" {
		return fmt.Errorf("%w: service_id is required", ferrors.ErrInvalidEvent)
	}
	if !domain.ValidServiceStatus(p.Status) {
		return fmt.Errorf("%w: invalid status %q", ferrors.ErrInvalidEvent, p.Status)
	}
	return nil
}

// AgentEvent is the decoded, validated form of an inbound agent frame.
type AgentEvent struct {
	Type                string
	Ready               *AgentReadyPayload
	ServiceAdded        *AgentServiceAddedPayload
	ServiceRemoved      *AgentServiceRemovedPayload
	ServiceStatusUpdate *AgentServiceStatusUpdatePayload
}

// DecodeAgentEvent validates env.Type against the closed union, parses
// the matching payload, and runs its schema validation. Returns
// ferrors.ErrUnknownEvent for an unrecognized type and
// ferrors.ErrInvalidEvent for a schema violation.
func DecodeAgentEvent(env *Envelope) (*AgentEvent, error) {
	if err := ValidateAgentEventType(env.Type); err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeAgentReady:
		var p AgentReadyPayload
		if err := env.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidEvent, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &AgentEvent{Type: env.Type, Ready: &p}, nil

	case TypeAgentServiceAdded:
		var p AgentServiceAddedPayload
		if err := env.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidEvent, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &AgentEvent{Type: env.Type, ServiceAdded: &p}, nil

	case TypeAgentServiceRemoved:
		var p AgentServiceRemovedPayload
		if err := env.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidEvent, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &AgentEvent{Type: env.Type, ServiceRemoved: &p}, nil

	case TypeAgentServiceStatusUpdate:
		var p AgentServiceStatusUpdatePayload
		if err := env.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidEvent, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &AgentEvent{Type: env.Type, ServiceStatusUpdate: &p}, nil

	default:
		// Unreachable: ValidateAgentEventType already rejected anything
		// else, but keep the switch exhaustive and panic-free.
		return nil, fmt.Errorf("%w: %q", ferrors.ErrUnknownEvent, env.Type)
	}
}
