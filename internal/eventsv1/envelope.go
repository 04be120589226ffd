// Package eventsv1 defines the two closed discriminated unions of
// spec.md §4.1: agent-sourced events (agent.*) and client-bound events
// (client.*). The envelope and ParsePayload idiom is carried directly
// from the teacher's internal/protocol package, generalized to strict
// per-payload schema validation.
package eventsv1

import (
	"encoding/json"
	"fmt"

	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

// Envelope is the wire format for every frame exchanged over the agent
// WebSocket and every message relayed over the client SSE stream: a
// type discriminator plus a raw JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it with the given type tag.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventsv1: marshal payload for %q: %w", typ, err)
	}
	return &Envelope{Type: typ, Payload: data}, nil
}

// ParsePayload unmarshals the envelope's payload into target.
func (e *Envelope) ParsePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Agent-sourced event types.
const (
	TypeAgentReady               = "agent.ready"
	TypeAgentServiceAdded        = "agent.service_added"
	TypeAgentServiceRemoved      = "agent.service_removed"
	TypeAgentServiceStatusUpdate = "agent.service_status_update"
)

// Server-sourced (client-bound) event types.
const (
	TypeClientInitialStatus       = "client.initial_status"
	TypeClientStatusUpdate        = "client.status_update"
	TypeClientServiceAdded        = "client.service_added"
	TypeClientServiceRemoved      = "client.service_removed"
	TypeClientServiceStatusUpdate = "client.service_status_update"
)

// Control message exchanged only over the agent group (never the wire
// envelope the agent itself emits): supersede and forced disconnect.
const (
	TypeControlSupersede       = "control.supersede"
	TypeControlForceDisconnect = "control.force_disconnect"
)

// knownAgentEvents is used by ValidateAgentEventType to reject anything outside
// the closed union with ferrors.ErrUnknownEvent.
var knownAgentEvents = map[string]bool{
	TypeAgentReady:               true,
	TypeAgentServiceAdded:        true,
	TypeAgentServiceRemoved:      true,
	TypeAgentServiceStatusUpdate: true,
}

// ValidateAgentEventType reports ferrors.ErrUnknownEvent if typ is not a
// member of the agent-sourced union.
func ValidateAgentEventType(typ string) error {
	if !knownAgentEvents[typ] {
		return fmt.Errorf("%w: %q", ferrors.ErrUnknownEvent, typ)
	}
	return nil
}

// knownClientEvents is used by ValidateClientEventType to reject anything
// outside the closed client-bound union.
var knownClientEvents = map[string]bool{
	TypeClientInitialStatus:       true,
	TypeClientStatusUpdate:        true,
	TypeClientServiceAdded:        true,
	TypeClientServiceRemoved:      true,
	TypeClientServiceStatusUpdate: true,
}

// ValidateClientEventType reports ferrors.ErrUnknownEvent if typ is not a
// member of the client-bound union.
func ValidateClientEventType(typ string) error {
	if !knownClientEvents[typ] {
		return fmt.Errorf("%w: %q", ferrors.ErrUnknownEvent, typ)
	}
	return nil
}
