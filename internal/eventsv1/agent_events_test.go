package eventsv1

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

func TestDecodeAgentEvent_Ready(t *testing.T) {
	env, err := NewEnvelope(TypeAgentReady, AgentReadyPayload{
		Services: []ServiceData{{ID: "svc-1", Name: "nginx"}},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	evt, err := DecodeAgentEvent(env)
	if err != nil {
		t.Fatalf("DecodeAgentEvent: %v", err)
	}
	if evt.Ready == nil || len(evt.Ready.Services) != 1 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestDecodeAgentEvent_UnknownType(t *testing.T) {
	env := &Envelope{Type: "agent.teleport", Payload: []byte(`{}`)}
	_, err := DecodeAgentEvent(env)
	if !errors.Is(err, ferrors.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeAgentEvent_MissingRequiredField(t *testing.T) {
	env, _ := NewEnvelope(TypeAgentServiceRemoved, AgentServiceRemovedPayload{})
	_, err := DecodeAgentEvent(env)
	if !errors.Is(err, ferrors.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDecodeAgentEvent_InvalidEnum(t *testing.T) {
	env, _ := NewEnvelope(TypeAgentServiceStatusUpdate, AgentServiceStatusUpdatePayload{
		ServiceID: "svc-1",
		Status:    "not-a-real-status",
		Timestamp: time.Now(),
	})
	_, err := DecodeAgentEvent(env)
	if !errors.Is(err, ferrors.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestToClientAgent_Projection(t *testing.T) {
	now := time.Now()
	a := domain.Agent{ID: 7, Name: "box", IsOnline: true, CreatedAt: now}
	svcs := []domain.Service{{AgentServiceID: "svc-1", Name: "nginx", LastStatus: domain.StatusOK}}

	ca := ToClientAgent(a, svcs)
	if ca.AgentID != 7 || len(ca.Services) != 1 || ca.Services[0].ServiceID != "svc-1" {
		t.Fatalf("unexpected projection: %+v", ca)
	}
}
