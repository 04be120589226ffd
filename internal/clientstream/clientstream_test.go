package clientstream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/broker/localbroker"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
)

type fakeLister struct {
	agents []domain.AgentWithServices
}

func (f *fakeLister) ListUserAgents(context.Context, domain.UserID) ([]domain.AgentWithServices, error) {
	return f.agents, nil
}

func TestServeWritesInitialStatusThenBroadcast(t *testing.T) {
	b := localbroker.New(zerolog.Nop())
	lister := &fakeLister{agents: []domain.AgentWithServices{
		{Agent: domain.Agent{ID: domain.AgentID(1), Name: "agent-1"}},
	}}

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, &buf, nopFlusher{}, b, lister, domain.UserID(42), zerolog.Nop()) }()

	time.Sleep(20 * time.Millisecond) // let Serve join and write the snapshot

	env, err := eventsv1.NewEnvelope(eventsv1.TypeClientServiceAdded, eventsv1.ClientServiceAddedPayload{
		AgentID: domain.AgentID(1),
		Service: eventsv1.ClientService{ServiceID: "svc-a"},
	})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, broker.ClientGroupForUser(42), data))

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	out := buf.String()
	require.True(t, strings.Contains(out, `"type":"client.initial_status"`))
	require.True(t, strings.Contains(out, `"type":"client.service_added"`))
}

func TestServeDropsNonConformingRelayedMessage(t *testing.T) {
	b := localbroker.New(zerolog.Nop())
	lister := &fakeLister{}

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, &buf, nopFlusher{}, b, lister, domain.UserID(7), zerolog.Nop()) }()

	time.Sleep(20 * time.Millisecond)

	env, err := eventsv1.NewEnvelope("bogus.event", map[string]string{"x": "y"})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, broker.ClientGroupForUser(7), data))

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.NotContains(t, buf.String(), "bogus.event")
}

func TestServeIdleReturnsNilOnCancel(t *testing.T) {
	b := localbroker.New(zerolog.Nop())
	lister := &fakeLister{}

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, &buf, nopFlusher{}, b, lister, domain.UserID(1), zerolog.Nop())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Contains(t, buf.String(), `"type":"client.initial_status"`)
}
