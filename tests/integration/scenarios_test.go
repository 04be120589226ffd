package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/agentsim"
	"github.com/fleetcontrol/control-plane/internal/domain"
)

const testUser = domain.UserID(7)

// registerAndClaim drives S1 steps 1-4: initiate, complete (as testUser),
// poll status for the agent key, finalize. Returns the claimed key.
func registerAndClaim(t *testing.T, e *testEnv) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	reg := agentsim.NewRegistrar(e.httpURL())
	regID, code, err := reg.Initiate(ctx)
	require.NoError(t, err)

	completeBody, err := json.Marshal(map[string]string{"reg_id": regID.String(), "code": code})
	require.NoError(t, err)
	resp, err := http.Post(e.httpURL()+"/api/agents/register/complete", "application/json", bytes.NewReader(completeBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, key, err := reg.PollStatus(ctx, regID)
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.NotEqual(t, uuid.Nil, key)

	require.NoError(t, reg.Finalize(ctx, key))
	return key
}

func TestS1HappyPathRegistrationAndConnect(t *testing.T) {
	e := newTestEnv(t, testUser)
	key := registerAndClaim(t, e)

	agent, err := e.store.GetAgentByKey(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, testUser, agent.Owner)
	require.Equal(t, domain.AgentRegistered, agent.RegistrationStatus)
	require.False(t, agent.IsOnline)

	sse := newSSEReader(t, e)
	sse.next(t, time.Second, `"type":"client.initial_status"`)

	client := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, client.Connect(context.Background(), key, []agentsim.Service{
		{ID: "svc-1", Name: "service-one", Status: domain.StatusOK},
	}))
	defer client.Close()

	sse.next(t, time.Second, `"is_online":true`)

	agent, err = e.store.GetAgentByKey(context.Background(), key)
	require.NoError(t, err)
	require.True(t, agent.IsOnline)
	require.Nil(t, agent.LastSeen)
}

func TestS2SupersedeClosesOlderConnection(t *testing.T) {
	e := newTestEnv(t, testUser)
	key := registerAndClaim(t, e)

	clientA := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, clientA.Connect(context.Background(), key, nil))
	defer clientA.Close()

	doneA := make(chan error, 1)
	go func() { doneA <- clientA.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond) // let A fully join its broker group

	clientB := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, clientB.Connect(context.Background(), key, nil))
	defer clientB.Close()

	// A's read loop ends once the server closes it with 4000.
	select {
	case err := <-doneA:
		require.Error(t, err) // abnormal close, not ctx cancellation
	case <-time.After(2 * time.Second):
		t.Fatal("superseded session A never closed")
	}

	time.Sleep(50 * time.Millisecond) // let B's MarkConnected land server-side
	agent, err := e.store.GetAgentByKey(context.Background(), key)
	require.NoError(t, err)
	require.True(t, agent.IsOnline) // B is still active
}

func TestS4ServiceStatusChangeBroadcasts(t *testing.T) {
	e := newTestEnv(t, testUser)
	key := registerAndClaim(t, e)

	client := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, client.Connect(context.Background(), key, []agentsim.Service{
		{ID: "svc-1", Name: "service-one", Status: domain.StatusOK},
	}))
	defer client.Close()

	time.Sleep(50 * time.Millisecond) // let agent.ready land and sync the roster

	sse := newSSEReader(t, e)
	sse.next(t, time.Second, `"type":"client.initial_status"`)

	require.NoError(t, client.UpdateServiceStatus("svc-1", domain.StatusError, "crash"))

	line := sse.next(t, time.Second, `"type":"client.service_status_update"`)
	require.Contains(t, line, `"status":"error"`)
	require.Contains(t, line, `"service_id":"svc-1"`)
}

func TestS5UnregisterWhileConnected(t *testing.T) {
	e := newTestEnv(t, testUser)
	key := registerAndClaim(t, e)

	client := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, client.Connect(context.Background(), key, nil))

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond) // let the session join its control group

	agent, err := e.store.GetAgentByKey(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, e.reg.Unregister(context.Background(), agent))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not force-disconnected")
	}

	agent, err = e.store.GetAgentByKey(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, domain.AgentUnregistered, agent.RegistrationStatus)

	// Subsequent connects with the same key are rejected: the upgrade
	// itself succeeds (key validation happens after), but the session
	// immediately closes with 4001 and the connection ends in error.
	rejected := agentsim.New(e.wsURL(), zerolog.Nop())
	require.NoError(t, rejected.Connect(context.Background(), key, nil))
	require.Error(t, rejected.Run(context.Background()))
}

func TestS6BruteForceCodeEntryExpiresRegistration(t *testing.T) {
	e := newTestEnv(t, testUser)
	reg := agentsim.NewRegistrar(e.httpURL())

	regID, _, err := reg.Initiate(context.Background())
	require.NoError(t, err)

	postComplete := func(code string) int {
		body, err := json.Marshal(map[string]string{"reg_id": regID.String(), "code": code})
		require.NoError(t, err)
		resp, err := http.Post(e.httpURL()+"/api/agents/register/complete", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < domain.MaxFailedAttempts; i++ {
		require.Equal(t, http.StatusBadRequest, postComplete("000000"))
	}

	got, err := e.store.GetRegistration(context.Background(), regID)
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationExpired, got.Status)

	// A further attempt, even with a code that would have been correct,
	// is still rejected: the registration is already Expired (and by now
	// the per-IP complete-attempt quota would deny it regardless).
	require.Equal(t, http.StatusBadRequest, postComplete("111111"))
}
