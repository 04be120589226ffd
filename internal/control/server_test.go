package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/broker/localbroker"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
	"github.com/fleetcontrol/control-plane/internal/registration"
)

type fakeAuth struct {
	user domain.UserID
	err  error
}

func (f *fakeAuth) ResolveUser(*http.Request) (domain.UserID, error) { return f.user, f.err }

type fakeStore struct {
	agent domain.Agent
	reg   domain.Registration
}

func (f *fakeStore) GetAgentByKey(context.Context, uuid.UUID) (domain.Agent, error) {
	return f.agent, nil
}
func (f *fakeStore) GetAgentByID(context.Context, domain.AgentID) (domain.Agent, error) {
	return f.agent, nil
}
func (f *fakeStore) CreateRegistration(context.Context) (domain.Registration, error) {
	return f.reg, nil
}
func (f *fakeStore) GetRegistration(context.Context, uuid.UUID) (domain.Registration, error) {
	return f.reg, nil
}
func (f *fakeStore) DeleteRegistration(context.Context, uuid.UUID) error { return nil }
func (f *fakeStore) ClaimRegistration(context.Context, uuid.UUID, string, domain.UserID) (domain.Agent, error) {
	return f.agent, nil
}
func (f *fakeStore) FinalizeRegistration(context.Context, domain.AgentID) error { return nil }
func (f *fakeStore) Unregister(context.Context, domain.AgentID) error           { return nil }
func (f *fakeStore) UpdateAgentIP(context.Context, domain.AgentID, string) error {
	return nil
}
func (f *fakeStore) MarkConnected(context.Context, domain.AgentID) error    { return nil }
func (f *fakeStore) MarkDisconnected(context.Context, domain.AgentID) error { return nil }
func (f *fakeStore) TouchLastSeen(context.Context, domain.AgentID) (bool, error) {
	return true, nil
}
func (f *fakeStore) SyncServices(context.Context, domain.AgentID, []eventsv1.ServiceData) error {
	return nil
}
func (f *fakeStore) AddService(context.Context, domain.AgentID, eventsv1.ServiceData) error {
	return nil
}
func (f *fakeStore) RemoveService(context.Context, domain.AgentID, string) error { return nil }
func (f *fakeStore) UpdateServiceStatus(context.Context, domain.AgentID, eventsv1.AgentServiceStatusUpdatePayload) error {
	return nil
}
func (f *fakeStore) ListUserAgents(context.Context, domain.UserID) ([]domain.AgentWithServices, error) {
	return nil, nil
}
func (f *fakeStore) ExpireStaleRegistrations(context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) DeleteOldRegistrations(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) Close() error { return nil }

type allowRateLimit struct{}

func (allowRateLimit) Check(string, string) external.RateLimitDecision { return external.Allow }

func newTestServer(st *fakeStore, auth external.Auth) *Server {
	b := localbroker.New(zerolog.Nop())
	reg := registration.New(st, b, allowRateLimit{})
	cfg := &Config{ListenAddr: ":0", ReadHeaderTimeout: time.Second}
	return New(cfg, st, b, auth, reg, zerolog.Nop())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeAuth{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRegisterInitiate(t *testing.T) {
	regID := uuid.New()
	st := &fakeStore{reg: domain.Registration{
		RegID:     regID,
		Code:      "123456",
		Status:    domain.RegistrationPending,
		ExpiresAt: time.Now().Add(time.Minute),
	}}
	s := newTestServer(st, &fakeAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/initiate", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "123456", body["code"])
}

func TestHandleRegisterFinalizeRequiresAgentKey(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/finalize", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRegisterFinalizeWithAgentKey(t *testing.T) {
	agent := domain.Agent{ID: domain.AgentID(1), Key: uuid.New(), RegistrationStatus: domain.AgentPending}
	s := newTestServer(&fakeStore{agent: agent}, &fakeAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/finalize", nil)
	req.Header.Set("Authorization", "Agent "+agent.Key.String())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRegisterStatusPending(t *testing.T) {
	regID := uuid.New()
	st := &fakeStore{reg: domain.Registration{
		RegID:     regID,
		Status:    domain.RegistrationPending,
		ExpiresAt: time.Now().Add(time.Minute),
	}}
	s := newTestServer(st, &fakeAuth{})

	req := httptest.NewRequest(http.MethodGet, "/api/agents/register/status/"+regID.String(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "pending", body["status"])
}

func TestHandleClientSSEUnauthenticated(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeAuth{err: ferrors.ErrUnauthenticated})

	req := httptest.NewRequest(http.MethodGet, "/api/sse/agents/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
