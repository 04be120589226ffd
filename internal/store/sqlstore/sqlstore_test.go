package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
	"github.com/fleetcontrol/control-plane/internal/notify"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

type fakeUUIDs struct{ n int }

func (f *fakeUUIDs) New() uuid.UUID {
	f.n++
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", f.n))
}

type fakeDigits struct{ codes []string }

func (f *fakeDigits) Digits(n int) (string, error) {
	code := f.codes[0]
	f.codes = f.codes[1:]
	return code, nil
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := Open(dsn, Options{
		Notifier: notify.Nop{},
		Clock:    clock,
		UUIDs:    &fakeUUIDs{},
		Digits:   &fakeDigits{codes: []string{"111111", "222222", "333333"}},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func TestCreateAndClaimRegistration(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	require.Equal(t, "111111", reg.Code)
	require.Equal(t, domain.RegistrationPending, reg.Status)

	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(7))
	require.NoError(t, err)
	require.Equal(t, domain.UserID(7), agent.Owner)
	require.Equal(t, domain.AgentPending, agent.RegistrationStatus)

	got, err := s.GetRegistration(ctx, reg.RegID)
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationCompleted, got.Status)
	require.NotNil(t, got.AgentCredentials)
	require.Equal(t, agent.Key, got.AgentCredentials.Key)

	_ = clock
}

func TestClaimRegistrationWrongCodeEscalates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)

	for i := 0; i < domain.MaxFailedAttempts-1; i++ {
		_, err := s.ClaimRegistration(ctx, reg.RegID, "000000", domain.UserID(1))
		require.ErrorIs(t, err, ferrors.ErrInvalidCode)
	}

	_, err = s.ClaimRegistration(ctx, reg.RegID, "000000", domain.UserID(1))
	require.ErrorIs(t, err, ferrors.ErrTooManyAttempts)

	got, err := s.GetRegistration(ctx, reg.RegID)
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationExpired, got.Status)
}

func TestFinalizeRegistrationRequiresPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(1))
	require.NoError(t, err)

	require.NoError(t, s.FinalizeRegistration(ctx, agent.ID))
	err = s.FinalizeRegistration(ctx, agent.ID)
	require.ErrorIs(t, err, ferrors.ErrNotPending)
}

func TestSyncServicesUpsertsAndDeletesMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(1))
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRegistration(ctx, agent.ID))

	err = s.SyncServices(ctx, agent.ID, []eventsv1.ServiceData{
		{ID: "svc-a", Name: "A"},
		{ID: "svc-b", Name: "B"},
	})
	require.NoError(t, err)

	agents, err := s.ListUserAgents(ctx, domain.UserID(1))
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Len(t, agents[0].Services, 2)

	err = s.SyncServices(ctx, agent.ID, []eventsv1.ServiceData{
		{ID: "svc-b", Name: "B renamed"},
	})
	require.NoError(t, err)

	agents, err = s.ListUserAgents(ctx, domain.UserID(1))
	require.NoError(t, err)
	require.Len(t, agents[0].Services, 1)
	require.Equal(t, "svc-b", agents[0].Services[0].AgentServiceID)
	require.Equal(t, "B renamed", agents[0].Services[0].Name)
}

func TestUpdateServiceStatusWritesNewStatus(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(1))
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRegistration(ctx, agent.ID))
	require.NoError(t, s.AddService(ctx, agent.ID, eventsv1.ServiceData{ID: "svc-a", Name: "A"}))

	err = s.UpdateServiceStatus(ctx, agent.ID, eventsv1.AgentServiceStatusUpdatePayload{
		ServiceID: "svc-a",
		Status:    domain.StatusOK,
		Message:   "all good",
		Timestamp: clock.Now(),
	})
	require.NoError(t, err)

	agents, err := s.ListUserAgents(ctx, domain.UserID(1))
	require.NoError(t, err)
	require.Equal(t, domain.StatusOK, agents[0].Services[0].LastStatus)
}

func TestUnregisterClearsServicesAndFlipsStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(1))
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRegistration(ctx, agent.ID))
	require.NoError(t, s.AddService(ctx, agent.ID, eventsv1.ServiceData{ID: "svc-a", Name: "A"}))

	require.NoError(t, s.Unregister(ctx, agent.ID))

	got, err := s.GetAgentByID(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentUnregistered, got.RegistrationStatus)

	agents, err := s.ListUserAgents(ctx, domain.UserID(1))
	require.NoError(t, err)
	require.Empty(t, agents)
}

func TestMarkConnectedAndDisconnected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.RegID, "111111", domain.UserID(1))
	require.NoError(t, err)

	require.NoError(t, s.MarkConnected(ctx, agent.ID))
	got, err := s.GetAgentByID(ctx, agent.ID)
	require.NoError(t, err)
	require.True(t, got.IsOnline)
	require.Nil(t, got.LastSeen)

	require.NoError(t, s.MarkDisconnected(ctx, agent.ID))
	got, err = s.GetAgentByID(ctx, agent.ID)
	require.NoError(t, err)
	require.False(t, got.IsOnline)
	require.NotNil(t, got.LastSeen)
}

var _ external.Clock = (*fakeClock)(nil)
var _ external.UUIDSource = (*fakeUUIDs)(nil)
var _ external.DigitSource = (*fakeDigits)(nil)
