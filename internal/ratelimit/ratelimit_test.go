package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/external"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestCheckDeniesAfterLimit(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(map[string]Rule{"register.initiate": {Limit: 2, Window: time.Minute}}, clock)

	require.Equal(t, external.Allow, l.Check("1.2.3.4", "register.initiate"))
	require.Equal(t, external.Allow, l.Check("1.2.3.4", "register.initiate"))
	require.Equal(t, external.Deny, l.Check("1.2.3.4", "register.initiate"))
}

func TestCheckUnknownRuleAlwaysAllows(t *testing.T) {
	l := New(map[string]Rule{}, &fakeClock{t: time.Now()})
	for i := 0; i < 10; i++ {
		require.Equal(t, external.Allow, l.Check("1.2.3.4", "unknown.rule"))
	}
}

func TestCheckWindowExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(map[string]Rule{"r": {Limit: 1, Window: time.Minute}}, clock)

	require.Equal(t, external.Allow, l.Check("k", "r"))
	require.Equal(t, external.Deny, l.Check("k", "r"))

	clock.t = clock.t.Add(2 * time.Minute)
	require.Equal(t, external.Allow, l.Check("k", "r"))
}

func TestResetClearsBucket(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(map[string]Rule{"r": {Limit: 1, Window: time.Minute}}, clock)

	require.Equal(t, external.Allow, l.Check("k", "r"))
	l.Reset("k", "r")
	require.Equal(t, external.Allow, l.Check("k", "r"))
}
