// Package integration exercises spec.md §8's scenarios S1, S2 and S4-S6
// end to end (the S3 grace-period flap is covered by agentsession's unit
// tests, not here):
// a real sqlstore (in-memory SQLite), a real localbroker, and a real
// control.Server served over httptest, driven by an agentsim.Client/
// Registrar on the agent side and a raw SSE reader on the client side.
// This plays the role the teacher's tests/integration/t0N_*_test.go +
// helpers_test.go harness played, generalized from its MockDashboard/
// WaitForMessage polling idiom to this spec's WS+SSE+REST surface.
package integration

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcontrol/control-plane/internal/broker/localbroker"
	"github.com/fleetcontrol/control-plane/internal/control"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/notify"
	"github.com/fleetcontrol/control-plane/internal/ratelimit"
	"github.com/fleetcontrol/control-plane/internal/registration"
	"github.com/fleetcontrol/control-plane/internal/store/sqlstore"
)

// fixedAuth resolves every request to the same user, standing in for a
// real external.Auth the way the teacher's integration tests stub
// dashboard auth entirely.
type fixedAuth struct{ user domain.UserID }

func (f fixedAuth) ResolveUser(*http.Request) (domain.UserID, error) { return f.user, nil }

type testEnv struct {
	httpServer *httptest.Server
	store      *sqlstore.Store
	reg        *registration.Service
}

func newTestEnv(t *testing.T, user domain.UserID) *testEnv {
	t.Helper()

	log := zerolog.Nop()
	b := localbroker.New(log)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := sqlstore.Open(dsn, sqlstore.Options{
		Notifier: notify.New(b, external.NopNotify{}, log),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rl := ratelimit.New(registration.DefaultRules, external.SystemClock)
	reg := registration.New(st, b, rl)

	cfg := &control.Config{ListenAddr: ":0", ReadHeaderTimeout: 5 * time.Second}
	srv := control.New(cfg, st, b, fixedAuth{user: user}, reg, log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{httpServer: ts, store: st, reg: reg}
}

func (e *testEnv) httpURL() string { return e.httpServer.URL }

func (e *testEnv) wsURL() string { return "ws" + strings.TrimPrefix(e.httpServer.URL, "http") }

// sseReader connects to the client SSE endpoint and lets tests pull
// decoded "data:" lines one at a time with a bounded wait, mirroring the
// teacher's WaitForMessage polling helper but over an actual HTTP
// streaming body instead of a channel fed by a mock hub.
type sseReader struct {
	resp   *http.Response
	lines  chan string
	cancel context.CancelFunc
}

func newSSEReader(t *testing.T, e *testEnv) *sseReader {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.httpURL()+"/api/sse/agents/", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := &sseReader{resp: resp, lines: make(chan string, 64), cancel: cancel}
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				select {
				case r.lines <- strings.TrimPrefix(line, "data: "):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return r
}

// next waits up to timeout for the next data event whose raw JSON
// contains substr, skipping any heartbeat/unrelated events in between.
func (r *sseReader) next(t *testing.T, timeout time.Duration, substr string) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line := <-r.lines:
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for an SSE event containing %q", substr)
			return ""
		}
	}
}
