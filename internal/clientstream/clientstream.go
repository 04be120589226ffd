// Package clientstream implements the Client Stream of spec.md §4.6: a
// transport-agnostic Server-Sent-Events loop over the cluster broker. The
// SSE framing/flush idiom is new relative to the teacher (nixfleet's
// dashboard pushes are plain WebSocket broadcast, internal/dashboard/hub.go),
// generalized here to the half-duplex HTTP streaming shape spec.md asks
// for; the heartbeat-on-timeout and "write in arrival order" discipline
// follow the same read/write-pump separation the teacher uses for its
// WebSocket hub.
package clientstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
)

// AgentLister is the narrow slice of store.Store this package needs: the
// snapshot read for the opening client.initial_status event.
type AgentLister interface {
	ListUserAgents(ctx context.Context, user domain.UserID) ([]domain.AgentWithServices, error)
}

// heartbeatInterval is the Receive deadline; a timeout writes a comment
// line so idle proxies don't close the connection.
const heartbeatInterval = 30 * time.Second

// Flusher is satisfied by http.ResponseWriter and lets this package stay
// free of net/http so it can be unit-tested against a plain buffer.
type Flusher interface {
	Flush()
}

type nopFlusher struct{}

func (nopFlusher) Flush() {}

// Serve runs one subscriber's full SSE lifecycle: join, snapshot,
// receive loop, leave. It returns when ctx is cancelled (the HTTP
// request ended) or a write to w fails.
func Serve(ctx context.Context, w io.Writer, flusher Flusher, b broker.Broker, s AgentLister, user domain.UserID, log zerolog.Logger) error {
	if flusher == nil {
		flusher = nopFlusher{}
	}

	channel := b.NewChannel()
	defer b.Close(channel)

	group := broker.ClientGroupForUser(int64(user))
	if err := b.Join(ctx, group, channel); err != nil {
		return fmt.Errorf("clientstream: join: %w", err)
	}
	defer b.Leave(ctx, group, channel)

	agents, err := s.ListUserAgents(ctx, user)
	if err != nil {
		return fmt.Errorf("clientstream: initial snapshot: %w", err)
	}
	clientAgents := make([]eventsv1.ClientAgent, 0, len(agents))
	for _, a := range agents {
		clientAgents = append(clientAgents, eventsv1.ToClientAgent(a.Agent, a.Services))
	}

	if err := writeEvent(w, flusher, eventsv1.TypeClientInitialStatus, eventsv1.ClientInitialStatusPayload{Agents: clientAgents}); err != nil {
		return err
	}

	for {
		msg, err := b.Receive(ctx, channel, heartbeatInterval)
		switch {
		case err == nil:
			var env eventsv1.Envelope
			if uerr := json.Unmarshal(msg.Data, &env); uerr != nil || eventsv1.ValidateClientEventType(env.Type) != nil {
				log.Warn().Err(uerr).Str("type", env.Type).Msg("clientstream: dropping non-conforming relayed message")
				continue
			}
			if werr := writeRaw(w, flusher, msg.Data); werr != nil {
				return werr
			}
		case errors.Is(err, broker.ErrTimeout):
			if werr := writeHeartbeat(w, flusher); werr != nil {
				return werr
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			log.Warn().Err(err).Msg("clientstream: receive failed, closing")
			return err
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func writeEvent(w io.Writer, flusher Flusher, typ string, payload any) error {
	env, err := eventsv1.NewEnvelope(typ, payload)
	if err != nil {
		return fmt.Errorf("clientstream: marshal %s: %w", typ, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("clientstream: marshal envelope: %w", err)
	}
	return writeRaw(w, flusher, data)
}

func writeRaw(w io.Writer, flusher Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("clientstream: write: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeHeartbeat(w io.Writer, flusher Flusher) error {
	if _, err := io.WriteString(w, ":heartbeat\n\n"); err != nil {
		return fmt.Errorf("clientstream: heartbeat write: %w", err)
	}
	flusher.Flush()
	return nil
}
