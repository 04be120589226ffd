// Package agentsession implements the Agent Session state machine of
// spec.md §4.4: Connecting → Authenticated → Active → Draining → Closed,
// including the supersede protocol and the grace-period disconnect
// debounce. The transport is abstracted behind Transport so the state
// machine itself never imports gorilla/websocket — that adapter lives in
// internal/control, mirroring the teacher's split between the connection
// goroutines and the domain logic that reacts to their events
// (internal/dashboard/hub.go).
package agentsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/dispatch"
	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
	"github.com/fleetcontrol/control-plane/internal/store"
)

// controlPollInterval bounds how long controlLoop's Receive call blocks
// before rechecking ctx, so cancellation is never stuck behind a long
// broker timeout.
const controlPollInterval = 2 * time.Second

// drainTimeout bounds the store writes performed while draining, which
// intentionally run on a context detached from the connection's own
// (likely already-cancelled) request context.
const drainTimeout = 5 * time.Second

// Session drives one agent connection from accept to close.
type Session struct {
	store     store.Store
	broker    broker.Broker
	transport Transport
	log       zerolog.Logger

	agent             domain.Agent
	channel           broker.ChannelID
	agentGroup        string
	superseded        atomic.Bool
	forceDisconnected atomic.Bool
}

// New builds a Session ready to Run over transport.
func New(s store.Store, b broker.Broker, transport Transport, log zerolog.Logger) *Session {
	return &Session{store: s, broker: b, transport: transport, log: log}
}

// Run drives the full session lifecycle for the agent named by
// agentKeyRaw, blocking until the connection ends. It always returns
// after closing transport; the returned error is nil for any ordinary
// connection lifecycle (including peer-initiated close) and non-nil only
// for a rejected connect.
func (s *Session) Run(ctx context.Context, agentKeyRaw, remoteIP string) error {
	key, err := uuid.Parse(agentKeyRaw)
	if err != nil {
		s.transport.Close(4001, "invalid agent key")
		return fmt.Errorf("agentsession: %w", ferrors.ErrBadInput)
	}

	agent, err := s.store.GetAgentByKey(ctx, key)
	if err != nil || agent.RegistrationStatus != domain.AgentRegistered {
		s.transport.Close(4001, "unknown or unregistered agent")
		return fmt.Errorf("agentsession: %w", ferrors.ErrUnauthenticated)
	}
	s.agent = agent
	s.agentGroup = broker.AgentGroup(key)
	s.channel = s.broker.NewChannel()
	s.log = s.log.With().Str("agent_key", key.String()).Int64("agent_id", int64(agent.ID)).Logger()

	if err := s.publishSupersede(ctx); err != nil {
		s.log.Warn().Err(err).Msg("supersede publish failed, continuing best-effort")
	}

	if err := s.broker.Join(ctx, s.agentGroup, s.channel); err != nil {
		s.broker.Close(s.channel)
		s.transport.Close(1011, "join failed")
		return fmt.Errorf("agentsession: join: %w", err)
	}

	if err := s.store.UpdateAgentIP(ctx, agent.ID, remoteIP); err != nil {
		s.log.Warn().Err(err).Msg("update agent ip failed")
	}

	s.runActive(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.drain(drainCtx)

	return nil
}

func (s *Session) publishSupersede(ctx context.Context) error {
	env, err := eventsv1.NewEnvelope(eventsv1.TypeControlSupersede, eventsv1.ControlSupersedePayload{
		NewChannel: s.channel.String(),
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, s.agentGroup, data)
}

// runActive blocks until the frame-reading loop exits (transport error,
// peer close, or supersession) and returns with the control loop also
// stopped.
func (s *Session) runActive(ctx context.Context) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.controlLoop(actx, cancel)
	}()

	s.frameLoop(actx)
	cancel()
	<-done
}

func (s *Session) frameLoop(ctx context.Context) {
	for {
		data, err := s.transport.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("transport read ended")
			}
			return
		}

		var env eventsv1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("malformed frame, ignoring")
			continue
		}

		evt, err := eventsv1.DecodeAgentEvent(&env)
		if err != nil {
			s.log.Warn().Err(err).Str("type", env.Type).Msg("invalid agent event, ignoring")
			continue
		}

		if err := dispatch.Dispatch(ctx, s.store, s.log, s.agent, evt); err != nil {
			s.log.Error().Err(err).Str("type", env.Type).Msg("dispatch failed")
		}
	}
}

// controlLoop watches the session's own broker channel for a
// control.supersede message naming a different channel (a newer session
// has taken over this AgentKey) or a control.force_disconnect (the agent
// was unregistered and every live session must tear down now).
func (s *Session) controlLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		msg, err := s.broker.Receive(ctx, s.channel, controlPollInterval)
		if err != nil {
			if errors.Is(err, broker.ErrTimeout) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}

		var env eventsv1.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			continue
		}

		switch env.Type {
		case eventsv1.TypeControlSupersede:
			var p eventsv1.ControlSupersedePayload
			if err := env.ParsePayload(&p); err != nil {
				continue
			}
			if p.NewChannel == s.channel.String() {
				continue // our own publish echoed back
			}
			s.superseded.Store(true)
			cancel()
			return

		case eventsv1.TypeControlForceDisconnect:
			s.forceDisconnected.Store(true)
			cancel()
			return
		}
	}
}

// drain implements the Draining state: superseded sessions never touch
// persistent state; the live session records LastSeen and either marks
// disconnected immediately (GracePeriod == 0) or schedules a deferred
// graceCheck that runs independently of this connection's lifecycle.
func (s *Session) drain(ctx context.Context) {
	defer s.cleanup(ctx)

	if s.superseded.Load() {
		s.log.Info().Msg("session superseded, skipping store writes")
		s.transport.Close(4000, "superseded by a newer connection")
		return
	}
	if s.forceDisconnected.Load() {
		s.log.Info().Msg("session force-disconnected, skipping store writes")
		s.transport.Close(4002, "unregistered by server")
		return
	}

	wasLive, err := s.store.TouchLastSeen(ctx, s.agent.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("touch last seen failed")
		s.transport.Close(1011, "internal error")
		return
	}
	if !wasLive {
		// Another session already recorded a disconnect for this agent;
		// nothing further for this one to do.
		s.transport.Close(1000, "")
		return
	}

	if s.agent.GracePeriod <= 0 {
		if err := s.store.MarkDisconnected(ctx, s.agent.ID); err != nil {
			s.log.Warn().Err(err).Msg("mark disconnected failed")
		}
		s.transport.Close(1000, "")
		return
	}

	s.scheduleGraceCheck()
	s.transport.Close(1000, "")
}

// scheduleGraceCheck runs graceCheck on its own timer, deliberately
// decoupled from the connection's context: the connection is already
// gone by the time this fires.
func (s *Session) scheduleGraceCheck() {
	agentID := s.agent.ID
	st := s.store
	log := s.log
	time.AfterFunc(s.agent.GracePeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		agent, err := st.GetAgentByID(ctx, agentID)
		if err != nil {
			log.Warn().Err(err).Msg("grace check: agent lookup failed")
			return
		}
		if agent.LastSeen == nil {
			log.Debug().Msg("grace check: agent reconnected within grace period")
			return
		}
		if err := st.MarkDisconnected(ctx, agentID); err != nil {
			log.Warn().Err(err).Msg("grace check: mark disconnected failed")
		}
	})
}

func (s *Session) cleanup(ctx context.Context) {
	if err := s.broker.Leave(ctx, s.agentGroup, s.channel); err != nil {
		s.log.Debug().Err(err).Msg("leave group failed")
	}
	if err := s.broker.Close(s.channel); err != nil {
		s.log.Debug().Err(err).Msg("close channel failed")
	}
}
