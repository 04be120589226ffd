// Package localbroker implements broker.Broker entirely in-process,
// valid for single-node deployments and as the default in unit tests
// (spec.md §9, Open Questions: "the in-memory variant is valid only for
// single-node test runs"). The per-channel buffered-queue-with-drop
// idiom is adapted from the teacher's Hub.broadcasts queue
// (internal/dashboard/hub.go), generalized from "one queue for all
// browsers" to "one buffer per joined channel".
package localbroker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultBufferSize is the per-subscriber outbound buffer (spec.md §6:
// "default 64 messages").
const defaultBufferSize = 64

type subscriber struct {
	mu     sync.Mutex
	ch     chan broker.Message
	closed bool
}

// Broker is the in-memory implementation of broker.Broker.
type Broker struct {
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers map[broker.ChannelID]*subscriber
	groups      map[string]map[broker.ChannelID]bool

	bufferSize int
}

// New creates an in-memory Broker.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		log:         log.With().Str("component", "localbroker").Logger(),
		subscribers: make(map[broker.ChannelID]*subscriber),
		groups:      make(map[string]map[broker.ChannelID]bool),
		bufferSize:  defaultBufferSize,
	}
}

func (b *Broker) NewChannel() broker.ChannelID {
	id := broker.ChannelID(uuid.New())
	b.mu.Lock()
	b.subscribers[id] = &subscriber{ch: make(chan broker.Message, b.bufferSize)}
	b.mu.Unlock()
	return id
}

func (b *Broker) Join(_ context.Context, group string, channel broker.ChannelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel]; !ok {
		return broker.ErrClosed
	}
	members, ok := b.groups[group]
	if !ok {
		members = make(map[broker.ChannelID]bool)
		b.groups[group] = members
	}
	members[channel] = true
	return nil
}

func (b *Broker) Leave(_ context.Context, group string, channel broker.ChannelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.groups[group]; ok {
		delete(members, channel)
		if len(members) == 0 {
			delete(b.groups, group)
		}
	}
	return nil
}

func (b *Broker) Publish(_ context.Context, group string, data []byte) error {
	b.mu.RLock()
	members := make([]broker.ChannelID, 0, len(b.groups[group]))
	for id := range b.groups[group] {
		members = append(members, id)
	}
	subs := make([]*subscriber, 0, len(members))
	for _, id := range members {
		if s, ok := b.subscribers[id]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, broker.Message{Group: group, Data: data})
	}
	return nil
}

func (b *Broker) Send(_ context.Context, channel broker.ChannelID, data []byte) error {
	b.mu.RLock()
	s, ok := b.subscribers[channel]
	b.mu.RUnlock()
	if !ok {
		return broker.ErrClosed
	}
	b.deliver(s, broker.Message{Data: data})
	return nil
}

// deliver is non-blocking: a full buffer drops the message for this
// subscriber only, never the whole group.
func (b *Broker) deliver(s *subscriber, msg broker.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		b.log.Warn().Msg("subscriber buffer full, dropping message")
	}
}

func (b *Broker) Receive(ctx context.Context, channel broker.ChannelID, deadline time.Duration) (broker.Message, error) {
	b.mu.RLock()
	s, ok := b.subscribers[channel]
	b.mu.RUnlock()
	if !ok {
		return broker.Message{}, broker.ErrClosed
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return broker.Message{}, broker.ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return broker.Message{}, broker.ErrTimeout
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	}
}

func (b *Broker) Close(channel broker.ChannelID) error {
	b.mu.Lock()
	s, ok := b.subscribers[channel]
	if ok {
		delete(b.subscribers, channel)
		for group, members := range b.groups {
			delete(members, channel)
			if len(members) == 0 {
				delete(b.groups, group)
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	return nil
}
