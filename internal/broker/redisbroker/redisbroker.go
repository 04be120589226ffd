// Package redisbroker implements broker.Broker across a cluster of
// server replicas using Redis Pub/Sub, grounded on the Redis-backed
// agent message broker pattern in the retrieved developer-mesh
// reference (apps/mcp-server/internal/api/websocket/agent_message_broker.go):
// one underlying subscription per group, fanned out in-process to every
// local ChannelID that joined it. This satisfies spec.md §4.3's
// "fan-out that must survive multiple server replicas" without requiring
// one Redis connection per subscriber.
package redisbroker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/broker"
)

// publishTimeout bounds every call into Redis so a misbehaving bus never
// blocks a session indefinitely (spec.md §5: "a few seconds").
const publishTimeout = 3 * time.Second

const defaultBufferSize = 64

type localSub struct {
	mu     sync.Mutex
	ch     chan broker.Message
	closed bool
	groups map[string]bool
}

// groupSub tracks the single Redis subscription backing one group and
// the set of local ChannelIDs currently fanned out from it.
type groupSub struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	members map[broker.ChannelID]bool
}

// Broker is the Redis-backed implementation of broker.Broker.
type Broker struct {
	rdb *redis.Client
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[broker.ChannelID]*localSub
	groups map[string]*groupSub
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (created from appConfig.RedisAddr in cmd/fleet-controld).
func New(rdb *redis.Client, log zerolog.Logger) *Broker {
	return &Broker{
		rdb:    rdb,
		log:    log.With().Str("component", "redisbroker").Logger(),
		subs:   make(map[broker.ChannelID]*localSub),
		groups: make(map[string]*groupSub),
	}
}

func (b *Broker) NewChannel() broker.ChannelID {
	id := broker.ChannelID(uuid.New())
	b.mu.Lock()
	b.subs[id] = &localSub{
		ch:     make(chan broker.Message, defaultBufferSize),
		groups: make(map[string]bool),
	}
	b.mu.Unlock()
	return id
}

func (b *Broker) Join(ctx context.Context, group string, channel broker.ChannelID) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if !ok {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	if sub.groups[group] {
		b.mu.Unlock()
		return nil // idempotent
	}
	sub.groups[group] = true

	g, exists := b.groups[group]
	if !exists {
		gctx, cancel := context.WithCancel(context.Background())
		ps := b.rdb.Subscribe(gctx, group)
		g = &groupSub{pubsub: ps, cancel: cancel, members: make(map[broker.ChannelID]bool)}
		b.groups[group] = g
		go b.pump(gctx, group, ps)
	}
	g.members[channel] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) Leave(_ context.Context, group string, channel broker.ChannelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[channel]; ok {
		delete(sub.groups, group)
	}
	g, ok := b.groups[group]
	if !ok {
		return nil
	}
	delete(g.members, channel)
	if len(g.members) == 0 {
		g.cancel()
		_ = g.pubsub.Close()
		delete(b.groups, group)
	}
	return nil
}

// pump runs for the lifetime of one group's Redis subscription, fanning
// each received message out to every local member.
func (b *Broker) pump(ctx context.Context, group string, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.fanOut(group, []byte(m.Payload))
		}
	}
}

func (b *Broker) fanOut(group string, data []byte) {
	b.mu.RLock()
	g, ok := b.groups[group]
	if !ok {
		b.mu.RUnlock()
		return
	}
	members := make([]broker.ChannelID, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	subs := make([]*localSub, 0, len(members))
	for _, id := range members {
		if s, ok := b.subs[id]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, broker.Message{Group: group, Data: data})
	}
}

func (b *Broker) deliver(s *localSub, msg broker.Message) {
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

func (b *Broker) Publish(ctx context.Context, group string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, group, data).Err(); err != nil {
		b.log.Warn().Err(err).Str("group", group).Msg("publish failed, swallowing per best-effort contract")
	}
	return nil
}

func (b *Broker) Send(_ context.Context, channel broker.ChannelID, data []byte) error {
	b.mu.RLock()
	s, ok := b.subs[channel]
	b.mu.RUnlock()
	if !ok {
		return broker.ErrClosed
	}
	b.deliver(s, broker.Message{Data: data})
	return nil
}

func (b *Broker) Receive(ctx context.Context, channel broker.ChannelID, deadline time.Duration) (broker.Message, error) {
	b.mu.RLock()
	s, ok := b.subs[channel]
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
	s, ok := b.subs[channel]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, channel)
	for group := range s.groups {
		if g, ok := b.groups[group]; ok {
			delete(g.members, channel)
			if len(g.members) == 0 {
				g.cancel()
				_ = g.pubsub.Close()
				delete(b.groups, group)
			}
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	return nil
}
