// Package broker defines the cluster-wide pub/sub contract of spec.md
// §4.3: channels are unique per-subscriber endpoints, groups are
// fan-out addresses, delivery is at-most-once and best-effort.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelID is a server-unique, 128-bit identifier for one subscriber
// endpoint.
type ChannelID uuid.UUID

func (c ChannelID) String() string { return uuid.UUID(c).String() }

// Message is one delivered unit: the raw bytes published plus the group
// they arrived through (empty for a direct Send).
type Message struct {
	Group string
	Data  []byte
}

// Broker is the cluster-wide pub/sub bus. Implementations must honor:
//   - FIFO per (publisher, subscriber) pair on a single node.
//   - Publish is non-blocking best-effort: a full subscriber buffer
//     drops that subscriber's copy, never the whole group.
//   - No durability: messages not delivered before a subscriber
//     disconnects are lost.
type Broker interface {
	// NewChannel allocates a fresh, server-unique ChannelID and opens its
	// receive buffer. Callers must Close it when done.
	NewChannel() ChannelID

	// Join adds channel to group's membership. Idempotent.
	Join(ctx context.Context, group string, channel ChannelID) error

	// Leave removes channel from group's membership. Idempotent.
	Leave(ctx context.Context, group string, channel ChannelID) error

	// Publish delivers data to every channel currently joined to group.
	// Best-effort: a slow subscriber's drop never affects others, and
	// Publish's return value ignores drops (only transport-level errors
	// talking to the bus itself are returned).
	Publish(ctx context.Context, group string, data []byte) error

	// Send delivers data directly to one channel, bypassing group
	// membership.
	Send(ctx context.Context, channel ChannelID, data []byte) error

	// Receive blocks for up to deadline waiting for the next message on
	// channel. Returns ErrTimeout if the deadline elapses and ErrClosed
	// if the channel has been closed.
	Receive(ctx context.Context, channel ChannelID, deadline time.Duration) (Message, error)

	// Close releases a channel's receive buffer and removes it from
	// every group it had joined.
	Close(channel ChannelID) error
}

// ErrTimeout is returned by Receive when no message arrives before the
// deadline.
var ErrTimeout = fmt.Errorf("broker: receive timeout")

// ErrClosed is returned by Receive (or Send/Join) against a
// channel that has been closed.
var ErrClosed = fmt.Errorf("broker: channel closed")

// Group-naming conventions from spec.md §4.3, kept as functions so call
// sites never hand-format the string themselves.

// ClientGroupForUser is the fan-out address for one user's client
// streams.
func ClientGroupForUser(userID int64) string {
	return fmt.Sprintf("user_%d_clients", userID)
}

// AgentGroup is the control address for one agent's sessions, used by
// the supersede and force_disconnect protocols.
func AgentGroup(agentKey uuid.UUID) string {
	return "agent_" + agentKey.String()
}
