package agentsession

import "context"

// Transport is the capability set a Session needs from its underlying
// connection, kept narrow so the gorilla/websocket adapter lives in
// internal/control while this package stays transport-agnostic and
// testable against a fake, grounded on the read/write-pump split of the
// teacher's internal/dashboard/hub.go.
type Transport interface {
	// ReadFrame blocks until one inbound message arrives, the peer
	// closes, or ctx is cancelled.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one outbound message.
	WriteFrame(ctx context.Context, data []byte) error

	// Close closes the underlying connection with a WS-style close code
	// and reason, unblocking any in-flight ReadFrame.
	Close(code int, reason string) error
}
