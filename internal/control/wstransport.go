package control

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Timings mirror internal/dashboard/hub.go's Client read/write pump
// exactly: a generous pong wait, pings at 9/10 of that, and a short
// write deadline.
const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// wsTransport adapts a *websocket.Conn to agentsession.Transport. Reads
// and the ping ticker run on separate goroutines the way the teacher
// splits readPump/writePump; WriteFrame and the ping ticker share
// writeMu since gorilla/websocket forbids concurrent writers.
type wsTransport struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	closeOne sync.Once
	stopPing chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t := &wsTransport{conn: conn, stopPing: make(chan struct{})}
	go t.pingLoop()
	return t
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.stopPing:
			return
		}
	}
}

// ReadFrame blocks on the underlying connection's ReadMessage, which
// gorilla/websocket gives no way to cancel directly; ctx cancellation is
// honored by forcing the connection closed, which unblocks the read with
// an error.
func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := t.conn.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return r.data, nil
	case <-ctx.Done():
		_ = t.conn.Close()
		return nil, ctx.Err()
	}
}

func (t *wsTransport) WriteFrame(_ context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOne.Do(func() { close(t.stopPing) })

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()

	return t.conn.Close()
}
