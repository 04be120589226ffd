// Package agentsim is a reference implementation of the agent side of
// spec.md §4.4/§4.7, used by cmd/fleet-agent-sim and by integration
// tests that need a real WebSocket peer instead of a fake Transport. Its
// connect/ping/read-loop shape mirrors the teacher's
// internal/agent/websocket.go WebSocketClient, adapted from the old
// Authorization-header + protocol.Message wire format to the new
// AgentKey-in-URL + eventsv1.Envelope one.
package agentsim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
)

const (
	pongWait    = 60 * time.Second
	writeWait   = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// Service is one synthetic service the simulated agent reports.
type Service struct {
	ID          string
	Name        string
	Description string
	Version     string
	Schedule    string
	Status      domain.ServiceStatus
	Message     string
}

// Client drives one simulated agent's WebSocket lifecycle: connect,
// announce its service roster, and push status updates on demand. It
// does not implement the server's reconnect/backoff concerns — callers
// that want a long-running agent wrap Client.Run in their own retry loop
// the way WebSocketClient.Run does for the teacher's agent.
type Client struct {
	baseURL string
	log     zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a Client that will dial baseURL (e.g. "ws://localhost:8080")
// plus "/ws/agent/<key>/".
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), log: log.With().Str("component", "agentsim").Logger()}
}

// Connect dials the agent WebSocket for key and sends the initial
// agent.ready frame carrying services.
func (c *Client) Connect(ctx context.Context, key uuid.UUID, services []Service) error {
	url := fmt.Sprintf("%s/ws/agent/%s/", c.baseURL, key.String())

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("agentsim: dial %s: %w", url, err)
	}

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ready := eventsv1.AgentReadyPayload{Services: toServiceData(services)}
	if err := c.send(eventsv1.TypeAgentReady, ready); err != nil {
		conn.Close()
		return fmt.Errorf("agentsim: send agent.ready: %w", err)
	}
	return nil
}

// Run blocks reading frames (mostly just to keep the pong handler fed
// and observe a server-initiated close) until ctx is cancelled or the
// peer closes the connection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agentsim: Run called before Connect")
	}

	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// UpdateServiceStatus sends an agent.service_status_update frame.
func (c *Client) UpdateServiceStatus(serviceID string, status domain.ServiceStatus, message string) error {
	return c.send(eventsv1.TypeAgentServiceStatusUpdate, eventsv1.AgentServiceStatusUpdatePayload{
		ServiceID: serviceID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// AddService sends an agent.service_added frame.
func (c *Client) AddService(svc Service) error {
	return c.send(eventsv1.TypeAgentServiceAdded, eventsv1.AgentServiceAddedPayload{
		Service: toServiceData([]Service{svc})[0],
	})
}

// RemoveService sends an agent.service_removed frame.
func (c *Client) RemoveService(serviceID string) error {
	return c.send(eventsv1.TypeAgentServiceRemoved, eventsv1.AgentServiceRemovedPayload{ServiceID: serviceID})
}

func (c *Client) send(typ string, payload any) error {
	env, err := eventsv1.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("agentsim: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection with a normal close frame.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.conn.Close()
	c.conn = nil
	return err
}

func toServiceData(services []Service) []eventsv1.ServiceData {
	out := make([]eventsv1.ServiceData, len(services))
	for i, s := range services {
		out[i] = eventsv1.ServiceData{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Version:     s.Version,
			Schedule:    s.Schedule,
		}
	}
	return out
}
