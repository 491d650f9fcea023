// Package client provides a reusable WebSocket load test client for the
// realtime fanout server. It connects using gobwas/ws (the same library the
// server uses), mints its own HS256 tokens, waits for the connected
// confirmation, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// Server -> client envelope types.
const (
	TypeMessageReceived  = "message_received"
	TypeMessageSent      = "message_sent"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
	TypeConnected        = "connected"
	TypeDisconnected     = "disconnected"
	TypeUserOnline       = "user_online"
	TypeUserOffline      = "user_offline"
	TypeLocationReceived = "location_received"
	TypeSessionEnded     = "session_ended"
	TypeError            = "error"
)

// MintToken signs a short-lived HS256 token the server will accept. The load
// test shares the JWT secret with the server under test.
func MintToken(secret, userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents one simulated user attached to one channel. It manages
// the WebSocket lifecycle and dispatches incoming envelopes to registered
// handlers.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	attached  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects a simulated user to the given channel on the given domain
// endpoint (e.g. "ws://localhost:8080/ws/chat"). The connection is
// established immediately and a background goroutine begins reading
// envelopes.
func Dial(ctx context.Context, endpoint, channelID, userID, token string) (*Client, error) {
	u := fmt.Sprintf("%s?channel=%s&token=%s",
		endpoint, url.QueryEscape(channelID), url.QueryEscape(token))

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		attached: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON intent to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendMessage sends one chat message.
func (c *Client) SendMessage(content string) error {
	return c.Send(map[string]string{"type": "send_message", "content": content})
}

// SendTyping sends a typing indicator.
func (c *Client) SendTyping(starting bool) error {
	t := "typing_stop"
	if starting {
		t = "typing_start"
	}
	return c.Send(map[string]string{"type": t})
}

// On registers a handler for a server envelope type. The handler receives the
// full raw JSON of the envelope and runs on the read loop goroutine, so it
// must not block. Registering a second handler for the same type replaces the
// first.
func (c *Client) On(envType string, handler func(json.RawMessage)) {
	c.handlers[envType] = handler
}

// WaitForAttach blocks until the server has confirmed the attachment with a
// connected envelope, or the context is cancelled.
func (c *Client) WaitForAttach(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before attach confirmation")
	case <-c.attached:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the simulated user's id.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads envelopes from the server and dispatches them
// to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentionally closed; not an error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeConnected {
			select {
			case <-c.attached:
			default:
				close(c.attached)
			}
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
