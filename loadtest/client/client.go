// Package client provides a WebSocket load test client for the Voyago chat
// server. It authenticates with a signed platform token, waits for the
// session_created frame, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeRoomHistory    = "room_history"
	TypeNewMessage     = "new_message"
	TypeEvicted        = "evicted"
	TypeError          = "error"
	TypePong           = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Signer mints platform tokens for simulated users.
type Signer struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Token returns an HS256 token whose subject is userID.
func (s Signer) Token(userID string) (string, error) {
	now := time.Now()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.Issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
}

// Client represents a single simulated user connection.
type Client struct {
	conn      net.Conn
	userID    string
	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)
	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time

	sessionID atomic.Value // string
	connect   time.Duration
	sessionAt atomic.Int64 // nanoseconds from dial start
	received  atomic.Int64
	sent      atomic.Int64
	errors    atomic.Int64
}

// Options configure a dial.
type Options struct {
	Signer Signer
	// ForwardedFor is sent as X-Forwarded-For so the server's per-IP
	// handshake limit sees each simulated user as a distinct client.
	ForwardedFor string
}

// New dials serverURL as userID. The token is passed in the query string,
// which is what browsers do since they cannot set handshake headers.
func New(ctx context.Context, serverURL, userID string, opts Options) (*Client, error) {
	signer := opts.Signer
	token, err := signer.Token(userID)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	var dialer ws.Dialer
	if opts.ForwardedFor != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"X-Forwarded-For": []string{opts.ForwardedFor}})
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
		start:    start,
		connect:  time.Since(start),
	}
	c.sessionID.Store("")

	go c.readLoop()

	return c, nil
}

// UserID returns the simulated user's id.
func (c *Client) UserID() string { return c.userID }

// SessionID returns the session id assigned by the server, or "" before
// session_created arrives.
func (c *Client) SessionID() string { return c.sessionID.Load().(string) }

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Join asks to enter roomID.
func (c *Client) Join(roomID string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "roomId": roomID})
}

// Say posts a text message to roomID.
func (c *Client) Say(roomID, content string) error {
	return c.Send(map[string]string{
		"type":        TypeSendMessage,
		"roomId":      roomID,
		"content":     content,
		"messageType": "text",
	})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(map[string]string{"type": TypePing})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine; registering twice for a type replaces the first handler.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[msgType] = handler
	c.handlerMu.Unlock()
}

// WaitForSession blocks until session_created arrives, the connection
// closes, or ctx is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

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

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connect,
		SessionLatency:   time.Duration(c.sessionAt.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeSessionCreated && c.SessionID() == "" {
			c.sessionID.Store(envelope.SessionID)
			c.sessionAt.Store(int64(time.Since(c.start)))
			close(c.session)
		}
		if envelope.Type == TypeError {
			c.errors.Add(1)
		}

		c.handlerMu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.handlerMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
