package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
)

const (
	// writeWait bounds every write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// loop gives up on it.
	pongWait = 60 * time.Second
	// pingInterval must be shorter than pongWait.
	pingInterval = 54 * time.Second

	defaultSendBuffer = 256
)

// Client implements feltwire.Client and hub.Conn for one WebSocket
// session. The write pump is the only goroutine writing to the socket.
type Client struct {
	conn       *websocket.Conn
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	log        zerolog.Logger

	mu       sync.RWMutex
	id       string
	userID   string
	username string
	closed   bool
}

func newClient(conn *websocket.Conn, remoteAddr string, sendBuffer int, log zerolog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		conn:       conn,
		remoteAddr: remoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, sendBuffer),
		log:        log,
	}

	go client.writePump()

	return client
}

// ID returns the broker-assigned connection id.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// AssignID is called by the core once, during registration.
func (c *Client) AssignID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// UserID returns the authenticated user id, or "" before auth.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the authenticated username, or "" before auth.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// BindIdentity attaches the authenticated identity. Called only by the
// core worker.
func (c *Client) BindIdentity(userID, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}

// ClearIdentity detaches the identity, on logout or displacement.
func (c *Client) ClearIdentity() {
	c.mu.Lock()
	c.userID = ""
	c.username = ""
	c.mu.Unlock()
}

// RemoteAddr returns the client's remote network address.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send encodes msg and queues it on the bounded send buffer without
// blocking. A full buffer is an error: the broker closes slow consumers
// instead of stalling on them.
func (c *Client) Send(msg *feltwire.Message) error {
	data, err := feltwire.EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(feltwire.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return errors.New(feltwire.ErrSendBufferFull)
	}
}

// Kick closes the connection asynchronously with a policy-violation
// close code. Never blocks the caller.
func (c *Client) Kick(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.CloseWithCode(ctx, websocket.ClosePolicyViolation, reason)
	}()
}

// Close closes the client connection gracefully.
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional
// reason. Idempotent.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active.
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump drains the send buffer onto the socket and emits the
// keepalive ping on its own timer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
