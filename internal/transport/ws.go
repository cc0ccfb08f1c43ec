// Package transport maintains the WebSocket connection to the chat backend:
// one read loop feeding normalized events to a handler, a keepalive ping
// loop, and serialized JSON writes for outbound commands.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/pkg/logger"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrClosed reports a send on a closed connection.
var ErrClosed = errors.New("transport closed")

// Handler consumes normalized inbound events.
type Handler interface {
	HandleEvent(ev event.Event)
}

// Client is one WebSocket connection to the backend.
type Client struct {
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex
	closed  bool
}

// Dial connects to wsURL and returns a client ready to Run. wsURL is used
// as given; callers carrying a user identity encode it into the URL's query
// before dialing.
func Dial(ctx context.Context, wsURL string, handler Handler) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Client{conn: conn, handler: handler}, nil
}

// Run reads envelopes until the context is cancelled or the connection
// drops. Unknown envelope types are logged and skipped; they are not errors
// for the session.
func (c *Client) Run(ctx context.Context) error {
	go c.pingLoop(ctx)

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var env event.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("[transport] read error: %v", err)
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, err := event.Normalize(env)
		if err != nil {
			if errors.Is(err, event.ErrUnknownType) {
				logger.Debugf("[transport] skipping envelope: %v", err)
				continue
			}
			logger.Warnf("[transport] malformed envelope type=%s: %v", env.Type, err)
			continue
		}
		c.handler.HandleEvent(ev)
	}
}

// Send writes one outbound envelope.
func (c *Client) Send(env event.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.closed {
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
