// Package client provides a lightweight WebSocket load test client for the
// relay. It connects using gobwas/ws (the same library the server uses), waits
// for the connected greeting, and tracks per-connection performance metrics.
// Unlike internal/client it keeps no message history and never reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sockrelay/chat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // TCP + upgrade
	GreetingLatency  time.Duration // dial start to connected event
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection. It dispatches
// incoming events to registered handlers from its read goroutine.
type Client struct {
	conn    net.Conn
	start   time.Time
	writeMu sync.Mutex

	mu       sync.Mutex
	id       string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	greeted   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to url and starts reading in the background. Handlers should
// be registered with On before the events they care about can arrive; the
// connected greeting is always handled internally.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		start:    start,
		handlers: make(map[string]func(json.RawMessage)),
		greeted:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send emits one client event. It is goroutine-safe.
func (c *Client) Send(eventType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(eventType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// On registers a handler for one server event type. The handler receives the
// event payload. Registering a second handler for the same type replaces the
// first.
func (c *Client) On(eventType string, handler func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// WaitForGreeting blocks until the server has sent the connected event or
// the context is cancelled.
func (c *Client) WaitForGreeting(ctx context.Context) error {
	select {
	case <-c.greeted:
		return nil
	case <-c.done:
		return errors.New("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the connection ID assigned by the server, or an empty string
// before the greeting.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
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

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads server frames until the connection fails or is closed.
// Pings are answered by wsutil.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeConnected {
			c.greet(env.Data)
		}
		if handler != nil {
			handler(env.Data)
		}
	}
}

func (c *Client) greet(data json.RawMessage) {
	var msg protocol.ConnectedMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return
	}

	c.mu.Lock()
	first := c.id == ""
	if first {
		c.id = msg.ID
		c.metrics.GreetingLatency = time.Since(c.start)
	}
	c.mu.Unlock()

	if first {
		close(c.greeted)
	}
}
