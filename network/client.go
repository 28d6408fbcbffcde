package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/go-hclog"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Handler receives every binary message, in arrival order, on the read
// goroutine. Errors are logged and the connection stays up.
type Handler func(payload []byte) error

// Client manages a WebSocket connection to the server and reconnects
// when it drops. All shared fields are protected by mu.
type Client struct {
	mu sync.RWMutex

	state     ClientState
	lastError error
	conn      *websocket.Conn

	url            string
	handler        Handler
	reconnectDelay time.Duration
	logger         hclog.Logger

	received, rejected, connects atomic.Uint64
}

func NewClient(url string, handler Handler, reconnectDelay time.Duration, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		state:          StateDisconnected,
		url:            url,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		logger:         logger.Named("client"),
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			c.setError(err)
			c.logger.Warn("connection lost", "url", c.url, "error", err, "retry_in", c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastError = nil
	c.mu.Unlock()
	c.connects.Add(1)
	c.logger.Info("connected", "url", c.url)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		c.received.Add(1)
		if err := c.handler(payload); err != nil {
			c.rejected.Add(1)
			c.logger.Debug("payload rejected", "bytes", len(payload), "error", err)
		}
	}
}

// Disconnect closes the current connection. Run reconnects unless its
// context is cancelled too.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Received is the number of binary messages delivered to the handler.
func (c *Client) Received() uint64 { return c.received.Load() }

// Connects is the number of successful connections.
func (c *Client) Connects() uint64 { return c.connects.Load() }

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
}
