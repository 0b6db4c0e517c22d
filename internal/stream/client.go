package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a single duplex connection carrying discrete frames.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Frames returns a channel of raw inbound frames.
	Frames() <-chan []byte

	// Errors returns a channel of connection errors. The read loop pushes
	// exactly one error here when the connection dies.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements Transport over a gorilla WebSocket connection.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	frames chan []byte
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates a new WebSocket transport.
func NewClient(cfg ClientConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan []byte, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the WebSocket endpoint and starts the read loop.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the inbound frame channel.
func (c *client) Frames() <-chan []byte {
	return c.frames
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads frames from the WebSocket and pushes them to the frames
// channel until the connection dies or Close is called.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case c.frames <- data:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame")
		}
	}
}
