package stream

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAckTimeout    = errors.New("acknowledgement timeout")
	ErrAlreadyClosed = errors.New("already closed")
)

// Frame is one decoded message unit on the wire, in either direction.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Event is what subscribers receive. For server frames Raw holds the full
// frame bytes; for locally emitted open/close/error events Raw is nil.
type Event struct {
	Type    string
	Payload json.RawMessage
	Raw     []byte
}

// Handler receives dispatched events. Wildcard handlers registered on "*"
// receive every event with Type set to the originating event type.
type Handler func(ev Event)

// Local event types emitted by the manager itself.
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"

	// Wildcard subscribes to every dispatched event.
	Wildcard = "*"
)

// closeDetail is the payload of a local "close" event.
type closeDetail struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// errorDetail is the payload of a local "error" event.
type errorDetail struct {
	Message string `json:"message"`
}

// SendOptions controls Send behavior.
type SendOptions struct {
	// AwaitAck blocks until a matching ack frame arrives or Timeout expires.
	AwaitAck bool

	// Timeout bounds the wait for the ack. Zero means DefaultAckTimeout.
	Timeout time.Duration
}

// ClientConfig configures a single WebSocket transport.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://host/ws/stream)
	Token        string        // Bearer token for the Authorization header (empty = no auth)
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		BufferSize:   1024,
	}
}

// Config configures the stream Manager.
type Config struct {
	URL               string        // WebSocket URL
	Token             string        // Bearer token passed to the transport
	ReconnectDelay    time.Duration // Base backoff delay between reconnect attempts
	MaxReconnectDelay time.Duration // Backoff cap
	BackoffFactor     float64       // Backoff growth factor per closed cycle
	HeartbeatInterval time.Duration // Interval between ping probes while open
	AckTimeout        time.Duration // Default wait for acknowledged sends
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Inbound frame channel buffer size
}

// Default configuration values.
const (
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultBackoffFactor     = 1.6
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultAckTimeout        = 5 * time.Second
)

// DefaultConfig returns a Config with defaults for everything but the URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    DefaultReconnectDelay,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		BackoffFactor:     DefaultBackoffFactor,
		HeartbeatInterval: DefaultHeartbeatInterval,
		AckTimeout:        DefaultAckTimeout,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1024,
	}
}

// withDefaults fills zero fields so a partially built Config behaves.
func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	return c
}
