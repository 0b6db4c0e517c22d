package config

import "time"

// StreamdConfig is the root configuration for a streamd instance.
type StreamdConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DatabaseConfig `yaml:"database"`
	Writers  WritersConfig  `yaml:"writers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this streamd.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds backend stream connection settings.
type StreamConfig struct {
	URL               string        `yaml:"url"`                 // e.g., wss://backend/ws/stream
	Token             string        `yaml:"token"`               // Bearer token (optional)
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`     // Base backoff delay
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"` // Backoff cap
	BackoffFactor     float64       `yaml:"backoff_factor"`      // Backoff growth per closed cycle
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`  // Ping probe interval
	AckTimeout        time.Duration `yaml:"ack_timeout"`         // Default acknowledged-send wait
	WriteTimeout      time.Duration `yaml:"write_timeout"`       // Write deadline for sends
	BufferSize        int           `yaml:"buffer_size"`         // Inbound frame buffer
}

// DatabaseConfig holds the Postgres connection for recorded stream data.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
