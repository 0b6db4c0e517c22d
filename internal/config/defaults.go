package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultBackoffFactor     = 1.6
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultAckTimeout        = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultStreamBufferSize  = 1024
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultWriterBufferSize  = 10000
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

func (c *StreamdConfig) applyDefaults() {
	// Stream defaults
	if c.Stream.ReconnectDelay == 0 {
		c.Stream.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Stream.MaxReconnectDelay == 0 {
		c.Stream.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.Stream.BackoffFactor == 0 {
		c.Stream.BackoffFactor = DefaultBackoffFactor
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Stream.AckTimeout == 0 {
		c.Stream.AckTimeout = DefaultAckTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = DefaultStreamBufferSize
	}

	// Database defaults
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = DefaultDBPort
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = DefaultDBSSLMode
	}
	if c.Database.Postgres.MaxConns == 0 {
		c.Database.Postgres.MaxConns = DefaultMaxConns
	}
	if c.Database.Postgres.MinConns == 0 {
		c.Database.Postgres.MinConns = DefaultMinConns
	}

	// Writer defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultWriterBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
