package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamdConfig) Validate() error {
	if c.Stream.URL == "" {
		return errors.New("stream.url is required")
	}
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return fmt.Errorf("stream.url must be a ws:// or wss:// URL, got %q", c.Stream.URL)
	}
	if c.Stream.BackoffFactor < 1 {
		return errors.New("stream.backoff_factor must be >= 1")
	}
	if c.Stream.MaxReconnectDelay < c.Stream.ReconnectDelay {
		return errors.New("stream.max_reconnect_delay must be >= stream.reconnect_delay")
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns must be <= max_conns", prefix)
	}
	return nil
}
