package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Client.URL == "" {
		return errors.New("client.url is required")
	}
	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return fmt.Errorf("client.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Client.BufferSize < 1 {
		return errors.New("client.buffer_size must be >= 1")
	}
	if c.Realtime.EventBuffer < 1 {
		return errors.New("realtime.event_buffer must be >= 1")
	}

	switch c.Reconnect.Strategy {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("reconnect.strategy must be exponential or fixed, got %q", c.Reconnect.Strategy)
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect delays must be >= 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be <= 1, got %g", c.Reconnect.Jitter)
	}

	switch c.Outbound.Mode {
	case "buffer", "reject":
	default:
		return fmt.Errorf("outbound.mode must be buffer or reject, got %q", c.Outbound.Mode)
	}
	switch c.Outbound.Overflow {
	case "reject", "drop_oldest":
	default:
		return fmt.Errorf("outbound.overflow must be reject or drop_oldest, got %q", c.Outbound.Overflow)
	}
	if c.Outbound.BufferSize < 1 {
		return errors.New("outbound.buffer_size must be >= 1")
	}
	if c.Outbound.RateLimit.Enabled && (c.Outbound.RateLimit.MessagesPerSecond <= 0 || c.Outbound.RateLimit.Burst < 1) {
		return errors.New("outbound.rate_limit requires messages_per_second > 0 and burst >= 1")
	}

	switch c.Resume.Policy {
	case "drop", "buffer":
	default:
		return fmt.Errorf("resume.policy must be drop or buffer, got %q", c.Resume.Policy)
	}
	if c.Resume.BufferSize < 1 {
		return errors.New("resume.buffer_size must be >= 1")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.Presence.WatchConcurrency < 1 {
		return errors.New("presence.watch_concurrency must be >= 1")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
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
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
