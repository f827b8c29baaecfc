package config

import (
	"golang.org/x/time/rate"

	"github.com/fluxez/realtime-go/internal/auth"
	"github.com/fluxez/realtime-go/internal/connection"
	"github.com/fluxez/realtime-go/internal/outbound"
)

// Credentials loads the bearer token. It returns nil, nil when neither
// client.token nor client.token_path is set.
func (c *Config) Credentials() (*auth.Credentials, error) {
	if c.Client.Token == "" && c.Client.TokenPath == "" {
		return nil, nil
	}
	return auth.LoadCredentials(c.Client.Token, c.Client.TokenPath)
}

// ManagerConfig converts the client, realtime, reconnect and resume
// sections. Credentials are attached by the caller.
func (c *Config) ManagerConfig() connection.ManagerConfig {
	maxAttempts := c.Reconnect.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	jitter := c.Reconnect.Jitter
	if jitter < 0 {
		jitter = 0
	}

	return connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:              c.Client.URL,
			UserAgent:        c.Client.UserAgent,
			HandshakeTimeout: c.Client.HandshakeTimeout,
			PingInterval:     c.Client.PingInterval,
			PingTimeout:      c.Client.PingTimeout,
			WriteTimeout:     c.Client.WriteTimeout,
			BufferSize:       c.Client.BufferSize,
		},
		Reconnect: connection.ReconnectConfig{
			Strategy:    c.Reconnect.Strategy,
			BaseDelay:   c.Reconnect.BaseDelay,
			MaxDelay:    c.Reconnect.MaxDelay,
			Multiplier:  c.Reconnect.Multiplier,
			Jitter:      jitter,
			MaxAttempts: maxAttempts,
		},
		Resume: connection.ResumeConfig{
			AwaitAck:   c.Resume.AwaitAck,
			Policy:     connection.ResumePolicy(c.Resume.Policy),
			BufferSize: c.Resume.BufferSize,
			AckTimeout: c.Resume.AckTimeout,
		},
		EventBuffer: c.Realtime.EventBuffer,
	}
}

// SenderConfig converts the outbound section.
func (c *Config) SenderConfig() outbound.SenderConfig {
	return outbound.SenderConfig{
		Mode:       outbound.Mode(c.Outbound.Mode),
		BufferSize: c.Outbound.BufferSize,
		Overflow:   outbound.Overflow(c.Outbound.Overflow),
		RateLimit: outbound.RateLimitConfig{
			Enabled:           c.Outbound.RateLimit.Enabled,
			MessagesPerSecond: rate.Limit(c.Outbound.RateLimit.MessagesPerSecond),
			Burst:             c.Outbound.RateLimit.Burst,
		},
	}
}
