package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultClientBufferSize   = 1024
	DefaultEventBuffer        = 1024
	DefaultReconnectStrategy  = "exponential"
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultMultiplier         = 2.0
	DefaultJitter             = 0.2
	DefaultMaxAttempts        = 10
	DefaultOutboundMode       = "buffer"
	DefaultOutboundBufferSize = 1000
	DefaultOverflow           = "reject"
	DefaultMessagesPerSecond  = 100
	DefaultBurst              = 200
	DefaultResumePolicy       = "drop"
	DefaultResumeBufferSize   = 256
	DefaultAckTimeout         = 5 * time.Second
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultWatchInterval      = 30 * time.Second
	DefaultWatchConcurrency   = 4
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultArchiveBufferSize  = 10000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// Client defaults
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Client.PingInterval == 0 {
		c.Client.PingInterval = DefaultPingInterval
	}
	if c.Client.PingTimeout == 0 {
		c.Client.PingTimeout = DefaultPingTimeout
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}
	if c.Client.BufferSize == 0 {
		c.Client.BufferSize = DefaultClientBufferSize
	}
	if c.Realtime.EventBuffer == 0 {
		c.Realtime.EventBuffer = DefaultEventBuffer
	}

	// Reconnect defaults
	if c.Reconnect.Strategy == "" {
		c.Reconnect.Strategy = DefaultReconnectStrategy
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultJitter
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}

	// Outbound defaults
	if c.Outbound.Mode == "" {
		c.Outbound.Mode = DefaultOutboundMode
	}
	if c.Outbound.BufferSize == 0 {
		c.Outbound.BufferSize = DefaultOutboundBufferSize
	}
	if c.Outbound.Overflow == "" {
		c.Outbound.Overflow = DefaultOverflow
	}
	if c.Outbound.RateLimit.MessagesPerSecond == 0 {
		c.Outbound.RateLimit.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.Outbound.RateLimit.Burst == 0 {
		c.Outbound.RateLimit.Burst = DefaultBurst
	}

	// Resume defaults
	if c.Resume.Policy == "" {
		c.Resume.Policy = DefaultResumePolicy
	}
	if c.Resume.BufferSize == 0 {
		c.Resume.BufferSize = DefaultResumeBufferSize
	}
	if c.Resume.AckTimeout == 0 {
		c.Resume.AckTimeout = DefaultAckTimeout
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Presence defaults
	if c.Presence.WatchInterval == 0 {
		c.Presence.WatchInterval = DefaultWatchInterval
	}
	if c.Presence.WatchConcurrency == 0 {
		c.Presence.WatchConcurrency = DefaultWatchConcurrency
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
