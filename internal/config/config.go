package config

import "time"

// Config is the root configuration for a realtime client process.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Resume    ResumeConfig    `yaml:"resume"`
	API       APIConfig       `yaml:"api"`
	Presence  PresenceConfig  `yaml:"presence"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ClientConfig holds websocket transport settings.
type ClientConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`      // Bearer token (wins over token_path)
	TokenPath        string        `yaml:"token_path"` // File holding the bearer token
	UserAgent        string        `yaml:"user_agent"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// RealtimeConfig holds connection manager and routing settings.
type RealtimeConfig struct {
	Channels      []string `yaml:"channels"` // Channels the CLIs subscribe to at startup
	EventBuffer   int      `yaml:"event_buffer"`
	LogHandlerErr bool     `yaml:"log_handler_errors"`
}

// ReconnectConfig holds reconnect policy settings.
// max_attempts < 0 retries forever; jitter < 0 disables jitter.
type ReconnectConfig struct {
	Strategy    string        `yaml:"strategy"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// OutboundConfig holds sender settings.
type OutboundConfig struct {
	Mode       string          `yaml:"mode"` // buffer | reject
	BufferSize int             `yaml:"buffer_size"`
	Overflow   string          `yaml:"overflow"` // reject | drop_oldest
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds the publish token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// ResumeConfig holds post-reconnect resume settings.
type ResumeConfig struct {
	AwaitAck   bool          `yaml:"await_ack"`
	Policy     string        `yaml:"policy"` // drop | buffer
	BufferSize int           `yaml:"buffer_size"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// APIConfig holds Request Executor settings.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// PresenceConfig holds presence settings for the CLIs.
type PresenceConfig struct {
	Identity         string        `yaml:"identity"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	WatchConcurrency int           `yaml:"watch_concurrency"`
}

// ArchiveConfig holds the optional PostgreSQL frame archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
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

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}
