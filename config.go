package realtime

import (
	"time"

	"github.com/fluxez/realtime-go/internal/clock"
	"github.com/fluxez/realtime-go/internal/connection"
	"github.com/fluxez/realtime-go/internal/outbound"
	"github.com/fluxez/realtime-go/internal/presence"
	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/router"
	"github.com/fluxez/realtime-go/internal/subscription"
)

// Component types re-exported for callers.
type (
	Frame     = protocol.Frame
	FrameType = protocol.Type
	Handler   = subscription.Handler
	Filter    = subscription.Filter
	Handle    = subscription.Handle

	State      = connection.State
	Transition = connection.Transition
	Info       = connection.Info

	ConnectionConfig = connection.ManagerConfig
	ReconnectConfig  = connection.ReconnectConfig
	ResumeConfig     = connection.ResumeConfig
	OutboundConfig   = outbound.SenderConfig
	RouterConfig     = router.RouterConfig
	Dropped          = outbound.Dropped

	PresenceEntry  = presence.Entry
	PresenceUpdate = presence.Update

	Clock            = clock.Clock
	TransportFactory = connection.ClientFactory
)

// Connection states.
const (
	StateDisconnected = connection.StateDisconnected
	StateConnecting   = connection.StateConnecting
	StateConnected    = connection.StateConnected
	StateReconnecting = connection.StateReconnecting
	StateClosed       = connection.StateClosed
)

// Frame types.
const (
	TypeSubscribe      = protocol.TypeSubscribe
	TypeUnsubscribe    = protocol.TypeUnsubscribe
	TypePublish        = protocol.TypePublish
	TypePresenceUpdate = protocol.TypePresenceUpdate
	TypeAck            = protocol.TypeAck
	TypeError          = protocol.TypeError
)

// APIConfig configures the REST client used for presence.
type APIConfig struct {
	BaseURL      string // Empty disables presence
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Config configures a Client.
type Config struct {
	URL       string // Websocket URL; overrides Connection.Client.URL
	Token     string // Bearer token for the handshake and REST calls
	UserAgent string
	Identity  string // Presence identity; random when empty

	Connection ConnectionConfig
	Outbound   OutboundConfig
	Router     RouterConfig
	API        APIConfig
}

// DefaultConfig returns defaults for every component. URL must still be
// set.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Outbound:   outbound.DefaultSenderConfig(),
		Router:     router.DefaultRouterConfig(),
		API: APIConfig{
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryBackoff: time.Second,
		},
	}
}
