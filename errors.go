package realtime

import (
	"errors"

	"github.com/fluxez/realtime-go/internal/api"
	"github.com/fluxez/realtime-go/internal/connection"
	"github.com/fluxez/realtime-go/internal/outbound"
	"github.com/fluxez/realtime-go/internal/presence"
	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/router"
)

// Error types, matched with errors.As.
type (
	ConnectionError = connection.ConnectionError
	ProtocolError   = protocol.ProtocolError
	HandlerError    = router.HandlerError
	PresenceError   = presence.PresenceError
	APIError        = api.APIError
)

// Sentinel errors, matched with errors.Is.
var (
	ErrNotConnected         = connection.ErrNotConnected
	ErrAlreadyClosed        = connection.ErrAlreadyClosed
	ErrMaxReconnectExceeded = connection.ErrMaxReconnectExceeded
	ErrStaleConnection      = connection.ErrStaleConnection
	ErrBufferFull           = outbound.ErrBufferFull
	ErrAlreadyJoined        = presence.ErrAlreadyJoined
	ErrNotJoined            = presence.ErrNotJoined

	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrNoExecutor          = errors.New("presence requires an API base URL")
)
