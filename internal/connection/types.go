package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/fluxez/realtime-go/internal/auth"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no ping)")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrMaxReconnectExceeded = errors.New("maximum reconnect attempts exceeded")
)

// State is the lifecycle state of the logical connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is delivered to state observers, in order.
type Transition struct {
	From       State
	To         State
	Err        error // Cause of the transition, if any
	At         time.Time
	Generation uint64 // Transport generation after the transition
}

// Info is a point-in-time view of the connection.
type Info struct {
	State             State
	ReconnectAttempts int
	LastError         error
	Generation        uint64
}

// ConnectionError is a transport-level failure.
type ConnectionError struct {
	Op  string // "dial", "read", "send", "resubscribe", ...
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string            // WebSocket URL (e.g., wss://realtime.example.com/ws)
	Credentials      *auth.Credentials // Bearer token for the handshake (nil = no auth)
	UserAgent        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ResumePolicy decides what happens to inbound frames for a channel whose
// subscribe frame has not been acknowledged yet.
type ResumePolicy string

const (
	ResumeDrop   ResumePolicy = "drop"
	ResumeBuffer ResumePolicy = "buffer"
)

// ResumeConfig configures channel resumption after (re)connect.
type ResumeConfig struct {
	AwaitAck   bool          // Hold channels pending until the server acks the subscribe frame
	Policy     ResumePolicy  // Inbound frames for pending channels
	BufferSize int           // Per-channel buffer for ResumeBuffer
	AckTimeout time.Duration // Resume anyway after this long
}

// DefaultResumeConfig returns defaults: resume immediately after the
// subscribe frame is written.
func DefaultResumeConfig() ResumeConfig {
	return ResumeConfig{
		AwaitAck:   false,
		Policy:     ResumeDrop,
		BufferSize: 256,
		AckTimeout: 5 * time.Second,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client      ClientConfig
	Reconnect   ReconnectConfig
	Resume      ResumeConfig
	EventBuffer int // Buffer for transport events feeding the loop
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:      DefaultClientConfig(),
		Reconnect:   DefaultReconnectConfig(),
		Resume:      DefaultResumeConfig(),
		EventBuffer: 1024,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State             State
	Generation        uint64
	ReconnectAttempts int
	Connects          int64 // Successful opens, initial included
	Dials             int64 // Dial attempts
	FramesIn          int64
	FramesOut         int64
	StaleEvents       int64 // Events from superseded transports
	ProtocolErrors    int64
	PendingChannels   int
}
