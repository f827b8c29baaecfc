package router

import (
	"fmt"
	"time"

	"github.com/fluxez/realtime-go/internal/protocol"
)

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	// SlowHandlerThreshold logs a warning when one handler call takes
	// longer than this. Zero disables the check.
	SlowHandlerThreshold time.Duration
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SlowHandlerThreshold: 250 * time.Millisecond,
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	FramesReceived  int64 // Frames passed to Dispatch
	FramesUnrouted  int64 // Frames for channels without handlers
	Deliveries      int64 // Successful handler invocations
	Filtered        int64 // Handler skipped by its filter
	HandlerErrors   int64 // Handler returned an error, or it or its filter panicked
	SlowInvocations int64
	Cancelled       int64 // Handlers skipped because the frame's connection went away mid-dispatch
}

// HandlerError wraps a failure inside a subscriber callback. It is
// logged and counted, never returned to the connection.
type HandlerError struct {
	Channel   string
	HandleID  uint64
	FrameID   string
	FrameType protocol.Type
	Panic     any  // Recovered value when the handler panicked
	InFilter  bool // The panic came from the filter
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil && e.InFilter {
		return fmt.Sprintf("filter of handler %d on %q panicked: %v", e.HandleID, e.Channel, e.Panic)
	}
	if e.Panic != nil {
		return fmt.Sprintf("handler %d on %q panicked: %v", e.HandleID, e.Channel, e.Panic)
	}
	return fmt.Sprintf("handler %d on %q failed: %v", e.HandleID, e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
