// Package outbound implements the Outbound Sender: it encodes frames and
// writes them to the live transport, buffering or rejecting them while
// the connection is down.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fluxez/realtime-go/internal/connection"
	"github.com/fluxez/realtime-go/internal/protocol"
)

// Errors
var (
	ErrBufferFull = errors.New("outbound buffer full")
)

// Mode selects what Send does while not connected.
type Mode string

const (
	// ModeBuffer queues frames and flushes them on the next connect.
	ModeBuffer Mode = "buffer"
	// ModeReject fails the send with a ConnectionError.
	ModeReject Mode = "reject"
)

// RateLimitConfig bounds how fast frames are written.
type RateLimitConfig struct {
	Enabled           bool
	MessagesPerSecond rate.Limit
	Burst             int
}

// DefaultRateLimitConfig returns 100 messages/s with a burst of 200,
// disabled.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		MessagesPerSecond: 100,
		Burst:             200,
	}
}

// SenderConfig configures the Outbound Sender.
type SenderConfig struct {
	Mode       Mode
	BufferSize int
	Overflow   Overflow
	RateLimit  RateLimitConfig
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Mode:       ModeBuffer,
		BufferSize: 1000,
		Overflow:   OverflowReject,
		RateLimit:  DefaultRateLimitConfig(),
	}
}

// DropReason says why an accepted frame was never written.
type DropReason string

const (
	DropOverflow   DropReason = "overflow"    // Evicted by drop_oldest
	DropClosed     DropReason = "closed"      // Connection closed with the frame still buffered
	DropSendFailed DropReason = "send_failed" // Flush write failed permanently
)

// Dropped reports a buffered frame that will not be sent.
type Dropped struct {
	Frame  protocol.Frame
	Reason DropReason
	Err    error
}

// Transport is the connection the sender writes to.
type Transport interface {
	Send(data []byte) error
	State() connection.State
}

// SenderStats contains runtime statistics.
type SenderStats struct {
	Sent     int64 // Frames written to the transport
	Buffered int64 // Frames accepted into the buffer
	Rejected int64 // Sends refused synchronously
	Dropped  int64 // Buffered frames reported to drop observers
	Queued   int   // Frames currently buffered
}

type pending struct {
	frame protocol.Frame
	data  []byte
}

// Sender writes frames to the transport. Safe for concurrent use.
type Sender struct {
	cfg       SenderConfig
	transport Transport
	queue     *Queue[pending]
	limiter   *rate.Limiter
	logger    *slog.Logger

	// qmu serializes queue mutation with flushing so frames leave in order.
	qmu sync.Mutex

	mu        sync.Mutex
	closed    bool
	observers []func(Dropped)
	stats     SenderStats
}

// NewSender creates a sender writing to transport.
func NewSender(cfg SenderConfig, transport Transport, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBuffer
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultSenderConfig().BufferSize
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	return &Sender{
		cfg:       cfg,
		transport: transport,
		queue:     NewQueue[pending](cfg.BufferSize, cfg.Overflow),
		limiter:   limiter,
		logger:    logger,
	}
}

// OnDropped registers an observer for buffered frames that are lost.
func (s *Sender) OnDropped(fn func(Dropped)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Send encodes frame and writes it, or handles it per Mode while the
// connection is down. A nil error means the frame was written or
// buffered; a buffered frame that is later lost is reported to
// OnDropped observers.
func (s *Sender) Send(ctx context.Context, frame protocol.Frame) error {
	if s.isClosed() || s.transport.State() == connection.StateClosed {
		s.count(func(st *SenderStats) { st.Rejected++ })
		return &connection.ConnectionError{Op: "send", Err: connection.ErrAlreadyClosed}
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		s.count(func(st *SenderStats) { st.Rejected++ })
		return err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.count(func(st *SenderStats) { st.Rejected++ })
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()

	if s.transport.State() == connection.StateConnected && s.queue.Len() == 0 {
		err := s.transport.Send(data)
		if err == nil {
			s.count(func(st *SenderStats) { st.Sent++ })
			return nil
		}
		if !errors.Is(err, connection.ErrNotConnected) {
			s.count(func(st *SenderStats) { st.Rejected++ })
			return err
		}
		// Lost the connection between the state check and the write.
	}

	return s.enqueueLocked(pending{frame: frame, data: data})
}

// enqueueLocked buffers p per Mode and Overflow. Must be called with qmu held.
func (s *Sender) enqueueLocked(p pending) error {
	if s.cfg.Mode == ModeReject {
		s.count(func(st *SenderStats) { st.Rejected++ })
		return &connection.ConnectionError{Op: "send", Err: connection.ErrNotConnected}
	}

	evicted, didEvict, ok := s.queue.Push(p)
	if !ok {
		s.count(func(st *SenderStats) { st.Rejected++ })
		return fmt.Errorf("send on %q: %w", p.frame.Channel, ErrBufferFull)
	}
	s.count(func(st *SenderStats) { st.Buffered++ })

	if didEvict {
		s.logger.Warn("outbound buffer full, dropped oldest frame",
			"channel", evicted.frame.Channel,
			"id", evicted.frame.ID,
		)
		s.drop(Dropped{Frame: evicted.frame, Reason: DropOverflow, Err: ErrBufferFull})
	}

	// The connection may have come back since the caller looked.
	if s.transport.State() == connection.StateConnected {
		s.flushLocked()
	}
	return nil
}

// Flush writes buffered frames in order until the buffer is empty or a
// write fails.
func (s *Sender) Flush() error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.flushLocked()
}

func (s *Sender) flushLocked() error {
	flushed := 0
	for {
		p, ok := s.queue.Peek()
		if !ok {
			break
		}
		if err := s.transport.Send(p.data); err != nil {
			if errors.Is(err, connection.ErrNotConnected) {
				// Stays buffered for the next connect.
				s.logger.Debug("flush interrupted", "remaining", s.queue.Len())
				return err
			}
			s.queue.Pop()
			s.logger.Warn("flush write failed", "channel", p.frame.Channel, "error", err)
			s.drop(Dropped{Frame: p.frame, Reason: DropSendFailed, Err: err})
			continue
		}
		s.queue.Pop()
		flushed++
		s.count(func(st *SenderStats) { st.Sent++ })
	}

	if flushed > 0 {
		s.logger.Info("flushed outbound buffer", "frames", flushed)
	}
	return nil
}

// HandleTransition flushes on Connected and fails the buffer on Closed.
// Register it with the connection manager's OnStateChange.
func (s *Sender) HandleTransition(tr connection.Transition) {
	switch tr.To {
	case connection.StateConnected:
		s.Flush()

	case connection.StateClosed:
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.qmu.Lock()
		left := s.queue.DrainTo(0)
		s.qmu.Unlock()

		if len(left) > 0 {
			s.logger.Warn("connection closed with buffered frames", "frames", len(left))
		}
		err := error(&connection.ConnectionError{Op: "send", Err: connection.ErrAlreadyClosed})
		if tr.Err != nil {
			err = &connection.ConnectionError{Op: "send", Err: tr.Err}
		}
		for _, p := range left {
			s.drop(Dropped{Frame: p.frame, Reason: DropClosed, Err: err})
		}
	}
}

// Stats returns current statistics.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.Queued = s.queue.Len()
	return st
}

func (s *Sender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sender) count(fn func(*SenderStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Sender) drop(d Dropped) {
	s.mu.Lock()
	s.stats.Dropped++
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("drop observer panicked", "panic", p)
				}
			}()
			fn(d)
		}()
	}
}
