package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/subscription"
)

// Router delivers inbound frames to the handlers registered for their
// channel. Dispatch is called from the connection's event loop, one
// frame at a time.
type Router interface {
	// Dispatch delivers frame to every active, filter-passing handler
	// of frame.Channel in registration order.
	Dispatch(frame protocol.Frame)

	// DispatchWhile is Dispatch with live consulted before every
	// handler. Once live reports false the remaining handlers are
	// skipped. A nil live never stops the dispatch.
	DispatchWhile(frame protocol.Frame, live func() bool)

	// OnHandlerError registers an observer for isolated handler failures.
	OnHandlerError(fn func(*HandlerError))

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg      RouterConfig
	registry *subscription.Registry
	logger   *slog.Logger

	observerMu sync.RWMutex
	observers  []func(*HandlerError)

	// Stats
	mu    sync.Mutex
	stats RouterStats
}

// NewRouter creates a new Message Router reading handlers from registry.
func NewRouter(cfg RouterConfig, registry *subscription.Registry, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}
}

// outcome is what happened to one entry during a dispatch.
type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFiltered
	outcomeRemoved
	outcomeFailed
)

// Dispatch routes a single frame.
func (r *router) Dispatch(frame protocol.Frame) {
	r.DispatchWhile(frame, nil)
}

// DispatchWhile routes a single frame while live holds.
func (r *router) DispatchWhile(frame protocol.Frame, live func() bool) {
	r.mu.Lock()
	r.stats.FramesReceived++
	r.mu.Unlock()

	// Snapshot at dispatch start; concurrent (un)subscribes install new
	// slices and never touch this one.
	entries := r.registry.Snapshot(frame.Channel)
	if len(entries) == 0 {
		r.logger.Debug("no handlers for channel", "channel", frame.Channel, "type", frame.Type)
		r.mu.Lock()
		r.stats.FramesUnrouted++
		r.mu.Unlock()
		return
	}

	var delivered, filtered, failed, slow, cancelled int64
	for i, e := range entries {
		if live != nil && !live() {
			cancelled = int64(len(entries) - i)
			r.logger.Debug("dispatch cancelled", "channel", frame.Channel, "skipped", cancelled)
			break
		}
		// Removed after the snapshot was taken.
		if !e.Active() {
			continue
		}

		start := time.Now()
		res, herr := r.invoke(frame, e)
		if d := time.Since(start); r.cfg.SlowHandlerThreshold > 0 && d > r.cfg.SlowHandlerThreshold {
			slow++
			r.logger.Warn("slow handler",
				"channel", frame.Channel,
				"handle", e.ID(),
				"duration", d,
			)
		}

		switch res {
		case outcomeDelivered:
			delivered++
		case outcomeFiltered:
			filtered++
		case outcomeFailed:
			failed++
			r.logger.Warn("handler failed",
				"channel", frame.Channel,
				"handle", e.ID(),
				"frame_id", frame.ID,
				"error", herr,
			)
			r.notify(herr)
		}
	}

	r.mu.Lock()
	r.stats.Deliveries += delivered
	r.stats.Filtered += filtered
	r.stats.HandlerErrors += failed
	r.stats.SlowInvocations += slow
	r.stats.Cancelled += cancelled
	r.mu.Unlock()
}

// invoke runs one entry's filter and handler, converting errors and
// panics from either into *HandlerError. The entry is checked again
// after the filter: an Unsubscribe that returned while the filter ran
// must still win.
func (r *router) invoke(frame protocol.Frame, e *subscription.Entry) (res outcome, herr *HandlerError) {
	inFilter := true
	defer func() {
		if p := recover(); p != nil {
			res = outcomeFailed
			herr = &HandlerError{
				Channel:   frame.Channel,
				HandleID:  e.ID(),
				FrameID:   frame.ID,
				FrameType: frame.Type,
				Panic:     p,
				InFilter:  inFilter,
			}
		}
	}()

	if !e.Accepts(frame.Data) {
		return outcomeFiltered, nil
	}
	if !e.Active() {
		return outcomeRemoved, nil
	}
	inFilter = false

	if err := e.Handler()(frame); err != nil {
		return outcomeFailed, &HandlerError{
			Channel:   frame.Channel,
			HandleID:  e.ID(),
			FrameID:   frame.ID,
			FrameType: frame.Type,
			Err:       err,
		}
	}
	return outcomeDelivered, nil
}

// OnHandlerError registers fn for handler failures.
func (r *router) OnHandlerError(fn func(*HandlerError)) {
	if fn == nil {
		return
	}
	r.observerMu.Lock()
	r.observers = append(r.observers, fn)
	r.observerMu.Unlock()
}

func (r *router) notify(herr *HandlerError) {
	r.observerMu.RLock()
	observers := r.observers
	r.observerMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("handler error observer panicked", "panic", p)
				}
			}()
			fn(herr)
		}()
	}
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
