// Package subscription holds the local channel → handler table.
//
// Handler lists are copy-on-write: every mutation installs a new slice,
// so a dispatch that took a snapshot keeps iterating a stable list while
// callers subscribe and unsubscribe concurrently.
package subscription

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fluxez/realtime-go/internal/protocol"
)

// Errors
var (
	ErrEmptyChannel = errors.New("channel name is required")
	ErrNilHandler   = errors.New("handler is required")
)

// Handler receives one inbound frame. A returned error or a panic is
// logged by the router and never affects other handlers.
type Handler func(frame protocol.Frame) error

// Filter decides from the frame data whether a handler should run.
type Filter func(data json.RawMessage) bool

// Handle identifies one registered handler.
type Handle struct {
	ID      uint64
	Channel string
}

// Entry is a registered handler as seen by the router.
type Entry struct {
	id      uint64
	handler Handler
	filter  Filter
	removed atomic.Bool
}

// ID returns the handle id of the entry.
func (e *Entry) ID() uint64 { return e.id }

// Active reports whether the entry is still registered.
func (e *Entry) Active() bool { return !e.removed.Load() }

// Accepts runs the filter, if any, against data.
func (e *Entry) Accepts(data json.RawMessage) bool {
	return e.filter == nil || e.filter(data)
}

// Handler returns the callback.
func (e *Entry) Handler() Handler { return e.handler }

// Registry maps channels to ordered handler lists. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string][]*Entry
	nextID   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string][]*Entry),
	}
}

// Subscribe appends handler to channel. The second return value is true
// when this is the first handler of the channel, i.e. the server needs
// a subscribe frame.
func (r *Registry) Subscribe(channel string, handler Handler, filter Filter) (Handle, bool, error) {
	if channel == "" {
		return Handle{}, false, ErrEmptyChannel
	}
	if handler == nil {
		return Handle{}, false, ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e := &Entry{id: r.nextID, handler: handler, filter: filter}

	old := r.channels[channel]
	next := make([]*Entry, len(old), len(old)+1)
	copy(next, old)
	r.channels[channel] = append(next, e)

	return Handle{ID: e.id, Channel: channel}, len(old) == 0, nil
}

// Unsubscribe removes the handler behind h. It returns removed=false if
// the handle is unknown, and last=true when the channel has no handlers
// left. Once Unsubscribe returns, the router will not start another
// invocation of the handler.
func (r *Registry) Unsubscribe(h Handle) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.channels[h.Channel]
	idx := -1
	for i, e := range old {
		if e.id == h.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}

	old[idx].removed.Store(true)

	if len(old) == 1 {
		delete(r.channels, h.Channel)
		return true, true
	}

	next := make([]*Entry, 0, len(old)-1)
	next = append(next, old[:idx]...)
	next = append(next, old[idx+1:]...)
	r.channels[h.Channel] = next
	return true, false
}

// UnsubscribeChannel removes every handler of channel and returns how
// many were removed.
func (r *Registry) UnsubscribeChannel(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.channels[channel]
	for _, e := range entries {
		e.removed.Store(true)
	}
	delete(r.channels, channel)
	return len(entries)
}

// Snapshot returns the handler list of channel at this instant. The
// slice must not be modified.
func (r *Registry) Snapshot(channel string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[channel]
}

// Has reports whether channel has at least one handler.
func (r *Registry) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel]) > 0
}

// Channels returns the subscribed channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Channels int
	Handlers int
}

// Stats returns channel and handler counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Channels: len(r.channels)}
	for _, entries := range r.channels {
		s.Handlers += len(entries)
	}
	return s
}
