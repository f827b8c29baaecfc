package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/subscription"
)

// Config configures the coordinator.
type Config struct {
	Identity string // Member identity; a random one is generated when empty
}

// Coordinator joins, leaves and queries presence sets. Safe for
// concurrent use.
type Coordinator struct {
	exec     Executor
	subs     Subscriber
	identity string
	logger   *slog.Logger

	mu     sync.Mutex
	joined map[string]subscription.Handle
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, exec Executor, subs Subscriber, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	identity := cfg.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	return &Coordinator{
		exec:     exec,
		subs:     subs,
		identity: identity,
		logger:   logger.With("component", "presence"),
		joined:   make(map[string]subscription.Handle),
	}
}

// Identity returns the identity used for joins.
func (c *Coordinator) Identity() string {
	return c.identity
}

// Join registers membership in channel, then subscribes to its
// presence-update frames. If the REST call fails nothing is subscribed.
// If subscribing fails the join is rolled back; when the rollback fails
// too, the returned PresenceError has Partial set.
func (c *Coordinator) Join(ctx context.Context, channel string, metadata map[string]any, onUpdate func(Update)) error {
	req := joinRequest{Channel: channel, Identity: c.identity, Metadata: metadata}
	if err := req.Validate(); err != nil {
		return &PresenceError{Op: "join", Channel: channel, Err: err}
	}

	c.mu.Lock()
	if _, ok := c.joined[channel]; ok {
		c.mu.Unlock()
		return &PresenceError{Op: "join", Channel: channel, Err: ErrAlreadyJoined}
	}
	c.mu.Unlock()

	if _, err := c.exec.Execute(ctx, http.MethodPost, membersPath(channel), req, nil); err != nil {
		return &PresenceError{Op: "join", Channel: channel, Err: err}
	}

	h, err := c.subs.Subscribe(channel, c.updateHandler(channel, onUpdate), nil)
	if err != nil {
		return c.rollback(ctx, channel, err)
	}

	c.mu.Lock()
	if _, ok := c.joined[channel]; ok {
		// Lost a race with a concurrent Join of the same channel.
		c.mu.Unlock()
		c.subs.Unsubscribe(h)
		return &PresenceError{Op: "join", Channel: channel, Err: ErrAlreadyJoined}
	}
	c.joined[channel] = h
	c.mu.Unlock()

	c.logger.Info("joined presence", "channel", channel, "identity", c.identity)
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, channel string, cause error) error {
	c.logger.Warn("presence subscribe failed, rolling back join", "channel", channel, "error", cause)

	if _, err := c.exec.Execute(ctx, http.MethodDelete, memberPath(channel, c.identity), nil, nil); err != nil {
		c.logger.Error("presence rollback failed", "channel", channel, "error", err)
		return &PresenceError{
			Op:      "join",
			Channel: channel,
			Partial: true,
			Err:     errors.Join(cause, fmt.Errorf("rollback: %w", err)),
		}
	}
	return &PresenceError{Op: "join", Channel: channel, Compensated: true, Err: cause}
}

// Leave unsubscribes from channel, then removes the membership on the
// server. A failed REST call leaves the subscription removed and returns
// a PresenceError with Partial set.
func (c *Coordinator) Leave(ctx context.Context, channel string) error {
	c.mu.Lock()
	h, ok := c.joined[channel]
	delete(c.joined, channel)
	c.mu.Unlock()

	if !ok {
		return &PresenceError{Op: "leave", Channel: channel, Err: ErrNotJoined}
	}

	if err := c.subs.Unsubscribe(h); err != nil {
		c.logger.Warn("presence unsubscribe failed", "channel", channel, "error", err)
	}

	if _, err := c.exec.Execute(ctx, http.MethodDelete, memberPath(channel, c.identity), nil, nil); err != nil {
		return &PresenceError{Op: "leave", Channel: channel, Partial: true, Err: err}
	}

	c.logger.Info("left presence", "channel", channel, "identity", c.identity)
	return nil
}

// Get queries the server for channel's presence set.
func (c *Coordinator) Get(ctx context.Context, channel string) ([]Entry, error) {
	if channel == "" {
		return nil, &PresenceError{Op: "get", Channel: channel, Err: subscription.ErrEmptyChannel}
	}

	raw, err := c.exec.Execute(ctx, http.MethodGet, membersPath(channel), nil, nil)
	if err != nil {
		return nil, &PresenceError{Op: "get", Channel: channel, Err: err}
	}

	var resp membersResponse
	if raw != nil {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &PresenceError{Op: "get", Channel: channel, Err: fmt.Errorf("decode members: %w", err)}
		}
	}
	if resp.Members == nil {
		resp.Members = []Entry{}
	}
	return resp.Members, nil
}

// Joined reports whether channel has been joined.
func (c *Coordinator) Joined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[channel]
	return ok
}

// updateHandler passes presence-update frames to onUpdate and ignores
// the channel's other traffic.
func (c *Coordinator) updateHandler(channel string, onUpdate func(Update)) subscription.Handler {
	return func(frame protocol.Frame) error {
		if frame.Type != protocol.TypePresenceUpdate || onUpdate == nil {
			return nil
		}
		var p updatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fmt.Errorf("decode presence update: %w", err)
		}
		onUpdate(Update{
			Channel: channel,
			Action:  p.Action,
			Entry:   p.Entry,
			FrameID: frame.ID,
		})
		return nil
	}
}

func membersPath(channel string) string {
	return "/realtime/channels/" + url.PathEscape(channel) + "/presence"
}

func memberPath(channel, identity string) string {
	return membersPath(channel) + "/" + url.PathEscape(identity)
}
