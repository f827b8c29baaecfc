package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fluxez/realtime-go/internal/api"
	"github.com/fluxez/realtime-go/internal/auth"
	"github.com/fluxez/realtime-go/internal/clock"
	"github.com/fluxez/realtime-go/internal/connection"
	"github.com/fluxez/realtime-go/internal/outbound"
	"github.com/fluxez/realtime-go/internal/presence"
	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/router"
	"github.com/fluxez/realtime-go/internal/subscription"
	"github.com/fluxez/realtime-go/internal/version"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	clock    clock.Clock
	factory  connection.ClientFactory
	executor presence.Executor
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the clock driving reconnect and ack timers.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport replaces the websocket transport.
func WithTransport(f TransportFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithExecutor replaces the REST client used for presence calls.
func WithExecutor(e presence.Executor) Option {
	return func(o *options) { o.executor = e }
}

// Client is a realtime pub/sub client. Safe for concurrent use.
type Client struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *subscription.Registry
	router   router.Router
	manager  connection.Manager
	sender   *outbound.Sender
	presence *presence.Coordinator
	hasExec  bool
}

// Stats aggregates component statistics.
type Stats struct {
	Connection    connection.ManagerStats
	Router        router.RouterStats
	Outbound      outbound.SenderStats
	Subscriptions subscription.Stats
}

// New wires a client. It does not connect; call Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	cfg = withDefaults(cfg)
	if cfg.Connection.Client.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}

	var creds *auth.Credentials
	if cfg.Token != "" {
		creds = &auth.Credentials{Token: cfg.Token}
	}
	cfg.Connection.Client.Credentials = creds
	cfg.Connection.Client.UserAgent = cfg.UserAgent

	c := &Client{
		logger:   o.logger,
		clock:    o.clock,
		registry: subscription.NewRegistry(),
	}
	c.router = router.NewRouter(cfg.Router, c.registry, o.logger.With("component", "router"))

	mopts := []connection.Option{connection.WithClock(o.clock)}
	if o.factory != nil {
		mopts = append(mopts, connection.WithClientFactory(o.factory))
	}
	mgr, err := connection.NewManager(cfg.Connection, c.registry, c.router, o.logger.With("component", "connection"), mopts...)
	if err != nil {
		return nil, err
	}
	c.manager = mgr

	c.sender = outbound.NewSender(cfg.Outbound, mgr, o.logger.With("component", "outbound"))
	mgr.OnStateChange(c.sender.HandleTransition)

	exec := o.executor
	if exec == nil && cfg.API.BaseURL != "" {
		exec = api.NewClient(cfg.API.BaseURL, creds,
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
			api.WithLogger(o.logger.With("component", "api")),
			api.WithUserAgent(cfg.UserAgent),
		)
	}
	c.hasExec = exec != nil
	c.presence = presence.NewCoordinator(presence.Config{Identity: cfg.Identity}, exec, c, o.logger)

	return c, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Connection == (connection.ManagerConfig{}) {
		cfg.Connection = def.Connection
	}
	if cfg.Outbound == (outbound.SenderConfig{}) {
		cfg.Outbound = def.Outbound
	}
	if cfg.Router == (router.RouterConfig{}) {
		cfg.Router = def.Router
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = def.API.Timeout
	}
	if cfg.API.RetryBackoff == 0 {
		cfg.API.RetryBackoff = def.API.RetryBackoff
	}
	if cfg.URL != "" {
		cfg.Connection.Client.URL = cfg.URL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	return cfg
}

// Connect starts connecting in the background and returns immediately.
// Watch State or OnStateChange for the outcome. Cancelling ctx closes the
// client.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect closes the client: the pending retry is cancelled, buffered
// sends are reported as dropped, and the client cannot be reused. No
// handler starts after Disconnect returns. Handlers may call it.
func (c *Client) Disconnect() error {
	return c.manager.Disconnect()
}

// Done is closed once the client is closed and no handler is running.
func (c *Client) Done() <-chan struct{} {
	return c.manager.Done()
}

// Reconnect drops the current transport and dials immediately.
func (c *Client) Reconnect() error {
	return c.manager.Reconnect()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.manager.State()
}

// Info returns state, reconnect attempts and the last error.
func (c *Client) Info() Info {
	return c.manager.Info()
}

// OnStateChange registers an observer for connection transitions.
func (c *Client) OnStateChange(fn func(Transition)) {
	c.manager.OnStateChange(fn)
}

// OnError registers an observer for protocol errors and reconnect
// exhaustion.
func (c *Client) OnError(fn func(error)) {
	c.manager.OnError(fn)
}

// OnHandlerError registers an observer for failing subscription handlers.
func (c *Client) OnHandlerError(fn func(*HandlerError)) {
	c.router.OnHandlerError(fn)
}

// OnDropped registers an observer for buffered sends that were lost.
func (c *Client) OnDropped(fn func(Dropped)) {
	c.sender.OnDropped(fn)
}

// Subscribe registers handler on channel. filter, when non-nil, is
// applied to each frame's data. The first handler of a channel sends a
// subscribe frame if connected; otherwise the next connect does.
func (c *Client) Subscribe(channel string, handler Handler, filter Filter) (Handle, error) {
	h, first, err := c.registry.Subscribe(channel, handler, filter)
	if err != nil {
		return Handle{}, err
	}
	if first {
		if err := c.manager.Subscribe(channel); err != nil {
			// The transport is going down; the reconnect resubscribes.
			c.logger.Warn("subscribe frame not sent", "channel", channel, "error", err)
		}
	}
	c.logger.Debug("subscribed", "channel", channel, "handle", h.ID)
	return h, nil
}

// Unsubscribe removes the handler behind h. Once it returns the handler
// is not invoked again. The last handler of a channel sends an
// unsubscribe frame when connected.
func (c *Client) Unsubscribe(h Handle) error {
	removed, last := c.registry.Unsubscribe(h)
	if !removed {
		return ErrUnknownSubscription
	}
	if last {
		c.unsubscribeServer(h.Channel)
	}
	return nil
}

// UnsubscribeChannel removes every handler of channel and returns how
// many were removed.
func (c *Client) UnsubscribeChannel(channel string) int {
	n := c.registry.UnsubscribeChannel(channel)
	if n > 0 {
		c.unsubscribeServer(channel)
	}
	return n
}

func (c *Client) unsubscribeServer(channel string) {
	if err := c.manager.Unsubscribe(channel); err != nil {
		c.logger.Warn("unsubscribe frame not sent", "channel", channel, "error", err)
	}
}

// Channels returns the subscribed channels, sorted.
func (c *Client) Channels() []string {
	return c.registry.Channels()
}

// Publish sends data to channel. While disconnected the frame is
// buffered or rejected according to the outbound mode.
func (c *Client) Publish(ctx context.Context, channel string, data any) error {
	frame, err := protocol.NewFrame(protocol.TypePublish, channel, data, c.clock.Now())
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, frame)
}

// Send sends a prepared frame through the outbound sender.
func (c *Client) Send(ctx context.Context, frame Frame) error {
	return c.sender.Send(ctx, frame)
}

// JoinPresence registers this client in channel's presence set and
// subscribes to its presence updates.
func (c *Client) JoinPresence(ctx context.Context, channel string, metadata map[string]any, onUpdate func(PresenceUpdate)) error {
	if !c.hasExec {
		return &PresenceError{Op: "join", Channel: channel, Err: ErrNoExecutor}
	}
	return c.presence.Join(ctx, channel, metadata, onUpdate)
}

// LeavePresence unsubscribes from channel's presence updates and leaves
// its presence set.
func (c *Client) LeavePresence(ctx context.Context, channel string) error {
	if !c.hasExec {
		return &PresenceError{Op: "leave", Channel: channel, Err: ErrNoExecutor}
	}
	return c.presence.Leave(ctx, channel)
}

// GetPresence queries channel's current presence set from the server.
func (c *Client) GetPresence(ctx context.Context, channel string) ([]PresenceEntry, error) {
	if !c.hasExec {
		return nil, &PresenceError{Op: "get", Channel: channel, Err: ErrNoExecutor}
	}
	return c.presence.Get(ctx, channel)
}

// Identity returns the presence identity.
func (c *Client) Identity() string {
	return c.presence.Identity()
}

// Stats returns statistics for every component.
func (c *Client) Stats() Stats {
	return Stats{
		Connection:    c.manager.Stats(),
		Router:        c.router.Stats(),
		Outbound:      c.sender.Stats(),
		Subscriptions: c.registry.Stats(),
	}
}
