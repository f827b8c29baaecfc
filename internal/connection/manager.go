package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fluxez/realtime-go/internal/clock"
	"github.com/fluxez/realtime-go/internal/protocol"
)

// Manager owns the logical connection: its state machine, reconnect
// policy and the event loop that feeds inbound frames to the router.
type Manager interface {
	// Connect starts an asynchronous connection attempt and returns
	// without waiting for it. Completion is observable via State or
	// OnStateChange. The manager lives until ctx is cancelled or
	// Disconnect is called.
	Connect(ctx context.Context) error

	// Disconnect moves to Closed from any state, cancels a pending retry
	// and closes the transport. Closed is terminal. No handler starts
	// after Disconnect returns; one already running may still be
	// finishing. Wait on Done for the event loop to exit.
	Disconnect() error

	// Done is closed once the manager is Closed and its event loop has
	// exited.
	Done() <-chan struct{}

	// Reconnect supersedes the current transport and dials immediately,
	// cancelling a pending retry.
	Reconnect() error

	// State returns the current state.
	State() State

	// Info returns state, attempt count and last error.
	Info() Info

	// OnStateChange registers an observer for transitions. Observers run
	// in transition order and must not block.
	OnStateChange(fn func(Transition))

	// OnError registers an observer for surfaced errors: protocol errors
	// and reconnect exhaustion.
	OnError(fn func(error))

	// Send writes an encoded frame to the live transport.
	Send(data []byte) error

	// Subscribe tells the server about a newly registered channel. It is
	// a no-op while not connected; the next (re)connect covers it.
	Subscribe(channel string) error

	// Unsubscribe tells the server a channel has no handlers left.
	Unsubscribe(channel string) error

	// Stats returns current statistics.
	Stats() ManagerStats
}

// Subscriptions lists the channels to re-announce on every connect.
type Subscriptions interface {
	Channels() []string
}

// Dispatcher receives inbound data frames on the event loop. live
// reports false once the frame's transport is superseded or the
// manager is closed; handlers not yet started must then be skipped.
type Dispatcher interface {
	DispatchWhile(frame protocol.Frame, live func() bool)
}

// Option customizes a manager.
type Option func(*manager)

// WithClock replaces the wall clock used for retry and ack timers.
func WithClock(c clock.Clock) Option {
	return func(m *manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithClientFactory replaces the websocket transport.
func WithClientFactory(f ClientFactory) Option {
	return func(m *manager) {
		if f != nil {
			m.factory = f
		}
	}
}

type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evMessage
	evTransportError
	evRetry
	evAckTimeout
)

// event is something that happened to transport gen.
type event struct {
	kind    eventKind
	gen     uint64
	client  Client
	msg     TimestampedMessage
	err     error
	channel string
	ackID   string
}

// pendingChannel is a channel whose subscribe frame awaits an ack.
type pendingChannel struct {
	ackID    string
	buffered []protocol.Frame
	timer    *clock.Timer
}

// manager implements the Manager interface.
type manager struct {
	cfg        ManagerConfig
	policy     Policy
	subs       Subscriptions
	dispatcher Dispatcher
	logger     *slog.Logger
	clock      clock.Clock
	factory    ClientFactory

	events chan event

	// subMu orders subscribe/unsubscribe frames against the resubscribe
	// step so a channel registered mid-connect is never missed.
	subMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	state     State
	gen       uint64
	attempts  int
	lastErr   error
	client    Client
	retry     *clock.Timer
	pending   map[string]*pendingChannel
	stats     ManagerStats
	observers []func(Transition)
	errorObs  []func(error)

	notes    notifier
	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates a Connection Manager. subs is consulted on every
// connect; dispatcher receives data frames.
func NewManager(cfg ManagerConfig, subs Subscriptions, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subs == nil {
		return nil, errors.New("subscriptions are required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	policy, err := cfg.Reconnect.Policy()
	if err != nil {
		return nil, err
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = DefaultManagerConfig().EventBuffer
	}
	if cfg.Resume.Policy == "" {
		cfg.Resume.Policy = ResumeDrop
	}

	m := &manager{
		cfg:        cfg,
		policy:     policy,
		subs:       subs,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      clock.Real(),
		factory:    NewClient,
		events:     make(chan event, cfg.EventBuffer),
		pending:    make(map[string]*pendingChannel),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect starts the first connection attempt.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrAlreadyClosed
	case StateDisconnected:
	default:
		// Already running.
		m.mu.Unlock()
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, nil)
	loopCtx := m.ctx
	m.mu.Unlock()
	m.notes.drain()

	m.logger.Info("connecting", "url", m.cfg.Client.URL)

	go m.loop(loopCtx)

	m.dial(gen)
	return nil
}

// Disconnect forces Closed.
func (m *manager) Disconnect() error {
	m.closeWith(nil)
	return nil
}

// Done is closed when the event loop has exited.
func (m *manager) Done() <-chan struct{} {
	return m.done
}

func (m *manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// closeWith moves to Closed, tearing down the transport and timers.
// cause is reported on the transition.
func (m *manager) closeWith(cause error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	m.gen++
	m.retry.Stop()
	m.retry = nil
	client := m.client
	m.client = nil
	m.clearPendingLocked()
	cancel := m.cancel
	if cause != nil {
		m.lastErr = cause
	}
	m.setStateLocked(StateClosed, cause)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if cancel != nil {
		cancel()
	} else {
		// Never connected: there is no loop to wait for.
		m.finish()
	}
	m.notes.drain()

	m.logger.Info("connection closed", "error", cause)
}

// Reconnect drops the current transport and dials now.
func (m *manager) Reconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrAlreadyClosed
	case StateDisconnected:
		m.mu.Unlock()
		return ErrNotConnected
	}

	m.retry.Stop()
	m.retry = nil
	old := m.client
	m.client = nil
	m.clearPendingLocked()
	m.gen++
	gen := m.gen
	if m.state == StateConnected {
		m.attempts = 0
		m.setStateLocked(StateReconnecting, nil)
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.notes.drain()

	m.logger.Info("manual reconnect", "generation", gen)
	m.dial(gen)
	return nil
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a snapshot of the connection.
func (m *manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastError:         m.lastErr,
		Generation:        m.gen,
	}
}

// OnStateChange registers fn.
func (m *manager) OnStateChange(fn func(Transition)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// OnError registers fn.
func (m *manager) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.errorObs = append(m.errorObs, fn)
	m.mu.Unlock()
}

// Send writes data to the live transport.
func (m *manager) Send(data []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.client == nil {
		state := m.state
		m.mu.Unlock()
		if state == StateClosed {
			return &ConnectionError{Op: "send", Err: ErrAlreadyClosed}
		}
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}
	c := m.client
	m.mu.Unlock()

	if err := c.Send(data); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}

	m.mu.Lock()
	m.stats.FramesOut++
	m.mu.Unlock()
	return nil
}

// Subscribe sends a subscribe frame for channel when connected.
func (m *manager) Subscribe(channel string) error {
	return m.control(protocol.TypeSubscribe, channel)
}

// Unsubscribe sends an unsubscribe frame for channel when connected.
func (m *manager) Unsubscribe(channel string) error {
	return m.control(protocol.TypeUnsubscribe, channel)
}

func (m *manager) control(t protocol.Type, channel string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.State() != StateConnected {
		return nil
	}

	data, err := protocol.Encode(protocol.Control(t, channel, m.clock.Now()))
	if err != nil {
		return err
	}
	return m.Send(data)
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.State = m.state
	s.Generation = m.gen
	s.ReconnectAttempts = m.attempts
	s.PendingChannels = len(m.pending)
	return s
}

// setStateLocked records a transition and queues its notification.
// Must be called with m.mu held.
func (m *manager) setStateLocked(to State, cause error) {
	tr := Transition{
		From:       m.state,
		To:         to,
		Err:        cause,
		At:         m.clock.Now(),
		Generation: m.gen,
	}
	m.state = to
	observers := m.observers

	m.notes.enqueue(func() {
		for _, fn := range observers {
			m.safeCall(func() { fn(tr) })
		}
	})
}

// reportLocked queues err for error observers. Must be called with m.mu held.
func (m *manager) reportLocked(err error) {
	observers := m.errorObs
	m.notes.enqueue(func() {
		for _, fn := range observers {
			m.safeCall(func() { fn(err) })
		}
	})
}

func (m *manager) report(err error) {
	m.mu.Lock()
	m.reportLocked(err)
	m.mu.Unlock()
	m.notes.drain()
}

func (m *manager) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("observer panicked", "panic", p)
		}
	}()
	fn()
}

// post hands an event to the loop unless the manager has shut down.
func (m *manager) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// loop processes transport events one at a time.
func (m *manager) loop(ctx context.Context) {
	defer m.finish()

	for {
		select {
		case <-ctx.Done():
			// Covers cancellation of the Connect context.
			m.closeWith(nil)
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *manager) handle(ev event) {
	switch ev.kind {
	case evOpened:
		m.handleOpened(ev)
	case evDialFailed:
		m.transportFailed(ev.gen, &ConnectionError{Op: "dial", Err: ev.err})
	case evTransportError:
		m.transportFailed(ev.gen, &ConnectionError{Op: "read", Err: ev.err})
	case evMessage:
		m.handleMessage(ev)
	case evRetry:
		m.handleRetry(ev)
	case evAckTimeout:
		m.handleAckTimeout(ev)
	}
}

// current reports whether gen is the live transport generation. Stale
// events are counted and dropped.
func (m *manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == StateClosed {
		m.stats.StaleEvents++
		return false
	}
	return true
}

// live reports whether frames from gen may still reach handlers.
func (m *manager) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state != StateClosed
}

// dispatch hands frame to the dispatcher, stopping between handlers if
// transport gen dies.
func (m *manager) dispatch(gen uint64, frame protocol.Frame) {
	m.dispatcher.DispatchWhile(frame, func() bool { return m.live(gen) })
}

// dial creates a transport for gen and connects it in the background.
func (m *manager) dial(gen uint64) {
	client := m.factory(m.cfg.Client, m.logger.With("generation", gen))

	m.mu.Lock()
	if gen != m.gen || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.client = client
	m.stats.Dials++
	ctx := m.ctx
	m.mu.Unlock()

	go func() {
		if err := client.Connect(ctx); err != nil {
			client.Close()
			m.post(ctx, event{kind: evDialFailed, gen: gen, err: err})
			return
		}
		m.post(ctx, event{kind: evOpened, gen: gen, client: client})
	}()
}

// pump forwards one transport's output into the loop.
func (m *manager) pump(ctx context.Context, gen uint64, c Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case msg := <-c.Messages():
			m.post(ctx, event{kind: evMessage, gen: gen, msg: msg})
		case err := <-c.Errors():
			// Frames read before the failure are still delivered.
			m.drainMessages(ctx, gen, c)
			m.post(ctx, event{kind: evTransportError, gen: gen, err: err})
			return
		}
	}
}

// drainMessages posts whatever c has already buffered on Messages.
func (m *manager) drainMessages(ctx context.Context, gen uint64, c Client) {
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			m.post(ctx, event{kind: evMessage, gen: gen, msg: msg})
		default:
			return
		}
	}
}

func (m *manager) handleOpened(ev event) {
	m.mu.Lock()
	if ev.gen != m.gen || m.state == StateClosed {
		m.stats.StaleEvents++
		m.mu.Unlock()
		ev.client.Close()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	go m.pump(ctx, ev.gen, ev.client)

	m.subMu.Lock()
	channels, err := m.resubscribe(ev.gen, ev.client)
	if err != nil {
		m.subMu.Unlock()
		m.transportFailed(ev.gen, &ConnectionError{Op: "resubscribe", Err: err})
		return
	}

	m.mu.Lock()
	if ev.gen != m.gen || m.state == StateClosed {
		m.mu.Unlock()
		m.subMu.Unlock()
		return
	}
	m.attempts = 0
	m.lastErr = nil
	m.stats.Connects++
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()
	m.subMu.Unlock()
	m.notes.drain()

	m.logger.Info("connected",
		"generation", ev.gen,
		"channels", channels,
	)
}

// resubscribe re-announces every registered channel on c. Must be
// called on the loop with subMu held.
func (m *manager) resubscribe(gen uint64, c Client) (int, error) {
	channels := m.subs.Channels()
	for _, ch := range channels {
		frame := protocol.Control(protocol.TypeSubscribe, ch, m.clock.Now())
		data, err := protocol.Encode(frame)
		if err != nil {
			return 0, err
		}
		if err := c.Send(data); err != nil {
			return 0, fmt.Errorf("subscribe %q: %w", ch, err)
		}

		m.mu.Lock()
		m.stats.FramesOut++
		if m.cfg.Resume.AwaitAck {
			m.holdLocked(gen, ch, frame.ID)
		}
		m.mu.Unlock()

		m.logger.Debug("resubscribed", "channel", ch, "id", frame.ID)
	}
	return len(channels), nil
}

// holdLocked marks ch pending until ackID is acknowledged or the ack
// timeout fires. Must be called with m.mu held.
func (m *manager) holdLocked(gen uint64, ch, ackID string) {
	if old, ok := m.pending[ch]; ok {
		old.timer.Stop()
	}
	p := &pendingChannel{ackID: ackID}
	if d := m.cfg.Resume.AckTimeout; d > 0 {
		ctx := m.ctx
		p.timer = m.clock.AfterFunc(d, func() {
			m.post(ctx, event{kind: evAckTimeout, gen: gen, channel: ch, ackID: ackID})
		})
	}
	m.pending[ch] = p
}

// clearPendingLocked drops all pending channels. Must be called with m.mu held.
func (m *manager) clearPendingLocked() {
	for ch, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, ch)
	}
}

// transportFailed handles the death of transport gen.
func (m *manager) transportFailed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateClosed {
		m.stats.StaleEvents++
		m.mu.Unlock()
		return
	}

	client := m.client
	m.client = nil
	m.clearPendingLocked()
	m.gen++
	m.lastErr = cause

	switch m.state {
	case StateReconnecting:
		m.attempts++
		if m.cfg.Reconnect.Exhausted(m.attempts) {
			err := fmt.Errorf("%w after %d attempts: %w", ErrMaxReconnectExceeded, m.attempts, cause)
			m.reportLocked(err)
			m.mu.Unlock()
			if client != nil {
				client.Close()
			}
			m.logger.Error("giving up reconnecting", "error", err)
			m.closeWith(err)
			return
		}
	default:
		// Connected or Connecting: a fresh reconnect cycle starts.
		m.attempts = 0
		m.setStateLocked(StateReconnecting, cause)
	}

	delay := m.policy.Delay(m.attempts)
	next := m.gen
	ctx := m.ctx
	m.retry = m.clock.AfterFunc(delay, func() {
		m.post(ctx, event{kind: evRetry, gen: next})
	})
	attempts := m.attempts
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.notes.drain()

	m.logger.Warn("connection lost, reconnecting",
		"error", cause,
		"attempt", attempts+1,
		"delay", delay,
	)
}

func (m *manager) handleRetry(ev event) {
	m.mu.Lock()
	if ev.gen != m.gen || m.state != StateReconnecting {
		m.stats.StaleEvents++
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	m.dial(ev.gen)
}

func (m *manager) handleMessage(ev event) {
	if !m.current(ev.gen) {
		return
	}

	m.mu.Lock()
	m.stats.FramesIn++
	m.mu.Unlock()

	frame, err := protocol.Decode(ev.msg.Data)
	if err != nil {
		m.protocolError(err)
		return
	}

	switch frame.Type {
	case protocol.TypePublish, protocol.TypePresenceUpdate:
		if m.holdFrame(frame) {
			return
		}
		m.dispatch(ev.gen, frame)

	case protocol.TypeAck:
		m.handleAck(ev.gen, frame)

	case protocol.TypeError:
		e := protocol.ServerError(frame)
		m.protocolError(&protocol.ProtocolError{
			Reason: "server error",
			Frame:  &frame,
			Err:    fmt.Errorf("%s: %s", e.Code, e.Message),
		})

	default:
		m.protocolError(&protocol.ProtocolError{
			Reason: fmt.Sprintf("unexpected %s frame from server", frame.Type),
			Frame:  &frame,
		})
	}
}

// holdFrame buffers or drops frame if its channel is pending. It
// returns true when the frame must not be dispatched now.
func (m *manager) holdFrame(frame protocol.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[frame.Channel]
	if !ok {
		return false
	}

	if m.cfg.Resume.Policy != ResumeBuffer {
		m.logger.Debug("dropping frame for pending channel", "channel", frame.Channel)
		return true
	}

	if limit := m.cfg.Resume.BufferSize; limit > 0 && len(p.buffered) >= limit {
		m.logger.Warn("resume buffer full, dropping oldest", "channel", frame.Channel)
		p.buffered = p.buffered[1:]
	}
	p.buffered = append(p.buffered, frame)
	return true
}

func (m *manager) handleAck(gen uint64, frame protocol.Frame) {
	m.mu.Lock()
	p, ok := m.pending[frame.Channel]
	if !ok || p.ackID != frame.ID {
		m.mu.Unlock()
		m.logger.Debug("ack for nothing pending", "channel", frame.Channel, "id", frame.ID)
		return
	}
	m.mu.Unlock()

	m.resume(gen, frame.Channel)
}

func (m *manager) handleAckTimeout(ev event) {
	if !m.current(ev.gen) {
		return
	}

	m.mu.Lock()
	p, ok := m.pending[ev.channel]
	if !ok || p.ackID != ev.ackID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn("subscribe not acknowledged, resuming anyway",
		"channel", ev.channel,
		"timeout", m.cfg.Resume.AckTimeout,
	)
	m.resume(ev.gen, ev.channel)
}

// resume releases a pending channel and replays what it buffered.
func (m *manager) resume(gen uint64, ch string) {
	m.mu.Lock()
	p, ok := m.pending[ch]
	if ok {
		p.timer.Stop()
		delete(m.pending, ch)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Debug("channel resumed", "channel", ch, "replayed", len(p.buffered))
	for _, f := range p.buffered {
		if !m.live(gen) {
			return
		}
		m.dispatch(gen, f)
	}
}

func (m *manager) protocolError(err error) {
	m.mu.Lock()
	m.stats.ProtocolErrors++
	m.mu.Unlock()

	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		perr = &protocol.ProtocolError{Reason: "decode", Err: err}
	}
	m.logger.Warn("protocol error", "error", perr)
	m.report(perr)
}

// notifier delivers queued notifications one at a time, in order. A
// notification may enqueue more (an observer calling Disconnect); they
// are delivered by whichever goroutine is already draining.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
}

func (n *notifier) drain() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	for len(n.queue) > 0 {
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
		n.mu.Lock()
	}
	n.running = false
	n.mu.Unlock()
}
