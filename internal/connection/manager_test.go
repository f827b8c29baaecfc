package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fluxez/realtime-go/internal/clock"
	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/router"
	"github.com/fluxez/realtime-go/internal/subscription"
)

// fakeClient is an in-memory transport.
type fakeClient struct {
	connectErr error

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	mu        sync.Mutex
	sent      []protocol.Frame
	connected bool
	closed    bool
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		messages:   make(chan TimestampedMessage, 16),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.connected = false
		close(c.done)
	}
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }
func (c *fakeClient) Done() <-chan struct{}               { return c.done }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Sent() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.sent...)
}

// push delivers an inbound frame.
func (c *fakeClient) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

// fakeDialer hands out fake clients; dial errors are consumed in order,
// then every further dial uses fallback.
type fakeDialer struct {
	mu       sync.Mutex
	script   []error
	fallback error
	clients  []*fakeClient
	onCreate func(i int, c *fakeClient)
}

func (d *fakeDialer) factory(ClientConfig, *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.fallback
	if len(d.script) > 0 {
		err, d.script = d.script[0], d.script[1:]
	}
	c := newFakeClient(err)
	if d.onCreate != nil {
		d.onCreate(len(d.clients), c)
	}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) setFallback(err error) {
	d.mu.Lock()
	d.fallback = err
	d.mu.Unlock()
}

type staticSubs []string

func (s staticSubs) Channels() []string { return s }

type recordingDispatcher struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (d *recordingDispatcher) DispatchWhile(f protocol.Frame, live func() bool) {
	if live != nil && !live() {
		return
	}
	d.mu.Lock()
	d.frames = append(d.frames, f)
	d.mu.Unlock()
}

func (d *recordingDispatcher) Frames() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Frame(nil), d.frames...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, m Manager, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return m.State() == want })
}

type harness struct {
	m      Manager
	mgr    *manager
	dialer *fakeDialer
	clk    *clock.FakeClock
	disp   *recordingDispatcher
}

func newHarness(t *testing.T, channels []string, cfg ManagerConfig, dialErrs ...error) *harness {
	t.Helper()

	h := &harness{
		dialer: &fakeDialer{script: dialErrs},
		clk:    clock.Fake(time.Unix(1700000000, 0)),
		disp:   &recordingDispatcher{},
	}
	m, err := NewManager(cfg, staticSubs(channels), h.disp, nil,
		WithClock(h.clk),
		WithClientFactory(h.dialer.factory),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.m = m
	h.mgr = m.(*manager)
	t.Cleanup(func() { m.Disconnect() })
	return h
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Reconnect = ReconnectConfig{
		Strategy:    StrategyFixed,
		BaseDelay:   time.Second,
		MaxAttempts: 3,
	}
	return cfg
}

func subscribedChannels(frames []protocol.Frame) []string {
	var out []string
	for _, f := range frames {
		if f.Type == protocol.TypeSubscribe {
			out = append(out, f.Channel)
		}
	}
	return out
}

func TestNewManager_Validation(t *testing.T) {
	cfg := DefaultManagerConfig()
	if _, err := NewManager(cfg, nil, &recordingDispatcher{}, nil); err == nil {
		t.Error("expected error without subscriptions")
	}
	if _, err := NewManager(cfg, staticSubs(nil), nil, nil); err == nil {
		t.Error("expected error without dispatcher")
	}
	cfg.Reconnect.Strategy = "linear"
	if _, err := NewManager(cfg, staticSubs(nil), &recordingDispatcher{}, nil); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestManager_ConnectResubscribes(t *testing.T) {
	h := newHarness(t, []string{"orders", "users"}, testManagerConfig())

	var mu sync.Mutex
	var transitions []Transition
	h.m.OnStateChange(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	if h.m.State() != StateDisconnected {
		t.Fatalf("initial state = %s", h.m.State())
	}
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitState(t, h.m, StateConnected)

	got := subscribedChannels(h.dialer.client(0).Sent())
	if len(got) != 2 || got[0] != "orders" || got[1] != "users" {
		t.Errorf("subscribe frames = %v, want [orders users]", got)
	}

	waitFor(t, "transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	})
	mu.Lock()
	if transitions[0].To != StateConnecting || transitions[1].To != StateConnected {
		t.Errorf("transitions = %+v", transitions)
	}
	mu.Unlock()

	if info := h.m.Info(); info.ReconnectAttempts != 0 || info.LastError != nil {
		t.Errorf("Info = %+v", info)
	}

	// A second Connect while running is a no-op.
	if err := h.m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect = %v", err)
	}
	if n := h.dialer.count(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestManager_DispatchesInbound(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	c := h.dialer.client(0)
	c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`{"id":1}`), Timestamp: 1})
	c.push(t, protocol.Frame{Type: protocol.TypePresenceUpdate, Channel: "orders", Data: []byte(`{"identity":"a"}`), Timestamp: 2})

	waitFor(t, "dispatch", func() bool { return len(h.disp.Frames()) == 2 })
	frames := h.disp.Frames()
	if string(frames[0].Data) != `{"id":1}` || frames[1].Type != protocol.TypePresenceUpdate {
		t.Errorf("frames = %+v", frames)
	}
	if s := h.m.Stats(); s.FramesIn != 2 {
		t.Errorf("FramesIn = %d, want 2", s.FramesIn)
	}
}

func TestManager_ReconnectResubscribes(t *testing.T) {
	h := newHarness(t, []string{"orders", "users"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	h.dialer.client(0).errors <- io.EOF
	waitState(t, h.m, StateReconnecting)

	info := h.m.Info()
	if info.ReconnectAttempts != 0 {
		t.Errorf("attempts on entering Reconnecting = %d, want 0", info.ReconnectAttempts)
	}
	var cerr *ConnectionError
	if !errors.As(info.LastError, &cerr) || !errors.Is(info.LastError, io.EOF) {
		t.Errorf("LastError = %v, want ConnectionError wrapping EOF", info.LastError)
	}

	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)
	waitState(t, h.m, StateConnected)

	got := subscribedChannels(h.dialer.client(1).Sent())
	if len(got) != 2 {
		t.Errorf("resubscribed %v after reconnect, want both channels", got)
	}
	if h.m.Info().ReconnectAttempts != 0 {
		t.Error("attempts must be 0 right after entering Connected")
	}
	if s := h.m.Stats(); s.Connects != 2 {
		t.Errorf("Connects = %d, want 2", s.Connects)
	}
}

func TestManager_AttemptsIncreaseUntilClosed(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())

	errCh := make(chan error, 4)
	h.m.OnError(func(err error) { errCh <- err })

	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	h.dialer.setFallback(errors.New("connection refused"))
	h.dialer.client(0).errors <- io.EOF
	waitState(t, h.m, StateReconnecting)

	prev := h.m.Info().ReconnectAttempts
	for k := 1; k <= 3; k++ {
		h.clk.WaitForTimers(1)
		h.clk.Advance(time.Second)
		if k == 3 {
			break
		}
		waitFor(t, "attempt", func() bool { return h.m.Info().ReconnectAttempts == k })
		if cur := h.m.Info().ReconnectAttempts; cur <= prev {
			t.Fatalf("attempts did not increase: %d -> %d", prev, cur)
		} else {
			prev = cur
		}
	}

	waitState(t, h.m, StateClosed)

	if err := h.m.Info().LastError; !errors.Is(err, ErrMaxReconnectExceeded) {
		t.Errorf("LastError = %v, want ErrMaxReconnectExceeded", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrMaxReconnectExceeded) {
			t.Errorf("observer got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error observer not notified")
	}

	if n := h.dialer.count(); n != 4 {
		t.Errorf("dials = %d, want 1 initial + 3 retries", n)
	}
	if h.clk.PendingCount() != 0 {
		t.Error("no retry may be pending after Closed")
	}
}

func TestManager_InitialConnectFailure(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig(), errors.New("refused"))

	h.m.Connect(context.Background())
	waitState(t, h.m, StateReconnecting)
	if a := h.m.Info().ReconnectAttempts; a != 0 {
		t.Errorf("attempts = %d, want 0", a)
	}

	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)
	waitState(t, h.m, StateConnected)

	if got := subscribedChannels(h.dialer.client(1).Sent()); len(got) != 1 {
		t.Errorf("subscribe frames = %v", got)
	}
}

func TestManager_DisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	h.dialer.client(0).errors <- io.EOF
	waitState(t, h.m, StateReconnecting)
	h.clk.WaitForTimers(1)

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if h.m.State() != StateClosed {
		t.Fatalf("state = %s, want closed", h.m.State())
	}
	if n := h.clk.PendingCount(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}

	dials := h.dialer.count()
	h.clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := h.dialer.count(); n != dials {
		t.Errorf("dialed %d more times after Disconnect", n-dials)
	}

	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Closed = %v, want ErrAlreadyClosed", err)
	}
	if err := h.m.Reconnect(); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Reconnect after Closed = %v, want ErrAlreadyClosed", err)
	}
}

func TestManager_DisconnectBeforeConnect(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())
	h.m.Disconnect()
	if h.m.State() != StateClosed {
		t.Errorf("state = %s, want closed", h.m.State())
	}
	h.m.Disconnect()
}

func TestManager_ContextCancelCloses(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.m.Connect(ctx)
	waitState(t, h.m, StateConnected)

	cancel()
	waitState(t, h.m, StateClosed)
	select {
	case <-h.dialer.client(0).Done():
	case <-time.After(time.Second):
		t.Error("transport should be closed")
	}
}

func TestManager_StaleEventsDiscarded(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	old := h.m.Info().Generation
	if err := h.m.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitState(t, h.m, StateConnected)
	if h.m.Info().Generation == old {
		t.Fatal("generation should change on reconnect")
	}

	data, _ := protocol.Encode(protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Timestamp: 1})
	h.mgr.handle(event{kind: evMessage, gen: old, msg: TimestampedMessage{Data: data}})
	h.mgr.handle(event{kind: evTransportError, gen: old, err: io.EOF})

	if len(h.disp.Frames()) != 0 {
		t.Error("frame from superseded transport was dispatched")
	}
	if h.m.State() != StateConnected {
		t.Errorf("stale error changed state to %s", h.m.State())
	}
	if s := h.m.Stats(); s.StaleEvents < 2 {
		t.Errorf("StaleEvents = %d, want >= 2", s.StaleEvents)
	}
}

func TestManager_ManualReconnectCancelsRetry(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	h.dialer.client(0).errors <- io.EOF
	waitState(t, h.m, StateReconnecting)
	h.clk.WaitForTimers(1)

	if err := h.m.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitState(t, h.m, StateConnected)

	if n := h.clk.PendingCount(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	h.clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := h.dialer.count(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_SendAndControl(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())

	err := h.m.Send([]byte(`{}`))
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ConnectionError(ErrNotConnected)", err)
	}
	if err := h.m.Subscribe("orders"); err != nil {
		t.Errorf("Subscribe while disconnected = %v, want nil", err)
	}

	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	if err := h.m.Subscribe("orders"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := h.m.Unsubscribe("orders"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	sent := h.dialer.client(0).Sent()
	if len(sent) != 2 || sent[0].Type != protocol.TypeSubscribe || sent[1].Type != protocol.TypeUnsubscribe {
		t.Errorf("sent = %+v", sent)
	}
	if s := h.m.Stats(); s.FramesOut != 2 {
		t.Errorf("FramesOut = %d, want 2", s.FramesOut)
	}

	h.m.Disconnect()
	if err := h.m.Send([]byte(`{}`)); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Send after Disconnect = %v, want ErrAlreadyClosed", err)
	}
}

func TestManager_ResumeBuffersUntilAck(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Resume = ResumeConfig{AwaitAck: true, Policy: ResumeBuffer, BufferSize: 10, AckTimeout: 5 * time.Second}
	h := newHarness(t, []string{"orders"}, cfg)

	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	c := h.dialer.client(0)
	sub := c.Sent()[0]
	if s := h.m.Stats(); s.PendingChannels != 1 {
		t.Fatalf("PendingChannels = %d, want 1", s.PendingChannels)
	}

	c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`1`), Timestamp: 1})
	c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`2`), Timestamp: 2})
	waitFor(t, "frames read", func() bool { return h.m.Stats().FramesIn == 2 })
	if n := len(h.disp.Frames()); n != 0 {
		t.Fatalf("dispatched %d frames before ack", n)
	}

	c.push(t, protocol.Frame{Type: protocol.TypeAck, Channel: "orders", ID: sub.ID, Timestamp: 3})
	waitFor(t, "replay", func() bool { return len(h.disp.Frames()) == 2 })

	frames := h.disp.Frames()
	if string(frames[0].Data) != "1" || string(frames[1].Data) != "2" {
		t.Errorf("replay order = %s, %s", frames[0].Data, frames[1].Data)
	}
	if s := h.m.Stats(); s.PendingChannels != 0 {
		t.Errorf("PendingChannels = %d after ack", s.PendingChannels)
	}
	if n := h.clk.PendingCount(); n != 0 {
		t.Errorf("ack timer still pending: %d", n)
	}
}

func TestManager_ResumeDropAndAckTimeout(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Resume = ResumeConfig{AwaitAck: true, Policy: ResumeDrop, AckTimeout: 5 * time.Second}
	h := newHarness(t, []string{"orders"}, cfg)

	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)
	c := h.dialer.client(0)

	c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`1`), Timestamp: 1})
	waitFor(t, "frame read", func() bool { return h.m.Stats().FramesIn == 1 })

	h.clk.WaitForTimers(1)
	h.clk.Advance(5 * time.Second)
	waitFor(t, "resume", func() bool { return h.m.Stats().PendingChannels == 0 })

	c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`2`), Timestamp: 2})
	waitFor(t, "dispatch", func() bool { return len(h.disp.Frames()) == 1 })
	if got := string(h.disp.Frames()[0].Data); got != "2" {
		t.Errorf("dispatched %s, want only the post-resume frame", got)
	}
}

func TestManager_ProtocolErrors(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())

	errCh := make(chan error, 4)
	h.m.OnError(func(err error) { errCh <- err })

	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)
	c := h.dialer.client(0)

	c.messages <- TimestampedMessage{Data: []byte(`{not json`)}
	c.push(t, protocol.Frame{Type: protocol.TypeError, Data: []byte(`{"code":"forbidden","message":"no access"}`), Timestamp: 1})
	c.push(t, protocol.Frame{Type: protocol.TypeSubscribe, Channel: "orders", Timestamp: 2})

	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("error %d = %T, want *protocol.ProtocolError", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for protocol error %d", i)
		}
	}

	if h.m.State() != StateConnected {
		t.Errorf("protocol errors must not drop the connection, state = %s", h.m.State())
	}
	if s := h.m.Stats(); s.ProtocolErrors != 3 {
		t.Errorf("ProtocolErrors = %d, want 3", s.ProtocolErrors)
	}
}

func TestManager_ObserverMayDisconnect(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())

	h.m.OnStateChange(func(tr Transition) {
		if tr.To == StateConnected {
			h.m.Disconnect()
		}
	})
	h.m.OnStateChange(func(Transition) { panic("observer bug") })

	h.m.Connect(context.Background())
	waitState(t, h.m, StateClosed)
}

func TestManager_DoneAfterDisconnect(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.m.Connect(context.Background())
	waitState(t, h.m, StateConnected)

	select {
	case <-h.m.Done():
		t.Fatal("Done closed while connected")
	default:
	}

	h.m.Disconnect()
	select {
	case <-h.m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit after Disconnect")
	}
}

func TestManager_DoneWithoutConnect(t *testing.T) {
	h := newHarness(t, nil, testManagerConfig())
	h.m.Disconnect()
	select {
	case <-h.m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed for a manager that never connected")
	}
}

// Disconnect issued while one handler runs stops the handlers after it.
func TestManager_NoHandlerStartsAfterDisconnect(t *testing.T) {
	reg := subscription.NewRegistry()
	rt := router.NewRouter(router.DefaultRouterConfig(), reg, slog.Default())
	dialer := &fakeDialer{}
	m, err := NewManager(testManagerConfig(), reg, rt, nil,
		WithClock(clock.Fake(time.Unix(1700000000, 0))),
		WithClientFactory(dialer.factory),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Disconnect() })

	entered := make(chan struct{})
	proceed := make(chan struct{})
	reg.Subscribe("orders", func(protocol.Frame) error {
		close(entered)
		<-proceed
		return nil
	}, nil)
	var after int32
	var mu sync.Mutex
	reg.Subscribe("orders", func(protocol.Frame) error {
		mu.Lock()
		after++
		mu.Unlock()
		return nil
	}, nil)

	m.Connect(context.Background())
	waitState(t, m, StateConnected)
	dialer.client(0).push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`{}`), Timestamp: 1})

	<-entered
	m.Disconnect()
	close(proceed)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	if after != 0 {
		t.Errorf("second handler ran %d times after Disconnect returned", after)
	}
	if got := rt.Stats().Cancelled; got != 1 {
		t.Errorf("Cancelled = %d, want 1", got)
	}
}

// Frames read before a transport error reach the dispatcher.
func TestManager_DeliversFramesBufferedBeforeError(t *testing.T) {
	h := newHarness(t, []string{"orders"}, testManagerConfig())
	h.dialer.onCreate = func(i int, c *fakeClient) {
		if i != 0 {
			return
		}
		for n := 1; n <= 3; n++ {
			c.push(t, protocol.Frame{Type: protocol.TypePublish, Channel: "orders", Data: []byte(`{}`), Timestamp: int64(n)})
		}
		c.errors <- io.EOF
	}

	h.m.Connect(context.Background())
	waitState(t, h.m, StateReconnecting)

	waitFor(t, "buffered frames", func() bool { return len(h.disp.Frames()) == 3 })
	for i, f := range h.disp.Frames() {
		if f.Timestamp != int64(i+1) {
			t.Errorf("frame %d timestamp = %d, want %d", i, f.Timestamp, i+1)
		}
	}
}
