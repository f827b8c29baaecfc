package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxez/realtime-go/internal/protocol"
	"github.com/fluxez/realtime-go/internal/subscription"
)

func publish(channel, data string) protocol.Frame {
	return protocol.Frame{
		Type:      protocol.TypePublish,
		Channel:   channel,
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UnixMilli(),
		ID:        protocol.NewID(),
	}
}

func newTestRouter() (*subscription.Registry, Router) {
	reg := subscription.NewRegistry()
	return reg, NewRouter(DefaultRouterConfig(), reg, slog.Default())
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg.SlowHandlerThreshold != 250*time.Millisecond {
		t.Errorf("SlowHandlerThreshold = %v, want 250ms", cfg.SlowHandlerThreshold)
	}
}

// Scenario A: one publish, one invocation with the payload.
func TestRouter_DeliversPublish(t *testing.T) {
	reg, r := newTestRouter()

	var got []json.RawMessage
	reg.Subscribe("orders", func(f protocol.Frame) error {
		got = append(got, f.Data)
		return nil
	}, nil)

	r.Dispatch(publish("orders", `{"id":1}`))

	if len(got) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(got))
	}
	if string(got[0]) != `{"id":1}` {
		t.Errorf("data = %s, want {\"id\":1}", got[0])
	}
}

// Scenario B: the filter sees frame.data and only the second frame passes.
func TestRouter_Filter(t *testing.T) {
	reg, r := newTestRouter()

	var got []int
	reg.Subscribe("orders", func(f protocol.Frame) error {
		var v struct{ Amount int }
		json.Unmarshal(f.Data, &v)
		got = append(got, v.Amount)
		return nil
	}, func(data json.RawMessage) bool {
		var v struct{ Amount int }
		if err := json.Unmarshal(data, &v); err != nil {
			return false
		}
		return v.Amount > 100
	})

	r.Dispatch(publish("orders", `{"amount":50}`))
	r.Dispatch(publish("orders", `{"amount":150}`))

	if len(got) != 1 || got[0] != 150 {
		t.Errorf("invocations = %v, want [150]", got)
	}

	stats := r.Stats()
	if stats.Filtered != 1 || stats.Deliveries != 1 {
		t.Errorf("stats = %+v, want Filtered=1 Deliveries=1", stats)
	}
}

func TestRouter_RegistrationOrder(t *testing.T) {
	reg, r := newTestRouter()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		reg.Subscribe("orders", func(protocol.Frame) error {
			order = append(order, i)
			return nil
		}, nil)
	}

	r.Dispatch(publish("orders", `{}`))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestRouter_HandlerIsolation(t *testing.T) {
	reg, r := newTestRouter()

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) subscription.Handler {
		return func(protocol.Frame) error {
			mu.Lock()
			calls[name]++
			mu.Unlock()
			return nil
		}
	}

	reg.Subscribe("orders", func(protocol.Frame) error { return errors.New("boom") }, nil)
	reg.Subscribe("orders", func(protocol.Frame) error { panic("kaboom") }, nil)
	reg.Subscribe("orders", record("orders-after"), nil)
	reg.Subscribe("users", record("users"), nil)

	var herrs []*HandlerError
	r.OnHandlerError(func(e *HandlerError) { herrs = append(herrs, e) })

	r.Dispatch(publish("orders", `{}`))
	r.Dispatch(publish("users", `{}`))

	if calls["orders-after"] != 1 {
		t.Errorf("handler after failing ones invoked %d times, want 1", calls["orders-after"])
	}
	if calls["users"] != 1 {
		t.Errorf("other channel invoked %d times, want 1", calls["users"])
	}

	if len(herrs) != 2 {
		t.Fatalf("handler errors = %d, want 2", len(herrs))
	}
	if herrs[0].Err == nil || herrs[0].Err.Error() != "boom" {
		t.Errorf("first error = %v, want boom", herrs[0])
	}
	if herrs[1].Panic != "kaboom" {
		t.Errorf("second error panic = %v, want kaboom", herrs[1].Panic)
	}

	if got := r.Stats().HandlerErrors; got != 2 {
		t.Errorf("HandlerErrors = %d, want 2", got)
	}
}

func TestRouter_UnroutedFrame(t *testing.T) {
	_, r := newTestRouter()

	r.Dispatch(publish("nobody", `{}`))

	stats := r.Stats()
	if stats.FramesReceived != 1 || stats.FramesUnrouted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// A handler removing a later handler mid-dispatch: the iteration keeps
// going, and the removed handler is not started afterwards.
func TestRouter_UnsubscribeDuringDispatch(t *testing.T) {
	reg, r := newTestRouter()

	var order []string
	var second subscription.Handle

	reg.Subscribe("orders", func(protocol.Frame) error {
		order = append(order, "first")
		reg.Unsubscribe(second)
		return nil
	}, nil)
	second, _, _ = reg.Subscribe("orders", func(protocol.Frame) error {
		order = append(order, "second")
		return nil
	}, nil)
	reg.Subscribe("orders", func(protocol.Frame) error {
		order = append(order, "third")
		return nil
	}, nil)

	r.Dispatch(publish("orders", `{}`))

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Errorf("order = %v, want [first third]", order)
	}

	order = nil
	r.Dispatch(publish("orders", `{}`))
	if len(order) != 2 {
		t.Errorf("second dispatch order = %v, want [first third]", order)
	}
}

func TestRouter_SelfUnsubscribe(t *testing.T) {
	reg, r := newTestRouter()

	calls := 0
	var self subscription.Handle
	self, _, _ = reg.Subscribe("orders", func(protocol.Frame) error {
		calls++
		reg.Unsubscribe(self)
		return nil
	}, nil)

	r.Dispatch(publish("orders", `{}`))
	r.Dispatch(publish("orders", `{}`))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRouter_SubscribeDuringDispatch(t *testing.T) {
	reg, r := newTestRouter()

	added := 0
	reg.Subscribe("orders", func(protocol.Frame) error {
		reg.Subscribe("orders", func(protocol.Frame) error {
			added++
			return nil
		}, nil)
		return nil
	}, nil)

	// The new handler is not part of the running snapshot.
	r.Dispatch(publish("orders", `{}`))
	if added != 0 {
		t.Errorf("handler added mid-dispatch ran %d times in the same dispatch", added)
	}

	r.Dispatch(publish("orders", `{}`))
	if added != 1 {
		t.Errorf("added handler ran %d times, want 1", added)
	}
}

func TestRouter_ConcurrentUnsubscribe(t *testing.T) {
	reg, r := newTestRouter()

	// Each dispatch carries its sequence number; seq is bumped before
	// the dispatch starts.
	var seq atomic.Int64
	var maxSeen atomic.Int64
	h, _, _ := reg.Subscribe("orders", func(f protocol.Frame) error {
		n, _ := strconv.ParseInt(f.ID, 10, 64)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		return nil
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			f := publish("orders", `{}`)
			f.ID = strconv.FormatInt(seq.Add(1), 10)
			r.Dispatch(f)
		}
	}()

	for seq.Load() < 100 {
		time.Sleep(time.Millisecond)
	}
	reg.Unsubscribe(h)
	startedBefore := seq.Load()
	<-done

	if got := maxSeen.Load(); got > startedBefore {
		t.Errorf("handler saw dispatch %d, started after Unsubscribe returned (last started before: %d)", got, startedBefore)
	}
}

func TestRouter_UnsubscribeWhileFilterRuns(t *testing.T) {
	reg, r := newTestRouter()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h, _, _ := reg.Subscribe("orders", func(protocol.Frame) error {
		calls.Add(1)
		return nil
	}, func(json.RawMessage) bool {
		close(entered)
		<-release
		return true
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Dispatch(publish("orders", `{}`))
	}()

	<-entered
	if removed, _ := reg.Unsubscribe(h); !removed {
		t.Fatal("Unsubscribe did not remove the handler")
	}
	close(release)
	<-done

	if n := calls.Load(); n != 0 {
		t.Errorf("handler invoked %d times after Unsubscribe returned", n)
	}
}

func TestRouter_FilterPanicIsolated(t *testing.T) {
	reg, r := newTestRouter()

	var herrs []*HandlerError
	r.OnHandlerError(func(herr *HandlerError) {
		herrs = append(herrs, herr)
	})

	first := 0
	reg.Subscribe("orders", func(protocol.Frame) error {
		first++
		return nil
	}, func(data json.RawMessage) bool {
		var v map[string]any
		json.Unmarshal(data, &v)
		return v["amount"].(float64) > 100
	})
	second := 0
	reg.Subscribe("orders", func(protocol.Frame) error {
		second++
		return nil
	}, nil)

	func() {
		defer func() {
			if p := recover(); p != nil {
				t.Fatalf("Dispatch panicked: %v", p)
			}
		}()
		r.Dispatch(publish("orders", `{"amount":"lots"}`))
	}()

	if first != 0 {
		t.Errorf("handler behind panicking filter ran %d times", first)
	}
	if second != 1 {
		t.Errorf("next handler ran %d times, want 1", second)
	}
	if len(herrs) != 1 {
		t.Fatalf("got %d handler errors, want 1", len(herrs))
	}
	if !herrs[0].InFilter || herrs[0].Panic == nil {
		t.Errorf("HandlerError = %+v, want filter panic", herrs[0])
	}
	if got := r.Stats().HandlerErrors; got != 1 {
		t.Errorf("HandlerErrors = %d, want 1", got)
	}

	// The filter keeps working for well-formed data.
	r.Dispatch(publish("orders", `{"amount":150}`))
	if first != 1 {
		t.Errorf("handler ran %d times after valid frame, want 1", first)
	}
}

func TestRouter_DispatchWhile(t *testing.T) {
	reg, r := newTestRouter()

	live := true
	var order []string
	reg.Subscribe("orders", func(protocol.Frame) error {
		order = append(order, "a")
		live = false
		return nil
	}, nil)
	reg.Subscribe("orders", func(protocol.Frame) error {
		order = append(order, "b")
		return nil
	}, nil)

	r.DispatchWhile(publish("orders", `{}`), func() bool { return live })

	if len(order) != 1 || order[0] != "a" {
		t.Errorf("order = %v, want [a]", order)
	}
	if got := r.Stats().Cancelled; got != 1 {
		t.Errorf("Cancelled = %d, want 1", got)
	}

	live = true
	r.DispatchWhile(publish("orders", `{}`), nil)
	if len(order) != 3 {
		t.Errorf("nil live: order = %v, want both handlers", order)
	}
}
