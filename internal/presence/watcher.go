package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source provides presence snapshots. *Coordinator satisfies it.
type Source interface {
	Get(ctx context.Context, channel string) ([]Entry, error)
}

// SnapshotHandler receives a channel's presence set when it changed
// since the last refresh.
type SnapshotHandler func(channel string, members []Entry)

// WatchConfig holds watcher configuration.
type WatchConfig struct {
	Interval    time.Duration // Refresh interval (default: 30s)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultWatchConfig returns sensible defaults.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Interval:    30 * time.Second,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Watcher periodically refreshes presence snapshots for watched channels.
type Watcher struct {
	cfg     WatchConfig
	source  Source
	handler SnapshotHandler
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]string // channel -> fingerprint of last delivered snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher.
func NewWatcher(cfg WatchConfig, source Source, handler SnapshotHandler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWatchConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Watcher{
		cfg:      cfg,
		source:   source,
		handler:  handler,
		logger:   logger.With("component", "presence_watcher"),
		channels: make(map[string]string),
	}
}

// Watch adds channel to the refresh set.
func (w *Watcher) Watch(channel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.channels[channel]; !ok {
		w.channels[channel] = ""
	}
}

// Unwatch removes channel from the refresh set.
func (w *Watcher) Unwatch(channel string) {
	w.mu.Lock()
	delete(w.channels, channel)
	w.mu.Unlock()
}

// Start begins the refresh loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("presence watcher started",
		"interval", w.cfg.Interval,
		"concurrency", w.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("presence watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// Refresh immediately on start.
	w.Refresh(w.ctx)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Refresh(w.ctx)
		}
	}
}

// Refresh fetches every watched channel once, with bounded concurrency,
// and delivers the snapshots that changed. Failures are logged and the
// channel is retried on the next refresh.
func (w *Watcher) Refresh(ctx context.Context) {
	start := time.Now()

	w.mu.Lock()
	channels := make([]string, 0, len(w.channels))
	for ch := range w.channels {
		channels = append(channels, ch)
	}
	w.mu.Unlock()

	if len(channels) == 0 {
		w.logger.Debug("no channels to refresh")
		return
	}
	sort.Strings(channels)

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	var fetched, changed, failed atomic.Int64

	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			members, err := w.fetch(ctx, ch)
			if err != nil {
				w.logger.Warn("failed to refresh presence", "channel", ch, "error", err)
				failed.Add(1)
				return nil
			}
			fetched.Add(1)
			if w.record(ch, members) {
				changed.Add(1)
				if w.handler != nil {
					w.handler(ch, members)
				}
			}
			return nil
		})
	}
	g.Wait()

	w.logger.Debug("presence refresh complete",
		"channels", len(channels),
		"fetched", fetched.Load(),
		"changed", changed.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

func (w *Watcher) fetch(ctx context.Context, channel string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.source.Get(ctx, channel)
}

// record stores the snapshot fingerprint and reports whether it changed.
// Unwatched channels are never reported.
func (w *Watcher) record(channel string, members []Entry) bool {
	fp := fingerprint(members)

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.channels[channel]
	if !ok || prev == fp {
		return false
	}
	w.channels[channel] = fp
	return true
}

// fingerprint is order-insensitive over identities.
func fingerprint(members []Entry) string {
	sorted := make([]Entry, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identity < sorted[j].Identity })
	b, _ := json.Marshal(sorted)
	return string(b)
}
