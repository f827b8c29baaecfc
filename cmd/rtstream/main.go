// rtstream connects to a realtime server and streams frames to the console.
// Usage: go run ./cmd/rtstream --config configs/realtime.example.yaml
//
// Channels come from realtime.channels in the config file and from any
// --channel flags. When archive.enabled is set, every frame is also
// written to PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	realtime "github.com/fluxez/realtime-go"
	"github.com/fluxez/realtime-go/internal/archive"
	"github.com/fluxez/realtime-go/internal/cli"
	"github.com/fluxez/realtime-go/internal/config"
	"github.com/fluxez/realtime-go/internal/database"
	"github.com/fluxez/realtime-go/internal/presence"
	"github.com/fluxez/realtime-go/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rtstream: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		verbose     bool
		channels    []string
		watch       bool
		showVersion bool
		logLevel    string
		statsEvery  time.Duration
	)

	flagSet := pflag.NewFlagSet("rtstream", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/realtime.example.yaml", "path to config file")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "print full frame JSON")
	flagSet.StringSliceVar(&channels, "channel", nil, "channel to subscribe to (repeatable)")
	flagSet.BoolVar(&watch, "watch-presence", false, "poll presence for every subscribed channel")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level")
	flagSet.DurationVar(&statsEvery, "stats-interval", 10*time.Second, "how often to log client stats")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.UserAgent())
		return nil
	}

	cfg, logger, err := cli.Setup(configPath, logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	rcfg, err := cli.ClientConfig(cfg)
	if err != nil {
		return err
	}
	client, err := realtime.New(rcfg, realtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	cli.LogTransitions(client, logger)
	if cfg.Realtime.LogHandlerErr {
		client.OnHandlerError(func(herr *realtime.HandlerError) {
			logger.Warn("handler failed", "error", herr)
		})
	}

	all := uniqueChannels(cfg.Realtime.Channels, channels)
	if len(all) == 0 {
		return errors.New("no channels: set realtime.channels or pass --channel")
	}

	printer := framePrinter(verbose)
	for _, ch := range all {
		if _, err := client.Subscribe(ch, printer, nil); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	var writer *archive.Writer
	if cfg.Archive.Enabled {
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		writer, err = startArchive(ctx, cfg, pool, logger)
		if err != nil {
			return err
		}
		for _, ch := range all {
			if _, err := client.Subscribe(ch, writer.Handle, nil); err != nil {
				return fmt.Errorf("archive subscribe %s: %w", ch, err)
			}
		}
	}

	var watcher *presence.Watcher
	if watch {
		if cfg.API.BaseURL == "" {
			return errors.New("--watch-presence needs api.base_url")
		}
		watcher = presence.NewWatcher(presence.WatchConfig{
			Interval:    cfg.Presence.WatchInterval,
			Concurrency: cfg.Presence.WatchConcurrency,
			Timeout:     cfg.API.Timeout,
		}, presenceSource{client}, func(channel string, members []presence.Entry) {
			ids := make([]string, len(members))
			for i, m := range members {
				ids[i] = m.Identity
			}
			fmt.Printf("[presence] %s: %d members %v\n", channel, len(members), ids)
		}, logger)
		for _, ch := range all {
			watcher.Watch(ch)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start presence watcher: %w", err)
		}
	}

	logger.Info("connecting", "url", cfg.Client.URL, "channels", all)
	if err := client.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, reconnecting in background", "error", err)
	}

	go logStats(ctx, client, writer, statsEvery, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if watcher != nil {
		if err := watcher.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping presence watcher", "error", err)
		}
	}
	if err := client.Disconnect(); err != nil && !errors.Is(err, realtime.ErrAlreadyClosed) {
		logger.Error("error disconnecting", "error", err)
	}
	select {
	case <-client.Done():
	case <-shutdownCtx.Done():
		logger.Warn("handlers still running at shutdown deadline")
	}
	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping archive writer", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func startArchive(ctx context.Context, cfg *config.Config, db archive.DB, logger *slog.Logger) (*archive.Writer, error) {
	if err := archive.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("archive schema: %w", err)
	}

	w := archive.NewWriter(archive.WriterConfig{
		BatchSize:     cfg.Archive.BatchSize,
		FlushInterval: cfg.Archive.FlushInterval,
		BufferSize:    cfg.Archive.BufferSize,
	}, db, logger)
	// The writer outlives ctx so Stop can drain into the pool.
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start archive writer: %w", err)
	}
	return w, nil
}

func framePrinter(verbose bool) realtime.Handler {
	return func(f realtime.Frame) error {
		ts := time.UnixMilli(f.Timestamp).Format("15:04:05.000")
		if verbose {
			fmt.Printf("[%s] %s %s id=%s %s\n", ts, f.Type, f.Channel, f.ID, f.Data)
			return nil
		}
		fmt.Printf("[%s] %s %s (%d bytes)\n", ts, f.Type, f.Channel, len(f.Data))
		return nil
	}
}

func logStats(ctx context.Context, client *realtime.Client, writer *archive.Writer, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := client.Stats()
			logger.Info("stats",
				"state", s.Connection.State.String(),
				"generation", s.Connection.Generation,
				"frames_in", s.Connection.FramesIn,
				"frames_out", s.Connection.FramesOut,
				"deliveries", s.Router.Deliveries,
				"handler_errors", s.Router.HandlerErrors,
				"queued", s.Outbound.Queued,
				"dropped", s.Outbound.Dropped,
				"channels", s.Subscriptions.Channels,
			)
			if writer != nil {
				w := writer.Stats()
				logger.Info("archive stats",
					"received", w.Received,
					"inserts", w.Inserts,
					"conflicts", w.Conflicts,
					"dropped", w.Dropped,
					"errors", w.Errors,
				)
			}
		}
	}
}

// presenceSource adapts the client to the watcher.
type presenceSource struct {
	client *realtime.Client
}

func (p presenceSource) Get(ctx context.Context, channel string) ([]presence.Entry, error) {
	return p.client.GetPresence(ctx, channel)
}

func uniqueChannels(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, ch := range list {
			if ch == "" || seen[ch] {
				continue
			}
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}
