// rtpublish reads JSON values from stdin, one per line, and publishes each
// to a channel.
// Usage: echo '{"text":"hi"}' | go run ./cmd/rtpublish --channel room1
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	realtime "github.com/fluxez/realtime-go"
	"github.com/fluxez/realtime-go/internal/cli"
	"github.com/fluxez/realtime-go/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpublish: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		channel     string
		logLevel    string
		waitTimeout time.Duration
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("rtpublish", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/realtime.example.yaml", "path to config file")
	flagSet.StringVar(&channel, "channel", "", "channel to publish to (required)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level")
	flagSet.DurationVar(&waitTimeout, "flush-timeout", 5*time.Second, "how long to wait for buffered frames after stdin closes")
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
	if channel == "" {
		return errors.New("--channel is required")
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

	if err := client.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, frames will be buffered", "error", err)
	}

	published, err := publishLines(ctx, client, channel, os.Stdin, logger)
	if err != nil {
		return err
	}

	waitForFlush(ctx, client, waitTimeout, logger)

	if err := client.Disconnect(); err != nil && !errors.Is(err, realtime.ErrAlreadyClosed) {
		logger.Error("error disconnecting", "error", err)
	}
	logger.Info("done", "published", published, "sent", client.Stats().Outbound.Sent)
	return nil
}

// publisher is the part of the client publishLines needs.
type publisher interface {
	Publish(ctx context.Context, channel string, data any) error
}

// publishLines publishes every non-empty line of r. Lines that are not
// valid JSON are skipped and logged.
func publishLines(ctx context.Context, p publisher, channel string, r io.Reader, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	n := 0
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			logger.Warn("skipping invalid JSON", "line", line)
			continue
		}

		raw := make(json.RawMessage, len(text))
		copy(raw, text)
		if err := p.Publish(ctx, channel, raw); err != nil {
			return n, fmt.Errorf("publish line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read stdin: %w", err)
	}
	return n, nil
}

// waitForFlush polls until the outbound buffer is empty, the timeout
// passes or ctx is cancelled.
func waitForFlush(ctx context.Context, client *realtime.Client, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for client.Stats().Outbound.Queued > 0 {
		if time.Now().After(deadline) {
			logger.Warn("buffered frames not flushed", "queued", client.Stats().Outbound.Queued)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
