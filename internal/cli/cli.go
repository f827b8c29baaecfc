// Package cli holds the setup shared by the command-line tools.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	realtime "github.com/fluxez/realtime-go"
	"github.com/fluxez/realtime-go/internal/config"
	"github.com/fluxez/realtime-go/internal/logging"
	"github.com/fluxez/realtime-go/internal/version"
)

// Setup loads and validates the config file and builds the logger.
func Setup(path, levelOverride string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, nil, err
	}
	if levelOverride != "" {
		cfg.Log.Level = levelOverride
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// ClientConfig converts the file config into a client config.
func ClientConfig(cfg *config.Config) (realtime.Config, error) {
	creds, err := cfg.Credentials()
	if err != nil {
		return realtime.Config{}, fmt.Errorf("load credentials: %w", err)
	}
	var token string
	if creds != nil {
		token = creds.Token
	}

	userAgent := cfg.Client.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return realtime.Config{
		URL:        cfg.Client.URL,
		Token:      token,
		UserAgent:  userAgent,
		Identity:   cfg.Presence.Identity,
		Connection: cfg.ManagerConfig(),
		Outbound:   cfg.SenderConfig(),
		Router:     realtime.DefaultConfig().Router,
		API: realtime.APIConfig{
			BaseURL:      cfg.API.BaseURL,
			Timeout:      cfg.API.Timeout,
			MaxRetries:   cfg.API.MaxRetries,
			RetryBackoff: cfg.API.RetryBackoff,
		},
	}, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// LogTransitions logs every connection state change.
func LogTransitions(c *realtime.Client, logger *slog.Logger) {
	c.OnStateChange(func(tr realtime.Transition) {
		logger.Info("connection state",
			"from", tr.From.String(),
			"to", tr.To.String(),
			"generation", tr.Generation,
			"error", tr.Err,
		)
	})
	c.OnError(func(err error) {
		logger.Warn("realtime error", "error", err)
	})
	c.OnDropped(func(d realtime.Dropped) {
		logger.Warn("outbound frame dropped", "channel", d.Frame.Channel, "reason", d.Reason)
	})
}
