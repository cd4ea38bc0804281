// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// bridge-skill serves the Telegram bridge tool surface as a JSON-RPC
// 2.0 server on stdio. Requests arrive on stdin in either
// Content-Length framed or bare newline-delimited encoding;
// responses go to stdout in the matching encoding. All logging goes
// to stderr, never stdout, because stdout carries the wire protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/inference"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/clock"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/config"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/process"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/version"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/pdf"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/rpc"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/session"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/telegram"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/tool"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the YAML config file (overrides BRIDGE_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("bridge-skill")
		return nil
	}

	// Credentials come from the environment; a .env file next to the
	// binary is a development convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := session.OpenStore(session.StoreConfig{
		Path:         cfg.Storage.Path,
		HistoryCap:   cfg.Storage.HistoryCap,
		Retention:    time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
		DefaultTopic: cfg.Defaults.Topic,
		DefaultAgent: cfg.Defaults.Agent,
		Clock:        clock.Real(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// The bot token is required: without it the bridge cannot do its
	// job, so boot fails rather than serving a crippled tool surface.
	// The inference key, in contrast, only gates reply generation and
	// degrades at call time.
	token, err := telegramToken()
	if err != nil {
		return err
	}
	telegramClient, err := telegram.NewClient(telegram.ClientConfig{
		APIBase: cfg.Telegram.APIBase,
		Token:   token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	inferenceClient, err := inference.NewClient(inference.ClientConfig{
		BaseURL:    cfg.Inference.BaseURL,
		APIKey:     os.Getenv("INFERENCE_API_KEY"),
		MaxRetries: cfg.Inference.MaxRetries,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second},
		Clock:      clock.Real(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if !inferenceClient.Enabled() {
		logger.Warn("INFERENCE_API_KEY not set, inference-backed tools disabled")
	}

	var responder pdf.Responder
	if inferenceClient.Enabled() {
		responder = inferenceClient
	}
	processor, err := pdf.NewProcessor(telegramClient, responder, logger)
	if err != nil {
		return err
	}

	registry := tool.NewRegistry()
	if _, err := tool.NewBridge(tool.BridgeConfig{
		Store:        store,
		Messenger:    telegramClient,
		Ingester:     processor,
		PollTimeout:  cfg.Telegram.PollTimeoutSeconds,
		DefaultModel: cfg.Defaults.Model,
		Logger:       logger,
	}, registry); err != nil {
		return err
	}

	dispatcher := rpc.NewDispatcher(registry, logger)
	framer := rpc.NewFramer(dispatcher, os.Stdout, logger)

	logger.Info("bridge-skill serving on stdio",
		"version", version.Short(),
		"storage", cfg.Storage.Path,
		"tools", len(registry.List()),
	)

	done := make(chan error, 1)
	go func() {
		done <- readLoop(ctx, framer)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-done:
		return err
	}
}

// telegramToken reads the bot token from the environment. An empty
// or unset token is a startup failure.
func telegramToken() (string, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return "", errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return token, nil
}

// loadConfig resolves the config source: an explicit --config path
// wins over the BRIDGE_CONFIG environment variable, and with
// neither set the built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// readLoop pumps stdin chunks into the framer until EOF. Partial
// frames stay buffered inside the framer between reads.
func readLoop(ctx context.Context, framer *rpc.Framer) error {
	buffer := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			if feedErr := framer.Feed(ctx, buffer[:n]); feedErr != nil {
				return feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
}
