// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - BRIDGE_CONFIG environment variable, or
//   - --config flag passed to the binary
//
// There are no fallbacks or automatic discovery beyond the built-in
// defaults; the file overrides defaults field by field. Credentials
// (bot token, inference API key) never live in the file; they come
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the bridge.
type Config struct {
	// Storage configures the session store.
	Storage StorageConfig `yaml:"storage"`

	// Defaults configures the initial thread profile.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Telegram configures the Bot API client.
	Telegram TelegramConfig `yaml:"telegram"`

	// Inference configures the inference-backend client.
	Inference InferenceConfig `yaml:"inference"`
}

// StorageConfig configures the SQLite session store.
type StorageConfig struct {
	// Path is the SQLite database file. The parent directory is
	// created at startup if it does not exist.
	Path string `yaml:"path"`

	// HistoryCap is the maximum number of messages kept per thread
	// before oldest-eviction triggers. Default: 200.
	HistoryCap int `yaml:"history_cap"`

	// RetentionDays is the age horizon in days beyond which messages
	// are deleted on append, regardless of thread. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultsConfig holds the profile applied to threads with no history.
type DefaultsConfig struct {
	// Topic is the thread key used when a request names none.
	// Default: "general".
	Topic string `yaml:"topic"`

	// Agent is the agent label for empty threads. Default: "copilot".
	Agent string `yaml:"agent"`

	// Model is the inference model used when a thread has no
	// selection. Default: the catalog's first entry.
	Model string `yaml:"model"`
}

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	// APIBase is the Bot API base URL. Default:
	// "https://api.telegram.org". Override for test servers.
	APIBase string `yaml:"api_base"`

	// PollTimeoutSeconds is the long-poll timeout passed to
	// getUpdates. Default: 0 (short poll).
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
}

// InferenceConfig configures the inference-backend client.
type InferenceConfig struct {
	// BaseURL is the chat-completions endpoint base URL.
	BaseURL string `yaml:"base_url"`

	// TimeoutSeconds bounds a single inference HTTP call. Default: 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries is the number of additional attempts after a
	// transient failure. Default: 2.
	MaxRetries int `yaml:"max_retries"`
}

// Default returns the built-in defaults. These are the base that the
// config file overrides; only Storage.Path has no usable default when
// the home directory cannot be resolved.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			Path:          filepath.Join(homeDir, ".cache", "bridge-skill", "sessions.db"),
			HistoryCap:    200,
			RetentionDays: 30,
		},
		Defaults: DefaultsConfig{
			Topic: "general",
			Agent: "copilot",
		},
		Telegram: TelegramConfig{
			APIBase: "https://api.telegram.org",
		},
		Inference: InferenceConfig{
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 120,
			MaxRetries:     2,
		},
	}
}

// Load loads configuration from the BRIDGE_CONFIG environment
// variable, falling back to the built-in defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("BRIDGE_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Storage.HistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("storage.history_cap must be positive"))
	}
	if c.Storage.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("storage.retention_days must be positive"))
	}
	if c.Defaults.Topic == "" {
		errs = append(errs, fmt.Errorf("defaults.topic is required"))
	}
	if c.Defaults.Agent == "" {
		errs = append(errs, fmt.Errorf("defaults.agent is required"))
	}
	if c.Telegram.APIBase == "" {
		errs = append(errs, fmt.Errorf("telegram.api_base is required"))
	}
	if c.Inference.BaseURL == "" {
		errs = append(errs, fmt.Errorf("inference.base_url is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
