// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("built-in defaults fail validation: %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
storage:
  history_cap: 50
defaults:
  topic: support
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.HistoryCap != 50 {
		t.Errorf("HistoryCap = %d, want the file's 50", cfg.Storage.HistoryCap)
	}
	if cfg.Defaults.Topic != "support" {
		t.Errorf("Topic = %q, want the file's support", cfg.Defaults.Topic)
	}
	// Untouched fields keep their defaults.
	if cfg.Storage.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want the default 30", cfg.Storage.RetentionDays)
	}
	if cfg.Telegram.APIBase != "https://api.telegram.org" {
		t.Errorf("APIBase = %q, want the default", cfg.Telegram.APIBase)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFile succeeded on a missing file")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Storage.HistoryCap = 0
	cfg.Storage.RetentionDays = -1
	cfg.Defaults.Topic = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{"history_cap", "retention_days", "defaults.topic"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q is missing %q", err, want)
		}
	}
}

func TestLoadHonorsEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  agent: reviewer\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRIDGE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Defaults.Agent != "reviewer" {
		t.Errorf("Agent = %q, want the file's reviewer", cfg.Defaults.Agent)
	}
}
