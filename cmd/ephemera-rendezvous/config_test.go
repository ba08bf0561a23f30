// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
listen: ":9000"
graceWindow: 2m
sweepInterval: 30s
maxMessageBytes: 65536
logLevel: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("loadFileConfig: %v", err)
	}
	if config.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", config.Listen)
	}
	if time.Duration(config.GraceWindow) != 2*time.Minute {
		t.Errorf("graceWindow = %v, want 2m", time.Duration(config.GraceWindow))
	}
	if time.Duration(config.SweepInterval) != 30*time.Second {
		t.Errorf("sweepInterval = %v, want 30s", time.Duration(config.SweepInterval))
	}
	if config.MaxMessageBytes != 65536 {
		t.Errorf("maxMessageBytes = %d, want 65536", config.MaxMessageBytes)
	}
	if config.LogLevel != "debug" {
		t.Errorf("logLevel = %q, want debug", config.LogLevel)
	}
}

func TestLoadFileConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("listne: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := loadFileConfig(path); err == nil {
		t.Error("loadFileConfig with misspelled key succeeded, want error")
	}
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	if _, err := loadFileConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loadFileConfig of missing file succeeded, want error")
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, name := range []string{"debug", "info", "warn", "error"} {
		if _, err := parseLogLevel(name); err != nil {
			t.Errorf("parseLogLevel(%q): %v", name, err)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Error("parseLogLevel(verbose) succeeded, want error")
	}
}
