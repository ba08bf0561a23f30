// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration parses Go duration strings ("2m", "30s") from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// fileConfig is the optional YAML configuration file. Flags that were
// set explicitly on the command line win over file values.
type fileConfig struct {
	Listen          string   `yaml:"listen"`
	GraceWindow     duration `yaml:"graceWindow"`
	SweepInterval   duration `yaml:"sweepInterval"`
	MaxMessageBytes int64    `yaml:"maxMessageBytes"`
	LogLevel        string   `yaml:"logLevel"`
}

// loadFileConfig reads and parses the YAML config at path.
func loadFileConfig(path string) (fileConfig, error) {
	var config fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return config, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}
