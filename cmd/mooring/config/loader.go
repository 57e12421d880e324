// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mooring", "settings.yaml")
}

// Load reads settings from path, creating the file with defaults on
// first run.
//
// # Description
//
// The file is parsed over the defaults, so a partial file only
// overrides what it names. Environment variables override the file,
// and the merged result is validated before it is returned.
//
// # Inputs
//
//   - path: Settings file location. Empty uses DefaultPath.
//
// # Outputs
//
//   - Settings: The merged, validated configuration
//   - error: Non-nil on unreadable file, bad YAML, or invalid values
func Load(path string) (Settings, error) {
	if path == "" {
		path = DefaultPath()
	}
	settings := DefaultSettings()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, settings); err != nil {
			return settings, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	applyEnv(&settings)

	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return settings, nil
}

// applyEnv overlays MOORING_* environment variables.
func applyEnv(s *Settings) {
	if v := os.Getenv("MOORING_HOME"); v != "" {
		s.Home = v
	}
	if v := os.Getenv("MOORING_RUNTIME"); v != "" {
		s.Runtime = v
	}
	if v := os.Getenv("MOORING_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("MOORING_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
}

// writeDefault creates the settings file with defaults on first run.
func writeDefault(path string, settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode default settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default settings: %w", err)
	}
	return nil
}
