// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the CLI's settings file with env overrides.
package config

import (
	"os"
	"path/filepath"
)

// Settings is the persisted user configuration.
//
// # Description
//
// Everything has a working default; the file exists so users can move
// the data directory, switch runtimes, or turn tracing on without
// flags on every invocation. Environment variables override the file
// (MOORING_HOME, MOORING_RUNTIME, MOORING_ADDR, MOORING_LOG_LEVEL).
type Settings struct {
	// Home is the data directory: project roots, the record store,
	// logs, and the lock file all live under it.
	Home string `yaml:"home" validate:"required"`

	// Runtime is the container runtime binary.
	Runtime string `yaml:"runtime" validate:"required,oneof=docker podman"`

	// ListenAddr is where `mooring serve` binds.
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	// LogLevel is the minimum level written to stderr and the log file.
	LogLevel string `yaml:"log_level" validate:"required,oneof=debug info warn error"`

	// FileLogging writes JSON logs under {Home}/logs in addition to
	// stderr.
	FileLogging bool `yaml:"file_logging"`

	// Tracing enables OTLP trace export in `mooring serve`. The
	// collector endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT.
	Tracing bool `yaml:"tracing"`
}

// DefaultSettings returns the configuration used on first run.
func DefaultSettings() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Settings{
		Home:       filepath.Join(home, ".mooring"),
		Runtime:    "docker",
		ListenAddr: "127.0.0.1:7740",
		LogLevel:   "info",
	}
}

// ProjectsDir is where project roots are created.
func (s Settings) ProjectsDir() string {
	return filepath.Join(s.Home, "projects")
}

// StorePath is the project record store file.
func (s Settings) StorePath() string {
	return filepath.Join(s.Home, "projects.json")
}

// LogDir is the file-logging directory. Empty when file logging is off.
func (s Settings) LogDir() string {
	if !s.FileLogging {
		return ""
	}
	return filepath.Join(s.Home, "logs")
}

// LockDir is where the single-instance lock lives.
func (s Settings) LockDir() string {
	return s.Home
}
