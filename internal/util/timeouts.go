// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// =============================================================================
// Constants
// =============================================================================

// Timeout constants define minimum and default durations for the external
// operations the orchestrator performs.
//
// Every context deadline in the engine goes through one of these values so a
// misconfigured (zero or negative) setting can never produce an infinite hang.
const (
	// MinHTTPTimeout is the absolute minimum for any HTTP request.
	MinHTTPTimeout = 1 * time.Second

	// MinProcessTimeout is the absolute minimum for spawning an external
	// process and waiting for it.
	MinProcessTimeout = 5 * time.Second

	// MinInactivityTimeout is the absolute minimum for the download engine's
	// no-bytes-received watchdog.
	MinInactivityTimeout = 10 * time.Second

	// DefaultHTTPTimeout is the standard timeout for single HTTP requests
	// such as the readiness probe against a project's public port.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultProcessTimeout is the standard timeout for short-lived runtime
	// commands (ps, version checks).
	DefaultProcessTimeout = 2 * time.Minute

	// DefaultComposeTimeout is the standard timeout for compose operations.
	// Image pulls on a cold cache dominate this budget.
	DefaultComposeTimeout = 5 * time.Minute

	// DefaultHealthWaitTimeout bounds the wait for a project's database
	// container to report healthy after compose up.
	DefaultHealthWaitTimeout = 90 * time.Second

	// DefaultInstallTimeout bounds the in-container CLI installer.
	// Installing the full Moodle schema can take many minutes on slow disks.
	DefaultInstallTimeout = 20 * time.Minute

	// DefaultDownloadInactivityTimeout aborts a transfer when no bytes have
	// arrived for this long. Slow-but-steady connections are unaffected
	// because the watchdog resets on every received chunk.
	DefaultDownloadInactivityTimeout = 90 * time.Second

	// DefaultDownloadAbsoluteTimeout is the hard ceiling on a single download
	// attempt regardless of progress.
	DefaultDownloadAbsoluteTimeout = 45 * time.Minute
)

// =============================================================================
// TimeoutValidator Interface
// =============================================================================

// TimeoutValidator is the contract for timeout configuration validation.
//
// # Description
//
// Implementations return a copy of their configuration with every duration
// raised to its documented minimum, so downstream code can use the values
// without re-checking them.
//
// # Thread Safety
//
// Implementations should be safe for concurrent use from multiple goroutines.
type TimeoutValidator interface {
	// Validated returns a copy with all timeouts at least at their minimums.
	Validated() TimeoutConfig
}

// =============================================================================
// TimeoutConfig Struct
// =============================================================================

// TimeoutConfig holds the engine's timeout settings.
//
// # Description
//
// Groups the deadlines used by the runtime client, the download engine, the
// installer, and the readiness probe. Use NewTimeoutConfig for defaults and
// Validated before handing values to production code.
//
// # Example
//
//	cfg := util.NewTimeoutConfig()
//	cfg.Install = 40 * time.Minute // slow laptop
//	cfg = cfg.Validated()
//
// # Limitations
//
//   - Maximums are not enforced; only minimums are.
type TimeoutConfig struct {
	// HTTP is the timeout for single HTTP requests (readiness probes,
	// size-discovery requests).
	HTTP time.Duration

	// Process is the timeout for short runtime commands.
	Process time.Duration

	// Compose is the timeout for compose up/stop/down operations.
	Compose time.Duration

	// HealthWait bounds the database health poll after compose up.
	HealthWait time.Duration

	// Install bounds the in-container CLI installer.
	Install time.Duration

	// DownloadInactivity is the download no-progress watchdog.
	DownloadInactivity time.Duration

	// DownloadAbsolute is the hard per-attempt download ceiling.
	DownloadAbsolute time.Duration
}

// Compile-time interface satisfaction check
var _ TimeoutValidator = (*TimeoutConfig)(nil)

// =============================================================================
// TimeoutConfig Methods
// =============================================================================

// Validated returns a copy with all timeouts at least at their minimums.
//
// The receiver is not modified. Zero and negative values are treated the same
// as too-small values and raised to the minimum.
func (c *TimeoutConfig) Validated() TimeoutConfig {
	return TimeoutConfig{
		HTTP:               EnforceMinTimeout(c.HTTP, MinHTTPTimeout),
		Process:            EnforceMinTimeout(c.Process, MinProcessTimeout),
		Compose:            EnforceMinTimeout(c.Compose, MinProcessTimeout),
		HealthWait:         EnforceMinTimeout(c.HealthWait, MinProcessTimeout),
		Install:            EnforceMinTimeout(c.Install, MinProcessTimeout),
		DownloadInactivity: EnforceMinTimeout(c.DownloadInactivity, MinInactivityTimeout),
		DownloadAbsolute:   EnforceMinTimeout(c.DownloadAbsolute, MinProcessTimeout),
	}
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewTimeoutConfig creates a TimeoutConfig with the default durations.
//
// All returned values are at or above their minimums, so calling Validated on
// the result is a no-op.
func NewTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		HTTP:               DefaultHTTPTimeout,
		Process:            DefaultProcessTimeout,
		Compose:            DefaultComposeTimeout,
		HealthWait:         DefaultHealthWaitTimeout,
		Install:            DefaultInstallTimeout,
		DownloadInactivity: DefaultDownloadInactivityTimeout,
		DownloadAbsolute:   DefaultDownloadAbsoluteTimeout,
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// EnforceMinTimeout returns at least the minimum timeout.
//
// # Description
//
// If the requested timeout is zero, negative, or below the minimum, the
// minimum is returned instead. This is the guard that keeps a bad settings
// file from disabling deadlines entirely.
//
// # Example
//
//	timeout := util.EnforceMinTimeout(cfg.Timeout, util.MinHTTPTimeout)
//	client := &http.Client{Timeout: timeout}
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns the default if the requested is zero or
// negative.
//
// Unlike EnforceMinTimeout this accepts any positive value unchanged, so a
// caller can deliberately configure something below the usual minimum.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
