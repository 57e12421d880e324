// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package util provides foundational utilities for the Mooring engine.
//
// This is a leaf package: everything here depends only on the Go standard
// library, so any other internal package may import it without creating
// cycles.
//
// # Overview
//
// The package covers six concerns:
//
//   - Timeout Management: minimum and default deadlines for every external
//     operation (HTTP, process spawn, compose, install, download watchdogs)
//   - Command Errors: CommandError carries exit code and stderr through
//     error chains so classification can happen far from the exec call
//   - Environment Variables: validated, redactable variable sets for
//     in-container execs that carry database credentials
//   - Ring Buffer: bounded collection for log tails and event history
//   - Progress Indicators: terminal spinner for long operations
//   - Goroutine Safety: panic recovery for background goroutines
//
// # Thread Safety
//
// Types document their own guarantees. In short: RingBuffer and Spinner are
// mutex-guarded and safe for concurrent use; EnvVars and TimeoutConfig are
// build-once-read-many.
package util
