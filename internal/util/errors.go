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

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError wraps an external command failure with its stderr context.
//
// # Description
//
// Every runtime operation in this tool ultimately shells out to a compose
// binary or a container exec. When one of those fails, the exit code and the
// captured stderr are the only diagnostics available, so they travel with the
// error instead of being logged and lost. Implements the error interface and
// supports unwrapping via errors.Is/As.
//
// # Thread Safety
//
// CommandError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewCommandError("docker compose up -d", 1, "port is already allocated", raw)
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
//
// # Limitations
//
//   - Stderr is held as one in-memory string, not streamed
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code, or -1 when the process never ran.
	ExitCode int

	// Stderr is the captured standard error output, whitespace-trimmed.
	Stderr string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error returns the formatted error message.
//
// The message always contains the command and exit code; stderr is appended
// when present because it is usually the only actionable part.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether any stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

// Compile-time interface satisfaction checks
var _ error = (*CommandError)(nil)

// =============================================================================
// Constructor Functions
// =============================================================================

// NewCommandError creates a CommandError with full context.
//
// # Inputs
//
//   - cmd: the command that was executed (e.g., "docker compose up -d")
//   - exitCode: process exit code (-1 if the process never started)
//   - stderr: standard error output (trimmed before storing)
//   - wrapped: underlying error (may be nil)
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// WrapCommandError wraps an error into a CommandError unless it already is one.
//
// Returns nil for a nil error. An existing *CommandError in the chain is
// returned as-is so retry loops cannot stack wrappers around the same failure.
func WrapCommandError(err error, cmd string, exitCode int, stderr string) *CommandError {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	return NewCommandError(cmd, exitCode, stderr, err)
}

// ExtractStderr returns the stderr from the first CommandError in the chain,
// or the empty string when the chain has none.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
