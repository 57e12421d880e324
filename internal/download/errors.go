// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrorType categorizes download failures.
type ErrorType int

const (
	// ErrorConnection covers transport failures: refused connections,
	// resets, DNS lookups. Retryable.
	ErrorConnection ErrorType = iota

	// ErrorTimeout covers the inactivity and absolute watchdogs.
	// Retryable; a retry resumes from the persisted offset.
	ErrorTimeout

	// ErrorHTTPStatus covers non-success responses. Retryable only for
	// server-side (5xx) statuses.
	ErrorHTTPStatus

	// ErrorCancelled means the caller's context ended. Never retried.
	ErrorCancelled

	// ErrorFilesystem covers local write, rename, and disk failures.
	ErrorFilesystem

	// ErrorExtraction means the downloaded archive could not be unpacked.
	// Not resumable: the partial state is discarded.
	ErrorExtraction

	// ErrorVerification means the unpacked tree is missing its marker
	// file. Fatal and distinct from any network failure.
	ErrorVerification

	// ErrorRetriesExhausted wraps the last transient failure after the
	// attempt budget is spent.
	ErrorRetriesExhausted
)

// String returns the error type name.
func (t ErrorType) String() string {
	switch t {
	case ErrorConnection:
		return "connection"
	case ErrorTimeout:
		return "timeout"
	case ErrorHTTPStatus:
		return "http_status"
	case ErrorCancelled:
		return "cancelled"
	case ErrorFilesystem:
		return "filesystem"
	case ErrorExtraction:
		return "extraction"
	case ErrorVerification:
		return "verification"
	case ErrorRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// DownloadError is a categorized download failure with remediation text.
//
// # Description
//
// Carries everything an operator needs: what failed, why, and what to
// do about it. The Type drives the engine's retry decision; callers
// surface Message and Remediation.
type DownloadError struct {
	// Type is the failure category.
	Type ErrorType

	// URL is the download source.
	URL string

	// StatusCode is set for ErrorHTTPStatus failures.
	StatusCode int

	// Message is the short, human-readable failure summary.
	Message string

	// Detail carries the underlying error text.
	Detail string

	// Remediation tells the operator what to try.
	Remediation string

	// Err is the wrapped cause, when one exists.
	Err error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry could plausibly succeed.
func (e *DownloadError) Transient() bool {
	switch e.Type {
	case ErrorConnection, ErrorTimeout:
		return true
	case ErrorHTTPStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}
