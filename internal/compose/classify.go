// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Cause Taxonomy
// =============================================================================

// Cause identifies why a runtime operation failed.
//
// # Description
//
// Compose and runtime CLIs report failures as free-form stderr text.
// Classification folds that text into a small fixed set so upper layers
// can present a stable cause and remediation instead of raw CLI noise.
type Cause string

const (
	// CauseDaemonUnavailable means the runtime daemon is not running or
	// its socket is unreachable.
	CauseDaemonUnavailable Cause = "daemon_unavailable"

	// CausePermissionDenied means the current user may not talk to the
	// runtime socket.
	CausePermissionDenied Cause = "permission_denied"

	// CauseDiskFull means the host ran out of disk space.
	CauseDiskFull Cause = "disk_full"

	// CausePortConflict means a required host port is already bound.
	CausePortConflict Cause = "port_conflict"

	// CauseNameConflict means a container with the same name already exists.
	CauseNameConflict Cause = "name_conflict"

	// CauseImageUnavailable means an image could not be found or pulled.
	CauseImageUnavailable Cause = "image_unavailable"

	// CauseNetworkSetup means the runtime could not create or attach
	// the project network.
	CauseNetworkSetup Cause = "network_setup"

	// CauseVolumeError means a volume or bind mount failed.
	CauseVolumeError Cause = "volume_error"

	// CauseUnknown means the failure did not match any known signature.
	CauseUnknown Cause = "unknown"
)

// =============================================================================
// ClassifiedError
// =============================================================================

// ClassifiedError is a runtime operation failure with a diagnosed cause.
//
// # Description
//
// Carries the original command context alongside the classification so
// error surfaces can show both a human explanation and the raw evidence.
//
// # Example
//
//	var cerr *compose.ClassifiedError
//	if errors.As(err, &cerr) && cerr.Cause == compose.CausePortConflict {
//	    fmt.Println(cerr.Remediation)
//	}
type ClassifiedError struct {
	// Cause is the diagnosed failure category.
	Cause Cause

	// Command is the command line that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Stderr is the raw standard error output.
	Stderr string

	// Detail is a one-line human summary of what went wrong.
	Detail string

	// Remediation is an operator-facing suggestion for fixing the failure.
	Remediation string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("command failed with exit code %d", e.ExitCode)
}

// =============================================================================
// Classification
// =============================================================================

// portPattern extracts a port number from bind-failure messages.
var portPattern = regexp.MustCompile(`(?:0\.0\.0\.0:|127\.0\.0\.1:|:::|port\s+)(\d{2,5})`)

// signature maps stderr substrings to a cause. All patterns are matched
// against lowercased stderr. Order matters: earlier entries win.
type signature struct {
	cause       Cause
	patterns    []string
	detail      string
	remediation string
}

var signatures = []signature{
	{
		cause: CauseDaemonUnavailable,
		patterns: []string{
			"cannot connect to the docker daemon",
			"is the docker daemon running",
			"docker daemon is not running",
			"error during connect",
			"unable to connect to podman",
			"connection refused",
			"docker.sock: connect: no such file or directory",
			"podman.sock",
		},
		detail:      "the container runtime is not running",
		remediation: "Start the container runtime (e.g. open Docker Desktop or run `systemctl start docker`) and try again.",
	},
	{
		cause: CausePermissionDenied,
		patterns: []string{
			"permission denied while trying to connect",
			"got permission denied",
			"dial unix /var/run/docker.sock: connect: permission denied",
		},
		detail:      "permission denied talking to the container runtime",
		remediation: "Add your user to the docker group (`sudo usermod -aG docker $USER`, then re-login) or run the runtime in rootless mode.",
	},
	{
		cause: CauseDiskFull,
		patterns: []string{
			"no space left on device",
			"disk quota exceeded",
		},
		detail:      "the host is out of disk space",
		remediation: "Free disk space, e.g. `docker system prune` to remove unused images and volumes, then retry.",
	},
	{
		cause: CausePortConflict,
		patterns: []string{
			"port is already allocated",
			"address already in use",
			"bind: address already in use",
			"ports are not available",
		},
		detail:      "a required host port is already in use",
		remediation: "Another application is bound to the port. Stop it, or change the project's port and start again.",
	},
	{
		cause: CauseNameConflict,
		patterns: []string{
			"is already in use by container",
			"container name",
		},
		detail:      "a container with the same name already exists",
		remediation: "Remove the conflicting container (`docker rm <name>`) or pick a different project name.",
	},
	{
		cause: CauseImageUnavailable,
		patterns: []string{
			"manifest unknown",
			"manifest for",
			"no such image",
			"pull access denied",
			"repository does not exist",
			"toomanyrequests",
			"error pulling image",
			"short-name",
		},
		detail:      "a container image could not be found or pulled",
		remediation: "Check the image tag and network connectivity. Registry rate limits clear after a delay; authenticated pulls raise the limit.",
	},
	{
		cause: CauseNetworkSetup,
		patterns: []string{
			"could not find an available, non-overlapping ipv4",
			"failed to create network",
			"network needs to be recreated",
			"no such network",
		},
		detail:      "the project network could not be set up",
		remediation: "Remove stale networks with `docker network prune` and retry. Overlapping subnets usually come from leftover networks.",
	},
	{
		cause: CauseVolumeError,
		patterns: []string{
			"error while mounting volume",
			"no such volume",
			"bind source path does not exist",
			"error mounting",
			"read-only file system",
		},
		detail:      "a volume or bind mount failed",
		remediation: "Verify the project directory still exists and is writable, then retry. Deleting and recreating the project rebuilds its volumes.",
	},
}

// Classify diagnoses a failed runtime command from its stderr.
//
// # Description
//
// Matches stderr against known failure signatures in priority order.
// Unmatched failures return CauseUnknown with the trimmed stderr as
// detail. Never panics; empty stderr is a valid input.
//
// # Inputs
//
//   - command: The command line that failed, for diagnostics
//   - exitCode: The process exit code
//   - stderr: Raw standard error output (may be empty)
//
// # Outputs
//
//   - *ClassifiedError: Always non-nil
//
// # Example
//
//	err := compose.Classify("docker compose up -d", 1,
//	    "Error: bind: address already in use")
//	// err.Cause == compose.CausePortConflict
func Classify(command string, exitCode int, stderr string) *ClassifiedError {
	lower := strings.ToLower(stderr)

	for _, sig := range signatures {
		for _, pattern := range sig.patterns {
			if strings.Contains(lower, pattern) {
				return &ClassifiedError{
					Cause:       sig.cause,
					Command:     command,
					ExitCode:    exitCode,
					Stderr:      stderr,
					Detail:      refineDetail(sig, stderr),
					Remediation: sig.remediation,
				}
			}
		}
	}

	detail := strings.TrimSpace(firstLine(stderr))
	if detail == "" {
		detail = fmt.Sprintf("command failed with exit code %d", exitCode)
	}
	return &ClassifiedError{
		Cause:       CauseUnknown,
		Command:     command,
		ExitCode:    exitCode,
		Stderr:      stderr,
		Detail:      detail,
		Remediation: "Inspect the full output with the logs command. If the failure persists, delete and recreate the project.",
	}
}

// refineDetail enriches a signature's detail with extracted specifics.
func refineDetail(sig signature, stderr string) string {
	if sig.cause == CausePortConflict {
		if m := portPattern.FindStringSubmatch(strings.ToLower(stderr)); len(m) == 2 {
			return fmt.Sprintf("host port %s is already in use", m[1])
		}
	}
	return sig.detail
}

// firstLine returns the first non-empty line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
