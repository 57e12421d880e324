// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"errors"
	"fmt"
	"testing"
)

func TestCommandError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CommandError
		want string
	}{
		{
			name: "with stderr",
			err:  NewCommandError("docker compose up -d", 1, "port is already allocated", nil),
			want: "docker compose up -d (exit 1): port is already allocated",
		},
		{
			name: "stderr trimmed",
			err:  NewCommandError("docker compose ps", 125, "  daemon not running\n", nil),
			want: "docker compose ps (exit 125): daemon not running",
		},
		{
			name: "no stderr falls back to wrapped",
			err:  NewCommandError("docker info", -1, "", errors.New("executable not found")),
			want: "docker info (exit -1): executable not found",
		},
		{
			name: "bare",
			err:  NewCommandError("docker info", 2, "", nil),
			want: "docker info (exit 2)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewCommandError("docker compose up", 1, "", inner)

	if !errors.Is(err, inner) {
		t.Error("errors.Is() did not find the wrapped error")
	}

	var cmdErr *CommandError
	wrapped := fmt.Errorf("starting containers: %w", err)
	if !errors.As(wrapped, &cmdErr) {
		t.Fatal("errors.As() did not find CommandError through a wrap")
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cmdErr.ExitCode)
	}
}

func TestWrapCommandError(t *testing.T) {
	if got := WrapCommandError(nil, "x", 0, ""); got != nil {
		t.Errorf("WrapCommandError(nil) = %v, want nil", got)
	}

	orig := NewCommandError("docker compose up", 1, "boom", nil)
	through := fmt.Errorf("outer: %w", orig)
	if got := WrapCommandError(through, "other", 2, "ignored"); got != orig {
		t.Error("WrapCommandError rewrapped an existing CommandError")
	}

	plain := errors.New("plain failure")
	got := WrapCommandError(plain, "docker ps", 125, "cannot connect")
	if got.Command != "docker ps" || got.ExitCode != 125 {
		t.Errorf("WrapCommandError() = %+v, want docker ps/125", got)
	}
	if !errors.Is(got, plain) {
		t.Error("WrapCommandError lost the original error")
	}
}

func TestExtractStderr(t *testing.T) {
	err := fmt.Errorf("up failed: %w",
		NewCommandError("docker compose up", 1, "no space left on device", nil))
	if got := ExtractStderr(err); got != "no space left on device" {
		t.Errorf("ExtractStderr() = %q", got)
	}
	if got := ExtractStderr(errors.New("other")); got != "" {
		t.Errorf("ExtractStderr(non-command) = %q, want empty", got)
	}
}
