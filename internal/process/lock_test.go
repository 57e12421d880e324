// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestDefaultLockConfig(t *testing.T) {
	config := DefaultLockConfig()

	if config.LockDir != os.TempDir() {
		t.Errorf("LockDir = %q, want %q", config.LockDir, os.TempDir())
	}
	if config.LockName != "mooring" {
		t.Errorf("LockName = %q, want %q", config.LockName, "mooring")
	}
}

func TestNewFileLock_AppliesDefaults(t *testing.T) {
	lock := NewFileLock(LockConfig{})

	if !strings.HasSuffix(lock.LockPath(), "mooring.lock") {
		t.Errorf("LockPath() = %q, want default mooring.lock name", lock.LockPath())
	}
	if !strings.HasSuffix(lock.PIDPath(), "mooring.pid") {
		t.Errorf("PIDPath() = %q, want default mooring.pid name", lock.PIDPath())
	}
}

func TestFileLock_AcquireRelease(t *testing.T) {
	tmpDir := t.TempDir()
	lock := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})

	if lock.IsHeld() {
		t.Error("IsHeld() = true before Acquire")
	}

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v, want nil", err)
	}
	if !lock.IsHeld() {
		t.Error("IsHeld() = false after Acquire")
	}
	if got := lock.HolderPID(); got != os.Getpid() {
		t.Errorf("HolderPID() = %d, want own PID %d", got, os.Getpid())
	}

	// Re-acquiring from the same instance is a no-op.
	if err := lock.Acquire(); err != nil {
		t.Errorf("second Acquire() error = %v, want nil", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v, want nil", err)
	}
	if lock.IsHeld() {
		t.Error("IsHeld() = true after Release")
	}

	// Releasing again is safe.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}
}

func TestFileLock_BlocksSecondInstance(t *testing.T) {
	tmpDir := t.TempDir()
	first := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})
	second := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})

	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer first.Release()

	err := second.Acquire()
	if err == nil {
		second.Release()
		t.Fatal("second Acquire() error = nil, want LockHeldError")
	}

	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error type = %T, want *LockHeldError", err)
	}
	if held.HolderPID != os.Getpid() {
		t.Errorf("LockHeldError.HolderPID = %d, want %d", held.HolderPID, os.Getpid())
	}
}

func TestFileLock_ReleaseMakesAvailable(t *testing.T) {
	tmpDir := t.TempDir()
	first := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})
	second := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})

	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if err := second.Acquire(); err != nil {
		t.Fatalf("second Acquire() after release error = %v, want nil", err)
	}
	second.Release()
}

func TestFileLock_HolderPID_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	lock := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})

	if got := lock.HolderPID(); got != 0 {
		t.Errorf("HolderPID() = %d, want 0 with no PID file", got)
	}
}

func TestFileLock_HolderPID_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	lock := NewFileLock(LockConfig{LockDir: tmpDir, LockName: "test"})

	if err := os.WriteFile(lock.PIDPath(), []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := lock.HolderPID(); got != 0 {
		t.Errorf("HolderPID() = %d, want 0 for unparseable PID file", got)
	}
}

func TestLockHeldError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *LockHeldError
		want string
	}{
		{
			name: "with PID",
			err:  &LockHeldError{HolderPID: 1234, PIDPath: "/tmp/mooring.pid"},
			want: "PID 1234",
		},
		{
			name: "without PID",
			err:  &LockHeldError{LockPath: "/tmp/mooring.lock"},
			want: "lsof /tmp/mooring.lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want substring %q", got, tt.want)
			}
		})
	}
}
