// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process contains unit tests for Manager.

# Testing Strategy

These tests verify:
  - DefaultManager correctly executes real commands
  - RunInDir returns exit codes without treating them as errors
  - Context cancellation support
  - MockManager works correctly for test doubles
*/
package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// DefaultManager Tests
// -----------------------------------------------------------------------------

// TestDefaultManager_Run_Success verifies successful command execution.
func TestDefaultManager_Run_Success(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	output, err := pm.Run(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got := strings.TrimSpace(string(output)); got != "hello" {
		t.Errorf("Run() output = %q, want %q", got, "hello")
	}
}

// TestDefaultManager_Run_CommandNotFound verifies error for missing binary.
func TestDefaultManager_Run_CommandNotFound(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	_, err := pm.Run(ctx, "nonexistent-command-xyz-12345")
	if err == nil {
		t.Error("Run() error = nil, want error for nonexistent command")
	}
}

// TestDefaultManager_Run_FailureIncludesStderr verifies stderr is folded
// into the returned error.
func TestDefaultManager_Run_FailureIncludesStderr(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	_, err := pm.Run(ctx, "sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("Run() error = nil, want error for failing command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Run() error = %q, want stderr content included", err.Error())
	}
}

// TestDefaultManager_Run_ContextCancellation verifies cancellation stops
// the command.
func TestDefaultManager_Run_ContextCancellation(t *testing.T) {
	pm := NewDefaultManager()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := pm.Run(ctx, "sleep", "10")
	elapsed := time.Since(start)

	if err == nil {
		t.Error("Run() error = nil, want error for cancelled context")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Run() took %v, want prompt termination after cancellation", elapsed)
	}
}

// TestDefaultManager_RunWithInput_Success verifies stdin piping.
func TestDefaultManager_RunWithInput_Success(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	output, err := pm.RunWithInput(ctx, "cat", []byte("piped input"))
	if err != nil {
		t.Fatalf("RunWithInput() error = %v, want nil", err)
	}
	if string(output) != "piped input" {
		t.Errorf("RunWithInput() output = %q, want %q", string(output), "piped input")
	}
}

// TestDefaultManager_RunInDir_Success verifies directory and output capture.
func TestDefaultManager_RunInDir_Success(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	stdout, stderr, code, err := pm.RunInDir(ctx, dir, nil, "ls")
	if err != nil {
		t.Fatalf("RunInDir() error = %v, want nil", err)
	}
	if code != 0 {
		t.Errorf("RunInDir() exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "marker.txt") {
		t.Errorf("RunInDir() stdout = %q, want listing of working directory", stdout)
	}
	if stderr != "" {
		t.Errorf("RunInDir() stderr = %q, want empty", stderr)
	}
}

// TestDefaultManager_RunInDir_NonZeroExit verifies a non-zero exit is
// reported via the exit code, not the error.
func TestDefaultManager_RunInDir_NonZeroExit(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	stdout, stderr, code, err := pm.RunInDir(ctx, "", nil, "sh", "-c", "echo out; echo err >&2; exit 7")
	if err != nil {
		t.Fatalf("RunInDir() error = %v, want nil for clean non-zero exit", err)
	}
	if code != 7 {
		t.Errorf("RunInDir() exit code = %d, want 7", code)
	}
	if strings.TrimSpace(stdout) != "out" {
		t.Errorf("RunInDir() stdout = %q, want %q", stdout, "out")
	}
	if strings.TrimSpace(stderr) != "err" {
		t.Errorf("RunInDir() stderr = %q, want %q", stderr, "err")
	}
}

// TestDefaultManager_RunInDir_EnvInjection verifies extra environment
// reaches the child process.
func TestDefaultManager_RunInDir_EnvInjection(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	stdout, _, code, err := pm.RunInDir(ctx, "", []string{"MOORING_TEST_VAR=injected"},
		"sh", "-c", "echo $MOORING_TEST_VAR")
	if err != nil {
		t.Fatalf("RunInDir() error = %v, want nil", err)
	}
	if code != 0 {
		t.Fatalf("RunInDir() exit code = %d, want 0", code)
	}
	if strings.TrimSpace(stdout) != "injected" {
		t.Errorf("RunInDir() stdout = %q, want injected env value", stdout)
	}
}

// TestDefaultManager_RunInDir_CommandNotFound verifies the start failure path.
func TestDefaultManager_RunInDir_CommandNotFound(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	_, _, code, err := pm.RunInDir(ctx, "", nil, "nonexistent-command-xyz-12345")
	if err == nil {
		t.Error("RunInDir() error = nil, want error for nonexistent command")
	}
	if code != -1 {
		t.Errorf("RunInDir() exit code = %d, want -1 when process never ran", code)
	}
}

// TestDefaultManager_RunStreaming_WritesOutput verifies streamed output.
func TestDefaultManager_RunStreaming_WritesOutput(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	var buf bytes.Buffer
	err := pm.RunStreaming(ctx, "", &buf, "echo", "streamed")
	if err != nil {
		t.Fatalf("RunStreaming() error = %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "streamed") {
		t.Errorf("RunStreaming() wrote %q, want output containing %q", buf.String(), "streamed")
	}
}

// TestDefaultManager_RunStreaming_CancellationIsClean verifies that
// cancelling a follow stream is not reported as an error.
func TestDefaultManager_RunStreaming_CancellationIsClean(t *testing.T) {
	pm := NewDefaultManager()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- pm.RunStreaming(ctx, "", io.Discard, "sleep", "10")
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunStreaming() error = %v, want nil after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunStreaming() did not return after cancellation")
	}
}

// TestDefaultManager_IsRunning_ProcessNotExists verifies the no-match path.
func TestDefaultManager_IsRunning_ProcessNotExists(t *testing.T) {
	pm := NewDefaultManager()
	ctx := context.Background()

	running, pid, err := pm.IsRunning(ctx, "nonexistent-process-pattern-xyz-98765")
	if err != nil {
		t.Fatalf("IsRunning() error = %v, want nil for no matches", err)
	}
	if running {
		t.Error("IsRunning() = true, want false for nonexistent process")
	}
	if pid != 0 {
		t.Errorf("IsRunning() pid = %d, want 0", pid)
	}
}

// TestDefaultManager_LookPath verifies PATH resolution.
func TestDefaultManager_LookPath(t *testing.T) {
	pm := NewDefaultManager()

	path, err := pm.LookPath("sh")
	if err != nil {
		t.Fatalf("LookPath(sh) error = %v, want nil", err)
	}
	if path == "" {
		t.Error("LookPath(sh) = empty path, want resolved path")
	}

	if _, err := pm.LookPath("nonexistent-binary-xyz-12345"); err == nil {
		t.Error("LookPath() error = nil, want error for missing binary")
	}
}

// -----------------------------------------------------------------------------
// MockManager Tests
// -----------------------------------------------------------------------------

// TestMockManager_RecordsCalls verifies invocation recording.
func TestMockManager_RecordsCalls(t *testing.T) {
	mock := &MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "ok", "", 0, nil
		},
		LookPathFunc: func(name string) (string, error) {
			return "/usr/bin/" + name, nil
		},
	}
	ctx := context.Background()

	if _, _, _, err := mock.RunInDir(ctx, "/tmp/proj", nil, "docker", "compose", "ps"); err != nil {
		t.Fatalf("RunInDir() error = %v", err)
	}
	if _, err := mock.LookPath("docker"); err != nil {
		t.Fatalf("LookPath() error = %v", err)
	}

	if len(mock.Calls) != 2 {
		t.Fatalf("len(Calls) = %d, want 2", len(mock.Calls))
	}
	if mock.Calls[0].Method != "RunInDir" || mock.Calls[0].Dir != "/tmp/proj" {
		t.Errorf("Calls[0] = %+v, want RunInDir in /tmp/proj", mock.Calls[0])
	}
	if mock.Calls[0].Name != "docker" || len(mock.Calls[0].Args) != 2 {
		t.Errorf("Calls[0] command = %s %v, want docker [compose ps]", mock.Calls[0].Name, mock.Calls[0].Args)
	}
	if mock.CallCount("RunInDir") != 1 {
		t.Errorf("CallCount(RunInDir) = %d, want 1", mock.CallCount("RunInDir"))
	}
}

// TestMockManager_Reset verifies call history clearing.
func TestMockManager_Reset(t *testing.T) {
	mock := &MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}

	if _, err := mock.Run(context.Background(), "echo"); err != nil {
		t.Fatal(err)
	}
	mock.Reset()

	if len(mock.Calls) != 0 {
		t.Errorf("len(Calls) after Reset = %d, want 0", len(mock.Calls))
	}
}

// TestMockManager_NilFunc_Panics verifies unset expectations fail loudly.
func TestMockManager_NilFunc_Panics(t *testing.T) {
	mock := &MockManager{}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Run() with nil RunFunc did not panic")
		}
	}()

	_, _ = mock.Run(context.Background(), "echo")
}
