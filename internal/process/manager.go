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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Manager abstracts external process execution for testability.
//
// # Description
//
// All exec.Command calls in the engine go through this interface so unit
// tests can substitute MockManager and assert on the exact commands issued
// without touching the host system.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Description
	//
	// Executes the specified command with arguments and waits for completion.
	// Stderr is captured and folded into the returned error on failure.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Stdout output
	//   - error: Non-nil if the command fails to start, exits non-zero,
	//     or the context is cancelled
	//
	// # Examples
	//
	//   output, err := pm.Run(ctx, "docker", "compose", "version")
	//   if err != nil {
	//       return fmt.Errorf("compose probe failed: %w", err)
	//   }
	//
	// # Limitations
	//
	//   - Large output may consume significant memory
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInput executes a command with data piped to stdin.
	//
	// # Description
	//
	// Like Run, but feeds the provided bytes to the process's standard
	// input. Used to stream SQL statements into a database client
	// without writing temp files.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - input: Bytes written to the process stdin
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Stdout output
	//   - error: Non-nil if the command fails or is cancelled
	RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)

	// RunInDir executes a command in a working directory with extra environment.
	//
	// # Description
	//
	// The workhorse for compose operations, which must run from the
	// project directory with injected variables. Unlike Run, a non-zero
	// exit is NOT an error here: callers get the exit code plus both
	// output streams and decide how to classify the failure themselves.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - dir: Working directory ("" = inherit current)
	//   - env: Extra environment in KEY=VALUE form, appended to os.Environ()
	//     (nil = inherit unchanged)
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - string: Captured stdout
	//   - string: Captured stderr
	//   - int: Process exit code (-1 if the process never ran)
	//   - error: Non-nil only when the command could not be started or
	//     the context was cancelled; a clean non-zero exit returns nil
	//
	// # Examples
	//
	//   stdout, stderr, code, err := pm.RunInDir(ctx, proj.RootPath, nil,
	//       "docker", "compose", "-f", "compose.yaml", "up", "-d")
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)

	// RunStreaming executes a command and streams combined output to a writer.
	//
	// # Description
	//
	// Used for follow-mode log tailing where output must reach the
	// caller incrementally. Blocks until the process exits or the
	// context is cancelled. Context cancellation is the expected way to
	// terminate a follow stream and is not reported as an error.
	//
	// # Inputs
	//
	//   - ctx: Context controlling the stream lifetime
	//   - dir: Working directory ("" = inherit current)
	//   - w: Writer receiving interleaved stdout and stderr
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - error: Non-nil if the command fails to start or exits abnormally
	//     for reasons other than context cancellation
	RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error

	// IsRunning checks whether a process matching the pattern is running.
	//
	// # Description
	//
	// Uses pgrep to find processes whose command line matches the
	// pattern. A pattern with no matches is a normal outcome, not an
	// error.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - pattern: Pattern passed to pgrep -f
	//
	// # Outputs
	//
	//   - bool: true if at least one matching process exists
	//   - int: PID of the first match (0 if none)
	//   - error: Non-nil only if pgrep itself fails
	IsRunning(ctx context.Context, pattern string) (bool, int, error)

	// LookPath searches for an executable in PATH.
	//
	// # Description
	//
	// Mockable wrapper around exec.LookPath so runtime availability
	// probes can be unit tested.
	//
	// # Inputs
	//
	//   - name: The executable name
	//
	// # Outputs
	//
	//   - string: Resolved absolute path
	//   - error: Non-nil if the executable is not found
	LookPath(name string) (string, error)
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultManager implements Manager using os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a new DefaultManager.
//
// # Description
//
// Creates a Manager that executes real processes using os/exec.
// This should be used in production code.
//
// # Outputs
//
//   - *DefaultManager: Ready-to-use process manager
//
// # Examples
//
//	pm := process.NewDefaultManager()
//	output, err := pm.Run(ctx, "docker", "info")
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Include stderr in error for debugging
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	return stdout.Bytes(), nil
}

// RunWithInput executes a command with data piped to stdin.
func (pm *DefaultManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	return stdout.Bytes(), nil
}

// RunInDir executes a command in a working directory with extra environment.
func (pm *DefaultManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			// Ran to completion with non-zero status. The caller owns
			// classification of this case. A kill caused by context
			// cancellation also surfaces as ExitError, hence the ctx check.
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return stdout.String(), stderr.String(), -1, err
	}

	return stdout.String(), stderr.String(), 0, nil
}

// RunStreaming executes a command and streams combined output to a writer.
func (pm *DefaultManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		// Cancellation ends a follow stream cleanly.
		return nil
	}
	return err
}

// IsRunning checks whether a process matching the pattern is running.
func (pm *DefaultManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	cmd := exec.CommandContext(ctx, "pgrep", "-f", pattern)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// pgrep exit 1 means no matches, which is not an error.
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, 0, nil
	}

	pid, convErr := strconv.Atoi(strings.TrimSpace(lines[0]))
	if convErr != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// LookPath searches for an executable in PATH.
func (pm *DefaultManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// =============================================================================
// Mock Implementation
// =============================================================================

// ManagerCall records a single invocation on MockManager.
type ManagerCall struct {
	// Method is the interface method that was invoked.
	Method string

	// Dir is the working directory argument (RunInDir/RunStreaming only).
	Dir string

	// Name is the executable name.
	Name string

	// Args are the command arguments.
	Args []string
}

// MockManager implements Manager for testing.
//
// # Description
//
// Each method delegates to the corresponding Func field and panics if the
// field is nil, making unset expectations fail loudly. All invocations are
// recorded in Calls for later assertion.
//
// # Examples
//
//	mock := &process.MockManager{
//	    RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
//	        return "", "", 0, nil
//	    },
//	}
//
// # Thread Safety
//
// Safe for concurrent use. The Calls slice is guarded by an internal mutex.
type MockManager struct {
	// RunFunc is called by Run. Panics if nil when Run is invoked.
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInputFunc is called by RunWithInput. Panics if nil when invoked.
	RunWithInputFunc func(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)

	// RunInDirFunc is called by RunInDir. Panics if nil when invoked.
	RunInDirFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)

	// RunStreamingFunc is called by RunStreaming. Panics if nil when invoked.
	RunStreamingFunc func(ctx context.Context, dir string, w io.Writer, name string, args ...string) error

	// IsRunningFunc is called by IsRunning. Panics if nil when invoked.
	IsRunningFunc func(ctx context.Context, pattern string) (bool, int, error)

	// LookPathFunc is called by LookPath. Panics if nil when invoked.
	LookPathFunc func(name string) (string, error)

	// Calls records all invocations in order.
	Calls []ManagerCall

	mu sync.Mutex
}

// Run delegates to RunFunc.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(ManagerCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.Run called but RunFunc is nil")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunWithInput delegates to RunWithInputFunc.
func (m *MockManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	m.record(ManagerCall{Method: "RunWithInput", Name: name, Args: args})
	if m.RunWithInputFunc == nil {
		panic("MockManager.RunWithInput called but RunWithInputFunc is nil")
	}
	return m.RunWithInputFunc(ctx, name, input, args...)
}

// RunInDir delegates to RunInDirFunc.
func (m *MockManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(ManagerCall{Method: "RunInDir", Dir: dir, Name: name, Args: args})
	if m.RunInDirFunc == nil {
		panic("MockManager.RunInDir called but RunInDirFunc is nil")
	}
	return m.RunInDirFunc(ctx, dir, env, name, args...)
}

// RunStreaming delegates to RunStreamingFunc.
func (m *MockManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	m.record(ManagerCall{Method: "RunStreaming", Dir: dir, Name: name, Args: args})
	if m.RunStreamingFunc == nil {
		panic("MockManager.RunStreaming called but RunStreamingFunc is nil")
	}
	return m.RunStreamingFunc(ctx, dir, w, name, args...)
}

// IsRunning delegates to IsRunningFunc.
func (m *MockManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	m.record(ManagerCall{Method: "IsRunning", Name: pattern})
	if m.IsRunningFunc == nil {
		panic("MockManager.IsRunning called but IsRunningFunc is nil")
	}
	return m.IsRunningFunc(ctx, pattern)
}

// LookPath delegates to LookPathFunc.
func (m *MockManager) LookPath(name string) (string, error) {
	m.record(ManagerCall{Method: "LookPath", Name: name})
	if m.LookPathFunc == nil {
		panic("MockManager.LookPath called but LookPathFunc is nil")
	}
	return m.LookPathFunc(name)
}

// Reset clears recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// CallCount returns the number of recorded calls for a method.
func (m *MockManager) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.Calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

func (m *MockManager) record(call ManagerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// Compile-time interface satisfaction checks
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
