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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Locker defines the interface for single-instance locking.
//
// # Description
//
// Locker prevents multiple engine instances from mutating the same project
// store simultaneously, avoiding races like one instance starting a project
// while another is deleting its directory tree.
//
// # Thread Safety
//
// Implementations must be safe for use from a single goroutine. The lock
// itself provides inter-process synchronization, not intra-process.
type Locker interface {
	// Acquire attempts to get an exclusive lock.
	// Returns nil if lock acquired, *LockHeldError if another instance holds it.
	Acquire() error

	// Release releases the lock if held.
	// Safe to call multiple times or if lock was never acquired.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the process holding the lock.
	// Returns 0 if no process holds the lock or if unable to determine.
	HolderPID() int
}

// LockConfig configures instance lock behavior.
//
// # Example
//
//	config := LockConfig{
//	    LockDir:  "/var/run/mooring",
//	    LockName: "mooring",
//	}
type LockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "mooring"
	LockName string
}

// DefaultLockConfig returns sensible defaults.
//
// # Description
//
// Uses the system temp directory and "mooring" as the lock name so the
// lock file lands in a writable location on all platforms.
//
// # Outputs
//
//   - LockConfig: Configuration with default values
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockDir:  os.TempDir(),
		LockName: "mooring",
	}
}

// FileLock implements Locker using flock(2) advisory locking.
//
// # Description
//
// Prevents concurrent mutating invocations that could corrupt the project
// store or leave half-started containers:
//
//   - Terminal A: `mooring start demo` (waiting for the database)
//   - Terminal B: `mooring delete demo` (removes resources A is creating)
//
// # How It Works
//
//  1. Creates a lock file at {LockDir}/{LockName}.lock
//  2. Attempts exclusive flock on the file
//  3. Writes PID to {LockDir}/{LockName}.pid for debugging
//  4. On release, removes PID file and releases flock
//
// # Thread Safety
//
// FileLock is NOT safe for concurrent use from multiple goroutines.
// Use from a single goroutine (typically main).
//
// # Limitations
//
//   - Advisory lock only, other processes can ignore it if they don't check
//   - NFS and some network filesystems don't support flock properly
//   - The flock is released by the OS if the process crashes without Release
//
// # Example
//
//	lock := process.NewFileLock(process.DefaultLockConfig())
//	if err := lock.Acquire(); err != nil {
//	    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
//	    os.Exit(1)
//	}
//	defer lock.Release()
type FileLock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewFileLock creates a new instance lock.
//
// # Description
//
// Creates a FileLock configured to use the specified directory and name
// for lock files. Does not acquire the lock.
//
// # Inputs
//
//   - config: Configuration for lock file location
//
// # Outputs
//
//   - *FileLock: New lock instance (not yet acquired)
func NewFileLock(config LockConfig) *FileLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "mooring"
	}

	return &FileLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get an exclusive lock.
//
// # Description
//
// Uses a non-blocking flock. If another process holds the lock, returns
// *LockHeldError carrying the holder PID when it can be determined.
//
// # Outputs
//
//   - error: nil if lock acquired, *LockHeldError if contended,
//     other errors for filesystem failures
//
// # Example
//
//	var held *process.LockHeldError
//	if err := lock.Acquire(); errors.As(err, &held) {
//	    fmt.Printf("already running as PID %d\n", held.HolderPID)
//	    os.Exit(1)
//	}
func (p *FileLock) Acquire() error {
	if p.held {
		return nil // Already held
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return &LockHeldError{
				HolderPID: p.readHolderPID(),
				LockPath:  p.lockPath,
				PIDPath:   p.pidPath,
			}
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// PID file is for diagnostics only. Losing it does not lose the lock.
	_ = p.writePID()

	return nil
}

// Release releases the lock if held.
//
// # Description
//
// Removes the PID file and releases the flock. Safe to call multiple
// times or if the lock was never acquired. The lock file itself is left
// in place for faster subsequent acquires.
//
// # Outputs
//
//   - error: nil on success, error if the flock release fails
func (p *FileLock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)

	err := syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN)

	// Closing releases the lock even if the explicit unlock failed.
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// IsHeld returns true if this instance currently holds the lock.
//
// # Description
//
// Checks local state only. Does not verify the flock is still valid.
func (p *FileLock) IsHeld() bool {
	return p.held
}

// HolderPID returns the PID of the process holding the lock.
//
// # Outputs
//
//   - int: PID of holder, or 0 if unknown
//
// # Limitations
//
//   - May return a stale PID if the holder crashed without cleanup
func (p *FileLock) HolderPID() int {
	return p.readHolderPID()
}

// LockPath returns the path to the lock file.
func (p *FileLock) LockPath() string {
	return p.lockPath
}

// PIDPath returns the path to the PID file.
func (p *FileLock) PIDPath() string {
	return p.pidPath
}

// writePID writes the current process PID to the PID file.
func (p *FileLock) writePID() error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(p.pidPath, []byte(content), 0644)
}

// readHolderPID reads the PID from the PID file.
func (p *FileLock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// LockHeldError is returned when the lock is held by another process.
type LockHeldError struct {
	HolderPID int
	LockPath  string
	PIDPath   string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another mooring instance is running (PID %d). "+
			"If this is stale, remove %s", e.HolderPID, e.PIDPath)
	}
	return fmt.Sprintf("another mooring instance is running (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ Locker = (*FileLock)(nil)
