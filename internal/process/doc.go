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
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains two main components:

  - Manager: Abstracts external process execution for testability
  - Locker: File-based locking to prevent concurrent engine instances

# Manager

Manager enables testable interaction with the operating system's process
management capabilities. All exec.Command calls in the engine go through
this interface to enable mocking in unit tests.

	pm := process.NewDefaultManager()
	stdout, stderr, code, err := pm.RunInDir(ctx, projectDir, nil,
	    "docker", "compose", "-f", "compose.yaml", "ps")
	if err != nil {
	    return fmt.Errorf("compose ps failed: %w", err)
	}

For testing, use MockManager:

	mock := &process.MockManager{
	    RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	        return "[]", "", 0, nil
	    },
	}

# Locker

Locker prevents multiple engine instances from running simultaneously,
avoiding race conditions that could corrupt the project store. Uses the
flock(2) system call for advisory file locking.

	lock := process.NewFileLock(process.DefaultLockConfig())
	if err := lock.Acquire(); err != nil {
	    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	    os.Exit(1)
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Locker is NOT safe for concurrent use from multiple goroutines

# Limitations

  - Locker uses advisory locks, other processes can ignore them
  - Locker requires OS support for flock(2)
*/
package process
