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
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/mooring/internal/process"
)

func TestAvailabilityProbe_AvailableRuntime(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("27.3.1\n"), nil
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Minute)
	avail := probe.Check(context.Background(), false)

	if !avail.Available {
		t.Fatalf("Available = false (%s), want true", avail.Reason)
	}
	if avail.Version != "27.3.1" {
		t.Errorf("Version = %q, want 27.3.1", avail.Version)
	}
	if avail.Reason != "" {
		t.Errorf("Reason = %q, want empty when available", avail.Reason)
	}
}

func TestAvailabilityProbe_BinaryMissing(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) {
			return "", errors.New("executable file not found in $PATH")
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Minute)
	avail := probe.Check(context.Background(), false)

	if avail.Available {
		t.Fatal("Available = true, want false for missing binary")
	}
	if !strings.Contains(avail.Reason, "not installed") {
		t.Errorf("Reason = %q, want installation hint", avail.Reason)
	}
}

func TestAvailabilityProbe_DaemonDown(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 1: Cannot connect to the Docker daemon")
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Minute)
	avail := probe.Check(context.Background(), false)

	if avail.Available {
		t.Fatal("Available = true, want false for daemon down")
	}
	if !strings.Contains(avail.Reason, "not running") {
		t.Errorf("Reason = %q, want daemon-down explanation", avail.Reason)
	}
}

func TestAvailabilityProbe_PermissionReason(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 1: permission denied while trying to connect")
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Minute)
	avail := probe.Check(context.Background(), false)

	if !strings.Contains(avail.Reason, "permission denied") {
		t.Errorf("Reason = %q, want permission explanation", avail.Reason)
	}
}

func TestAvailabilityProbe_CachesWithinTTL(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("27.3.1"), nil
		},
	}

	now := time.Now()
	probe := NewAvailabilityProbe("docker", mock, 15*time.Second)
	probe.now = func() time.Time { return now }

	probe.Check(context.Background(), false)
	probe.Check(context.Background(), false)

	if got := mock.CallCount("Run"); got != 1 {
		t.Errorf("daemon probed %d times within TTL, want 1", got)
	}

	// Advancing past the TTL triggers a fresh probe.
	now = now.Add(16 * time.Second)
	probe.Check(context.Background(), false)

	if got := mock.CallCount("Run"); got != 2 {
		t.Errorf("daemon probed %d times after TTL, want 2", got)
	}
}

func TestAvailabilityProbe_ForceBypassesCache(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("27.3.1"), nil
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Hour)

	probe.Check(context.Background(), false)
	probe.Check(context.Background(), true)

	if got := mock.CallCount("Run"); got != 2 {
		t.Errorf("daemon probed %d times with force, want 2", got)
	}
}

func TestAvailabilityProbe_InvalidateDropsCache(t *testing.T) {
	mock := &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/docker", nil },
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("27.3.1"), nil
		},
	}

	probe := NewAvailabilityProbe("docker", mock, time.Hour)

	probe.Check(context.Background(), false)
	probe.Invalidate()
	probe.Check(context.Background(), false)

	if got := mock.CallCount("Run"); got != 2 {
		t.Errorf("daemon probed %d times after Invalidate, want 2", got)
	}
}
