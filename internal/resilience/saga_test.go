// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestDefaultSagaConfig(t *testing.T) {
	config := DefaultSagaConfig()

	if config.StepTimeout <= 0 {
		t.Error("StepTimeout should be positive")
	}
	if config.CompensationTimeout <= 0 {
		t.Error("CompensationTimeout should be positive")
	}
	if !config.CompensateOnFail {
		t.Error("CompensateOnFail should default to true")
	}
	if config.Logger == nil {
		t.Error("Logger should not be nil")
	}
}

func TestNewSaga_FillsZeroConfig(t *testing.T) {
	saga := NewSaga(SagaConfig{})
	if saga == nil {
		t.Fatal("NewSaga returned nil")
	}
	if saga.config.StepTimeout <= 0 {
		t.Error("zero StepTimeout should get a default")
	}
	if saga.config.CompensationTimeout <= 0 {
		t.Error("zero CompensationTimeout should get a default")
	}
	if saga.config.Logger == nil {
		t.Error("nil Logger should get a default")
	}
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestSaga_Execute_RunsStepsInOrder(t *testing.T) {
	saga := NewSaga(quietConfig())

	var executed []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			executed = append(executed, name)
			return nil
		}
	}
	saga.AddStep(SagaStep{Name: "stop source", Execute: record("stop source")})
	saga.AddStep(SagaStep{Name: "copy tree", Execute: record("copy tree")})
	saga.AddStep(SagaStep{Name: "register clone", Execute: record("register clone")})

	if err := saga.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	want := []string{"stop source", "copy tree", "register clone"}
	if len(executed) != len(want) {
		t.Fatalf("executed = %v, want %v", executed, want)
	}
	for i := range want {
		if executed[i] != want[i] {
			t.Fatalf("executed = %v, want %v", executed, want)
		}
	}
}

func TestSaga_Execute_FailureCompensatesInReverse(t *testing.T) {
	saga := NewSaga(quietConfig())

	var compensated []string
	saga.AddStep(SagaStep{
		Name:    "stop source",
		Execute: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, "stop source")
			return nil
		},
	})
	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Execute: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, "copy tree")
			return nil
		},
	})
	saga.AddStep(SagaStep{
		Name:    "register clone",
		Execute: func(ctx context.Context) error { return errors.New("name already taken") },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, "register clone")
			return nil
		},
	})

	err := saga.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() should have failed")
	}

	// Only completed steps compensate, newest first. The failed step
	// never completed, so its compensation must not run.
	want := []string{"copy tree", "stop source"}
	if len(compensated) != len(want) {
		t.Fatalf("compensated = %v, want %v", compensated, want)
	}
	for i := range want {
		if compensated[i] != want[i] {
			t.Fatalf("compensated = %v, want %v", compensated, want)
		}
	}

	if !strings.Contains(err.Error(), "register clone") {
		t.Errorf("error should name the failed step, got: %v", err)
	}
}

func TestSaga_Execute_CompensationDisabled(t *testing.T) {
	config := quietConfig()
	config.CompensateOnFail = false
	saga := NewSaga(config)

	var compensated []string
	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Execute: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, "copy tree")
			return nil
		},
	})
	saga.AddStep(SagaStep{
		Name:    "register clone",
		Execute: func(ctx context.Context) error { return errors.New("fail") },
	})

	if err := saga.Execute(context.Background()); err == nil {
		t.Fatal("Execute() should have failed")
	}
	if len(compensated) != 0 {
		t.Errorf("expected no compensation, got %v", compensated)
	}
}

func TestSaga_Execute_NilCompensation(t *testing.T) {
	saga := NewSaga(quietConfig())

	saga.AddStep(SagaStep{
		Name:    "stop source",
		Execute: func(ctx context.Context) error { return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Execute: func(ctx context.Context) error { return errors.New("disk full") },
	})

	// Must not panic on a nil Compensate.
	if err := saga.Execute(context.Background()); err == nil {
		t.Fatal("Execute() should have failed")
	}
}

func TestSaga_Execute_CompensationErrorKeepsOriginal(t *testing.T) {
	saga := NewSaga(quietConfig())

	var compensationAttempted bool
	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Execute: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensationAttempted = true
			return errors.New("compensation failed")
		},
	})
	saga.AddStep(SagaStep{
		Name:    "register clone",
		Execute: func(ctx context.Context) error { return errors.New("fail") },
	})

	err := saga.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() should have failed")
	}
	if !compensationAttempted {
		t.Error("compensation should have been attempted")
	}
	if !strings.Contains(err.Error(), "register clone") {
		t.Errorf("error should be the original step failure, got: %v", err)
	}
}

func TestSaga_Execute_EmptySaga(t *testing.T) {
	saga := NewSaga(quietConfig())

	if err := saga.Execute(context.Background()); err != nil {
		t.Errorf("Execute() on empty saga should succeed, got: %v", err)
	}
}

// =============================================================================
// Cancellation and Timeout Tests
// =============================================================================

func TestSaga_Execute_ContextCancelledBeforeStart(t *testing.T) {
	saga := NewSaga(quietConfig())
	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Execute: func(ctx context.Context) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := saga.Execute(ctx)
	if err == nil {
		t.Fatal("Execute() should have failed due to cancellation")
	}
	if !strings.Contains(err.Error(), "cancel") {
		t.Errorf("error should mention cancellation, got: %v", err)
	}
}

func TestSaga_Execute_ContextCancelledDuringStep(t *testing.T) {
	saga := NewSaga(quietConfig())
	saga.AddStep(SagaStep{
		Name: "copy tree",
		Execute: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := saga.Execute(ctx)
	if err == nil {
		t.Fatal("Execute() should have failed")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("should have cancelled quickly, took %v", elapsed)
	}
}

func TestSaga_Execute_StepTimeout(t *testing.T) {
	config := quietConfig()
	config.StepTimeout = 100 * time.Millisecond
	saga := NewSaga(config)

	saga.AddStep(SagaStep{
		Name: "copy tree",
		Execute: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	start := time.Now()
	err := saga.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() should have timed out")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("should have timed out quickly, took %v", elapsed)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error should mention timeout, got: %v", err)
	}
}

func TestSaga_Execute_PerStepTimeoutOverride(t *testing.T) {
	config := quietConfig()
	config.StepTimeout = 5 * time.Second
	saga := NewSaga(config)

	saga.AddStep(SagaStep{
		Name:    "copy tree",
		Timeout: 100 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	start := time.Now()
	err := saga.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() should have timed out")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("per-step timeout not honored, took %v", elapsed)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// quietConfig silences step logging for cleaner test output.
func quietConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:         5 * time.Second,
		CompensationTimeout: 5 * time.Second,
		CompensateOnFail:    true,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}
