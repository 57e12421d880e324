// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// SagaStep is one forward action with its undo.
//
// Compensate runs only if a later step fails, and must be idempotent: it
// may see a target the Execute never finished creating. Nil Compensate
// means the step leaves nothing behind (stopping containers that the
// caller settles afterwards anyway, for example).
type SagaStep struct {
	// Name identifies the step in logs and in the failure error.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. May be nil.
	Compensate func(ctx context.Context) error

	// Timeout overrides SagaConfig.StepTimeout for this step. Zero
	// uses the saga default.
	Timeout time.Duration
}

// SagaConfig controls timeouts and rollback behavior.
type SagaConfig struct {
	// StepTimeout bounds each step. Default: 60s.
	StepTimeout time.Duration

	// CompensationTimeout bounds each undo. Default: 30s.
	CompensationTimeout time.Duration

	// CompensateOnFail runs the undo chain when a step fails.
	CompensateOnFail bool

	// Logger receives step and compensation events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultSagaConfig returns the standard timeouts with rollback enabled.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:         60 * time.Second,
		CompensationTimeout: 30 * time.Second,
		CompensateOnFail:    true,
		Logger:              slog.Default(),
	}
}

// =============================================================================
// Saga
// =============================================================================

// Saga runs a short sequence of steps and unwinds the completed ones, in
// reverse order, when a later step fails. Project duplication is the
// canonical caller: stop, copy, render, register either all land or the
// half-copied tree and any registered record are removed again.
//
// Steps run sequentially. A Saga instance serves one operation; its
// methods are mutex-guarded, so a stray concurrent Execute blocks rather
// than interleaves. There is no persistence: a crash mid-saga is the
// reconciler's problem, not this package's.
type Saga struct {
	config    SagaConfig
	steps     []SagaStep
	completed []SagaStep
	mu        sync.Mutex
}

// NewSaga returns an empty saga. Zero config fields get defaults.
func NewSaga(config SagaConfig) *Saga {
	defaults := DefaultSagaConfig()
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaults.CompensationTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Saga{config: config}
}

// AddStep appends a step. Steps execute in the order added.
func (s *Saga) AddStep(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs the steps in order. On the first failure it compensates
// the completed steps newest-first (when CompensateOnFail is set) and
// returns an error naming the failed step. Compensation failures are
// logged, never returned: the original failure is the one the caller
// needs to see.
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]

	for _, step := range s.steps {
		if ctx.Err() != nil {
			err := fmt.Errorf("saga cancelled: %w", ctx.Err())
			s.compensate()
			return err
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = s.config.StepTimeout
		}

		if err := s.executeStep(ctx, step, timeout); err != nil {
			if s.config.CompensateOnFail {
				s.compensate()
			}
			return fmt.Errorf("saga failed at step %q: %w", step.Name, err)
		}

		s.completed = append(s.completed, step)
	}

	return nil
}

// executeStep runs one step under its timeout. The step runs on its own
// goroutine so a step that ignores its context still cannot hold the
// saga past the deadline; such a step leaks until it returns.
func (s *Saga) executeStep(ctx context.Context, step SagaStep, timeout time.Duration) error {
	s.config.Logger.Info("executing step", "step", step.Name)
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.Execute(stepCtx)
	}()

	select {
	case err := <-done:
		duration := time.Since(start)
		if err != nil {
			s.config.Logger.Error("step failed",
				"step", step.Name, "duration", duration, "error", err)
			return err
		}
		s.config.Logger.Info("step completed",
			"step", step.Name, "duration", duration)
		return nil

	case <-stepCtx.Done():
		return fmt.Errorf("step timed out after %v", timeout)
	}
}

// compensate unwinds completed steps newest-first. It runs on a fresh
// context: rollback must finish even when the caller's context is the
// thing that failed.
func (s *Saga) compensate() {
	if len(s.completed) == 0 {
		return
	}

	s.config.Logger.Info("compensating completed steps", "count", len(s.completed))

	budget := s.config.CompensationTimeout * time.Duration(len(s.completed))
	compensateCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}

		stepCtx, stepCancel := context.WithTimeout(compensateCtx, s.config.CompensationTimeout)
		err := step.Compensate(stepCtx)
		stepCancel()

		if err != nil {
			s.config.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			continue
		}
		s.config.Logger.Info("compensated step", "step", step.Name)
	}
}
