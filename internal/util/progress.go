// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ProgressIndicator is the contract for long-operation feedback in the CLI.
//
// Downloads, compose startups, and installs all run long enough that the
// terminal needs a liveness signal; this interface lets commands share one
// without caring about the rendering.
type ProgressIndicator interface {
	// Start begins the animation. Calling Start on a running indicator
	// is a no-op.
	Start()

	// Stop ends the animation, clearing the line.
	Stop()

	// StopSuccess ends the animation and prints a success line.
	StopSuccess(message string)

	// StopFailure ends the animation and prints a failure line.
	StopFailure(message string)

	// SetMessage updates the displayed text while running.
	SetMessage(message string)
}

// =============================================================================
// Supporting Types
// =============================================================================

// SpinnerConfig configures a Spinner.
type SpinnerConfig struct {
	// Message is the text displayed next to the spinner.
	Message string

	// Interval is the time between frame updates. Default: 100ms.
	Interval time.Duration

	// Frames are the animation characters. Default: Braille dots.
	Frames []string

	// Writer is where output is written. Default: os.Stderr.
	Writer io.Writer

	// ClearOnStop clears the spinner line when stopped. Default: true.
	ClearOnStop bool
}

// DefaultSpinnerConfig returns the standard Braille spinner on stderr.
func DefaultSpinnerConfig() SpinnerConfig {
	return SpinnerConfig{
		Message:     "Working...",
		Interval:    100 * time.Millisecond,
		Frames:      []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		Writer:      os.Stderr,
		ClearOnStop: true,
	}
}

// =============================================================================
// Default Implementation
// =============================================================================

// Spinner is the terminal ProgressIndicator.
//
// # Thread Safety
//
// Start, Stop, StopSuccess, StopFailure, and SetMessage are safe to call
// from multiple goroutines; the render loop runs on its own goroutine.
type Spinner struct {
	mu      sync.Mutex
	config  SpinnerConfig
	running bool
	frame   int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ ProgressIndicator = (*Spinner)(nil)

// NewSpinner creates a Spinner, filling zero config fields with defaults.
func NewSpinner(config SpinnerConfig) *Spinner {
	defaults := DefaultSpinnerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if len(config.Frames) == 0 {
		config.Frames = defaults.Frames
	}
	if config.Writer == nil {
		config.Writer = defaults.Writer
	}
	return &Spinner{config: config}
}

// Start begins the animation loop. No-op when already running.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	SafeGo(s.spin, func(r PanicReport) {
		slog.Error("spinner goroutine panicked", "panic", r.Value)
	})
}

// Stop ends the animation and clears the spinner line.
func (s *Spinner) Stop() {
	s.stopAndWait()
	if s.config.ClearOnStop {
		s.clearLine()
	}
}

// StopSuccess ends the animation and prints the message with a check mark.
func (s *Spinner) StopSuccess(message string) {
	s.stopAndWait()
	s.clearLine()
	fmt.Fprintf(s.config.Writer, "✓ %s\n", message)
}

// StopFailure ends the animation and prints the message with a cross.
func (s *Spinner) StopFailure(message string) {
	s.stopAndWait()
	s.clearLine()
	fmt.Fprintf(s.config.Writer, "✗ %s\n", message)
}

// SetMessage updates the displayed text. Takes effect on the next frame.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Message = message
}

// IsRunning reports whether the animation loop is active.
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// =============================================================================
// Private Helper Methods
// =============================================================================

func (s *Spinner) stopAndWait() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// spin is the render loop.
func (s *Spinner) spin() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.render()
		case <-s.stopCh:
			return
		}
	}
}

// render draws the current frame.
func (s *Spinner) render() {
	s.mu.Lock()
	frame := s.config.Frames[s.frame%len(s.config.Frames)]
	message := s.config.Message
	s.frame++
	s.mu.Unlock()

	fmt.Fprintf(s.config.Writer, "\r%s %s", frame, message)
}

// clearLine erases the spinner line.
func (s *Spinner) clearLine() {
	fmt.Fprint(s.config.Writer, "\r\033[K")
}

// =============================================================================
// Convenience Functions
// =============================================================================

// SpinWhile runs fn with a spinner, stopping with success or failure based
// on the returned error. The error from fn is passed through.
func SpinWhile(message string, fn func() error) error {
	spinner := NewSpinner(SpinnerConfig{Message: message})
	spinner.Start()
	err := fn()
	if err != nil {
		spinner.StopFailure(message)
		return err
	}
	spinner.StopSuccess(message)
	return nil
}
