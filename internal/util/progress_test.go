// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncWriter serializes writes from the render goroutine and the test.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestSpinner_StartStop(t *testing.T) {
	w := &syncWriter{}
	s := NewSpinner(SpinnerConfig{Message: "Starting containers...", Writer: w,
		Interval: 10 * time.Millisecond})

	s.Start()
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	s.Start() // second Start is a no-op
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if !strings.Contains(w.String(), "Starting containers...") {
		t.Error("spinner never rendered its message")
	}
}

func TestSpinner_StopSuccessAndFailure(t *testing.T) {
	w := &syncWriter{}
	s := NewSpinner(SpinnerConfig{Message: "Installing...", Writer: w,
		Interval: 10 * time.Millisecond})
	s.Start()
	s.StopSuccess("Install complete")

	if !strings.Contains(w.String(), "✓ Install complete") {
		t.Errorf("output = %q, want success line", w.String())
	}

	s2 := NewSpinner(SpinnerConfig{Message: "Installing...", Writer: w,
		Interval: 10 * time.Millisecond})
	s2.Start()
	s2.StopFailure("Install failed")

	if !strings.Contains(w.String(), "✗ Install failed") {
		t.Errorf("output = %q, want failure line", w.String())
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	s := NewSpinner(SpinnerConfig{Writer: &syncWriter{}})
	s.Stop() // must not block or panic
}

func TestSpinWhile(t *testing.T) {
	wantErr := errors.New("failed")
	if err := SpinWhile("working", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("SpinWhile() error = %v, want %v", err, wantErr)
	}
	if err := SpinWhile("working", func() error { return nil }); err != nil {
		t.Errorf("SpinWhile() error = %v, want nil", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 bytes"},
		{2048, "2.0 KB"},
		{52428800, "50.0 MB"},
		{104857600, "100.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
