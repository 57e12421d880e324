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
	"context"
	"fmt"
	"runtime/debug"
)

// =============================================================================
// Supporting Types
// =============================================================================

// PanicReport carries the details of a recovered goroutine panic.
type PanicReport struct {
	// Value is the value passed to panic.
	Value any

	// Stack is the goroutine stack trace captured at recovery time.
	Stack string
}

// Error formats the report as an error string.
func (p PanicReport) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// =============================================================================
// Goroutine Helpers
// =============================================================================

// SafeGo runs fn in a new goroutine with panic recovery.
//
// # Description
//
// Background goroutines in this tool (reconcile debounce timers, spinner
// renderers, store watchers) must never take the process down. A panic in fn
// is recovered, wrapped in a PanicReport with the stack trace, and handed to
// onPanic. A nil onPanic swallows the panic after recovery.
//
// # Example
//
//	util.SafeGo(func() { watcher.run() }, func(r util.PanicReport) {
//	    slog.Error("watcher panicked", "panic", r.Value)
//	})
func SafeGo(fn func(), onPanic func(PanicReport)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// SafeGoWithContext runs fn in a new goroutine unless ctx is already done.
//
// The context is checked once before launch; fn is responsible for observing
// cancellation afterwards.
func SafeGoWithContext(ctx context.Context, fn func(), onPanic func(PanicReport)) {
	if ctx.Err() != nil {
		return
	}
	SafeGo(fn, onPanic)
}

// RecoverPanic returns a deferred-position func that recovers a panic and
// reports it.
//
// Usage is always "defer RecoverPanic(handler)()" so the returned closure
// runs at unwind time.
func RecoverPanic(onPanic func(PanicReport)) func() {
	return func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(PanicReport{
					Value: r,
					Stack: string(debug.Stack()),
				})
			}
		}
	}
}
