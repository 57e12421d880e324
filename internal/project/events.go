// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

// =============================================================================
// Event Types
// =============================================================================

// EventLevel classifies how an event should be rendered.
type EventLevel string

const (
	// LevelInfo is a normal progress line.
	LevelInfo EventLevel = "info"

	// LevelWarn is a recoverable problem, such as a retried download chunk.
	LevelWarn EventLevel = "warn"

	// LevelError is a terminal failure for the running operation.
	LevelError EventLevel = "error"
)

// Event is one progress notification from a running operation.
//
// # Description
//
// Lifecycle operations emit events as they move through phases. A CLI
// renders them as spinner updates; a server forwards them to clients.
// Events are advisory: dropping one never affects the operation.
type Event struct {
	// Phase names the pipeline stage emitting the event.
	Phase string

	// Level is the render hint.
	Level EventLevel

	// Message is the human-readable line.
	Message string

	// Percent is completion in [0,100] when known, nil otherwise.
	Percent *float64

	// Current and Total are the byte counters behind Percent, zero when
	// not applicable.
	Current int64
	Total   int64

	// Rate is bytes per second for transfer phases, zero otherwise.
	Rate int64
}

// =============================================================================
// Sink Interface
// =============================================================================

// EventSink receives operation events.
//
// # Thread Safety
//
// Emit may be called from multiple goroutines. Implementations must be
// safe for concurrent use and must not block for long; slow sinks stall
// progress reporting but not the operation itself.
type EventSink interface {
	// Emit delivers one event. Must not panic.
	Emit(ev Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ev Event)

// Emit implements EventSink.
func (f SinkFunc) Emit(ev Event) {
	f(ev)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}

// Interface compliance checks.
var (
	_ EventSink = SinkFunc(nil)
	_ EventSink = NopSink{}
)
