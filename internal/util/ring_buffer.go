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

import "sync"

// =============================================================================
// RingBuffer Type
// =============================================================================

// RingBuffer is a fixed-capacity circular buffer that drops the oldest
// element on overflow.
//
// # Description
//
// Used wherever the tool collects output of unbounded length but only the
// tail matters: container log tails, recent lifecycle events, progress
// history. When the buffer is full the oldest element is silently evicted
// and a drop counter is incremented so callers can report truncation.
//
// # Thread Safety
//
// All methods are safe for concurrent use; a single mutex guards the state.
//
// # Example
//
//	tail := util.NewRingBuffer[string](500)
//	for scanner.Scan() {
//	    tail.Push(scanner.Text())
//	}
//	lines := tail.ToSlice() // at most the last 500 lines
//
// # Limitations
//
//   - Capacity is fixed at construction
//   - Eviction is silent apart from DroppedCount
type RingBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
//
// A capacity below 1 is raised to 1 so the zero-config path still yields a
// usable buffer.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		items: make([]T, capacity),
	}
}

// =============================================================================
// RingBuffer Methods
// =============================================================================

// Push appends an item, evicting the oldest when full.
//
// Returns true when the item was stored without evicting anything, false
// when an old element was dropped to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % len(r.items)
	if r.size == len(r.items) {
		r.items[tail] = item
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		return false
	}
	r.items[tail] = item
	r.size++
	return true
}

// ToSlice returns the buffered items oldest-first without draining them.
func (r *RingBuffer[T]) ToSlice() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Drain returns all buffered items oldest-first and empties the buffer.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	r.head = 0
	r.size = 0
	return out
}

// Clear empties the buffer without returning the contents.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}

// Size returns the number of buffered items.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// IsEmpty reports whether the buffer holds no items.
func (r *RingBuffer[T]) IsEmpty() bool {
	return r.Size() == 0
}

// IsFull reports whether the next Push will evict.
func (r *RingBuffer[T]) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == len(r.items)
}

// DroppedCount returns how many items have been evicted since creation.
func (r *RingBuffer[T]) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
