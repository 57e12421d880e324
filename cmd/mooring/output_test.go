// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"
	"time"

	"github.com/AleutianAI/mooring/internal/reconcile"
)

func TestFormatSyncSummary(t *testing.T) {
	cases := []struct {
		name    string
		summary reconcile.Summary
		want    string
	}{
		{
			name:    "full pass",
			summary: reconcile.Summary{Checked: 3, Changed: 1, Failed: 0},
			want:    "Checked 3 project(s): 1 corrected, 0 failed",
		},
		{
			name:    "pass with failures",
			summary: reconcile.Summary{Checked: 5, Changed: 2, Failed: 1},
			want:    "Checked 5 project(s): 2 corrected, 1 failed",
		},
		{
			// Skipped is a flag, not a count: the pass never ran, so no
			// counter belongs in the line.
			name:    "skipped pass",
			summary: reconcile.Summary{Skipped: true},
			want:    "Skipped: another pass finished moments ago",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatSyncSummary(tc.summary); got != tc.want {
				t.Errorf("formatSyncSummary() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHumanSince(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "never"},
		{"seconds ago", now.Add(-30 * time.Second), "just now"},
		{"minutes ago", now.Add(-5 * time.Minute), "5m ago"},
		{"hours ago", now.Add(-3 * time.Hour), "3h ago"},
		{"days ago", now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := humanSince(tc.t); got != tc.want {
				t.Errorf("humanSince() = %q, want %q", got, tc.want)
			}
		})
	}
}
