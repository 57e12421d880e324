// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// Working Directory Layout
// =============================================================================

const (
	// workDirName is the per-project working directory holding the
	// partial archive, resume state, and extraction area. Removed when
	// provisioning succeeds; its presence marks an operation in
	// progress across process restarts.
	workDirName = ".tmp"

	// partialName is the in-flight archive file.
	partialName = "archive.partial"

	// stateName is the resume bookkeeping sidecar.
	stateName = "resume-state.json"

	// extractDirName is where the archive unpacks before the move into
	// its final location.
	extractDirName = "extract"
)

// resumeTolerance is how far the partial artifact's size may drift from
// the recorded offset before resume state is distrusted and discarded.
const resumeTolerance = 1 << 20

// WorkDir returns a project's download working directory.
func WorkDir(root string) string {
	return filepath.Join(root, workDirName)
}

// PartialPath returns the partial archive location for a project root.
func PartialPath(root string) string {
	return filepath.Join(WorkDir(root), partialName)
}

// StatePath returns the resume-state location for a project root.
func StatePath(root string) string {
	return filepath.Join(WorkDir(root), stateName)
}

// extractPath returns the temporary extraction directory.
func extractPath(root string) string {
	return filepath.Join(WorkDir(root), extractDirName)
}

// =============================================================================
// Resume State
// =============================================================================

// ResumeState is the persisted sidecar enabling a download to continue
// after interruption.
//
// # Description
//
// Written before the first byte is requested and refreshed as bytes
// accumulate, so a crash loses at most a bounded stretch of progress.
// Removed together with the partial artifact on success; preserved on
// failure so the next attempt resumes instead of restarting.
type ResumeState struct {
	// SourceURL is the URL the partial artifact came from. Resume is
	// only valid against the same URL.
	SourceURL string `json:"sourceUrl"`

	// DownloadedBytes is the recorded progress at last persist.
	DownloadedBytes int64 `json:"downloadedBytes"`

	// TotalSizeBytes is the discovered total, zero when unknown.
	TotalSizeBytes int64 `json:"totalSizeBytes"`

	// Timestamp is when the state was last written.
	Timestamp time.Time `json:"timestamp"`
}

// loadResumeState reads the sidecar, returning nil when absent or
// unreadable. A corrupt sidecar is treated as no sidecar.
func loadResumeState(root string) *ResumeState {
	data, err := os.ReadFile(StatePath(root))
	if err != nil {
		return nil
	}
	var state ResumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	if state.SourceURL == "" {
		return nil
	}
	return &state
}

// saveResumeState writes the sidecar.
func saveResumeState(root string, state *ResumeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(StatePath(root), data, 0o644)
}

// clearResumeArtifacts removes the sidecar and partial archive.
func clearResumeArtifacts(root string) {
	os.Remove(StatePath(root))
	os.Remove(PartialPath(root))
}

// resumeOffset decides where a download for the given URL starts.
//
// # Description
//
// Resume requires the sidecar and partial artifact to exist as a pair,
// the recorded URL to match, and the artifact's size to sit within the
// tolerance of the recorded offset. Anything else discards both and
// starts fresh. The artifact's actual size wins over the recorded
// value, since disk is the ground truth.
//
// # Outputs
//
//   - offset: Byte position to resume from, zero for a fresh start
//   - total: Previously discovered total size, zero when starting fresh
func resumeOffset(root, url string) (offset int64, total int64) {
	state := loadResumeState(root)
	info, err := os.Stat(PartialPath(root))
	if state == nil || err != nil {
		clearResumeArtifacts(root)
		return 0, 0
	}
	if state.SourceURL != url {
		clearResumeArtifacts(root)
		return 0, 0
	}
	drift := info.Size() - state.DownloadedBytes
	if drift < -resumeTolerance || drift > resumeTolerance {
		clearResumeArtifacts(root)
		return 0, 0
	}
	return info.Size(), state.TotalSizeBytes
}

// =============================================================================
// Filesystem Markers
// =============================================================================

// SourceReady reports whether a verified source tree exists under root.
//
// # Inputs
//
//   - root: The project root directory
//   - sourceDir: Name of the source directory under root
//   - marker: File expected at the source tree root
func SourceReady(root, sourceDir, marker string) bool {
	info, err := os.Stat(filepath.Join(root, sourceDir, marker))
	return err == nil && info.Mode().IsRegular()
}

// InProgress reports whether a download or extraction is mid-flight for
// root, judged by the working directory's presence.
//
// The working directory is created when provisioning starts and removed
// only after the source tree is verified, so its existence is the
// cross-restart signal that the tree cannot be trusted yet.
func InProgress(root string) bool {
	info, err := os.Stat(WorkDir(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
		return true
	}
	return info.IsDir()
}
