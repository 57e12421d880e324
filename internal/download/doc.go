// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download fetches and unpacks large source archives over
// unreliable networks.
//
// The engine streams into a per-project working directory (.tmp under
// the project root) holding the partial archive and a resume-state
// sidecar; interrupted transfers continue with byte-range requests
// instead of starting over. Transient failures retry with exponential
// backoff, progress callbacks are rate limited, and two watchdogs bound
// each attempt: an inactivity timeout that rearms on every received
// chunk and an absolute ceiling set once at start.
//
// Provision layers the unpack pipeline on top: extract the tarball,
// collapse a single wrapper directory, move the tree into place
// atomically, and verify a marker file. The working directory is
// removed only after verification, so SourceReady and InProgress give
// other subsystems a crash-safe view of where provisioning stands.
//
// The engine knows nothing about what it downloads; callers name the
// archive URL, the destination directory, and the marker to verify.
package download
