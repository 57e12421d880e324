// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project defines project records, their lifecycle states, and
// the persistent store that owns them.
//
// A Record describes one managed site: its identity, directory tree,
// host ports, and current Status. Records are persisted in a single
// JSON file through FileStore, which is the only writer of project
// state. All mutations flow through Store.Apply, which merges the
// caller's changes, enforces status invariants, persists atomically by
// rename, and notifies subscribers.
//
// StoreWatcher complements the store for long-running processes: it
// watches the backing file with fsnotify and reloads when another
// process rewrites it, so a server and the CLI can share one store.
package project
