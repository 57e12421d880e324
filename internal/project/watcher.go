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

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Store Watcher
// =============================================================================

// defaultWatchDebounce batches rapid rewrites into one reload.
const defaultWatchDebounce = 250 * time.Millisecond

// StoreWatcher reloads a FileStore when another process rewrites its file.
//
// # Description
//
// The store is rewritten by renaming a temporary file over it, so the
// watcher observes the parent directory rather than the file itself and
// filters for events touching the store path. Bursts of events within
// the debounce window collapse into a single Reload, which in turn
// notifies the store's subscribers of any differences.
//
// # Example(s)
//
//	watcher := project.NewStoreWatcher(store, 0, nil)
//	if err := watcher.Start(); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. Stop is idempotent.
type StoreWatcher struct {
	store    *FileStore
	debounce time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	started bool

	watcher  *fsnotify.Watcher
	changed  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStoreWatcher creates a watcher for the store's backing file.
//
// # Inputs
//
//   - store: The store to reload on external changes
//   - debounce: Quiet window before reloading. Zero uses the default.
//   - log: Logger for reload outcomes. Nil uses the package default.
func NewStoreWatcher(store *FileStore, debounce time.Duration, log *logging.Logger) *StoreWatcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if log == nil {
		log = logging.Default()
	}
	return &StoreWatcher{
		store:    store,
		debounce: debounce,
		log:      log,
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins watching. Returns an error if already started or if the
// store directory cannot be watched.
func (w *StoreWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("store watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return fmt.Errorf("watch store directory: %w", err)
	}

	w.watcher = fsw
	w.started = true

	w.wg.Add(2)
	go w.processEvents()
	go w.debounceLoop()
	return nil
}

// Stop terminates the watcher and waits for its goroutines to exit.
func (w *StoreWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// processEvents filters filesystem events down to store file changes.
func (w *StoreWatcher) processEvents() {
	defer w.wg.Done()
	storePath := w.store.Path()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != storePath {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case w.changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("store watcher error", "error", err)
		}
	}
}

// debounceLoop waits for a quiet window after a change, then reloads.
func (w *StoreWatcher) debounceLoop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		timerC = nil
		if err := w.store.Reload(); err != nil {
			w.log.Warn("store reload failed", "path", w.store.Path(), "error", err)
			return
		}
		w.log.Debug("store reloaded after external change", "path", w.store.Path())
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.changed:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				timerC = timer.C
			}
		case <-timerC:
			flush()
		}
	}
}
