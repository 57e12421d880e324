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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrNotFound indicates no record matches the given id or name.
	ErrNotFound = errors.New("project not found")

	// ErrConflict indicates a create or update would violate a uniqueness
	// constraint (name, root path, or port).
	ErrConflict = errors.New("project conflict")

	// ErrInvalidRecord indicates a record violates a field constraint or
	// a status invariant.
	ErrInvalidRecord = errors.New("invalid project record")

	// ErrStoreCorrupt indicates the store file exists but cannot be
	// parsed or was written by a newer version.
	ErrStoreCorrupt = errors.New("project store corrupt")
)

// =============================================================================
// Change Notifications
// =============================================================================

// ChangeOp identifies what happened to a record.
type ChangeOp string

const (
	// ChangeCreated means a record was added.
	ChangeCreated ChangeOp = "created"

	// ChangeUpdated means an existing record was mutated.
	ChangeUpdated ChangeOp = "updated"

	// ChangeDeleted means a record was removed.
	ChangeDeleted ChangeOp = "deleted"
)

// Change describes one persisted store mutation.
type Change struct {
	// Op is what happened.
	Op ChangeOp

	// Record is a copy of the record after the change. For deletions it
	// is the last state before removal.
	Record *Record
}

// ObserverFunc receives change notifications after they are persisted.
type ObserverFunc func(Change)

// =============================================================================
// Interface Definition
// =============================================================================

// Store persists project records and enforces their invariants.
//
// # Description
//
// The store is the single writer of project state. Every mutation goes
// through Create, Apply, or Delete, which validate, enforce uniqueness,
// persist atomically, and then notify subscribers. Callers never hold a
// live *Record: all methods return copies.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store interface {
	// Create validates and persists a new record.
	//
	// Fills in ID, Status, CreatedAt, and LastUsed when unset. Returns
	// ErrInvalidRecord or ErrConflict on violation.
	Create(rec *Record) (*Record, error)

	// Get returns the record with the given id, or ErrNotFound.
	Get(id string) (*Record, error)

	// GetByName returns the record with the given name, compared
	// case-insensitively, or ErrNotFound.
	GetByName(name string) (*Record, error)

	// List returns all records sorted by name.
	List() ([]*Record, error)

	// Apply mutates one record under the store lock.
	//
	// The mutate callback receives a copy of the current record and
	// edits it in place. The store then re-validates, normalizes status
	// invariants, persists, and notifies. Returning an error from mutate
	// aborts without persisting. ID and CreatedAt cannot be changed.
	Apply(id string, mutate func(*Record) error) (*Record, error)

	// Delete removes the record with the given id, or ErrNotFound.
	Delete(id string) error

	// Subscribe registers an observer called after each persisted
	// change. The returned function unregisters it.
	Subscribe(fn ObserverFunc) (unsubscribe func())

	// Path returns the absolute path of the backing file.
	Path() string
}

// =============================================================================
// Supporting Types
// =============================================================================

// storeFileVersion is the current on-disk format version.
const storeFileVersion = 1

// storeFile is the JSON envelope written to disk.
type storeFile struct {
	Version  int       `json:"version"`
	Projects []*Record `json:"projects"`
}

// =============================================================================
// Default Implementation
// =============================================================================

// FileStore is a Store backed by a single JSON file.
//
// # Description
//
// Records live in memory and are flushed on every mutation by writing a
// temporary file in the same directory and renaming it over the store
// file, so readers never observe a partial write. A missing file is an
// empty store; the file is created on the first mutation.
//
// # Example(s)
//
//	store, err := project.NewFileStore("/home/user/.mooring/projects.json")
//	if err != nil {
//	    return err
//	}
//	rec, err := store.Create(&project.Record{
//	    Name:       "demo",
//	    Version:    "4.5",
//	    RootPath:   "/home/user/.mooring/projects/demo",
//	    PublicPort: 8080,
//	    DBPort:     3307,
//	})
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]*Record

	obsMu     sync.RWMutex
	observers map[int]ObserverFunc
	nextObsID int

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// Interface compliance check.
var _ Store = (*FileStore)(nil)

// NewFileStore opens or creates a file-backed store at path.
//
// # Inputs
//
//   - path: Absolute path of the JSON store file. The parent directory
//     is created if missing.
//
// # Outputs
//
//   - *FileStore: The loaded store
//   - error: ErrStoreCorrupt if the file exists but cannot be parsed
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: store path is required", ErrInvalidRecord)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	fs := &FileStore{
		path:      abs,
		records:   make(map[string]*Record),
		observers: make(map[int]ObserverFunc),
		now:       time.Now,
	}
	if err := fs.loadLocked(); err != nil {
		return nil, err
	}
	return fs, nil
}

// =============================================================================
// Interface Implementation
// =============================================================================

// Create validates and persists a new record.
func (fs *FileStore) Create(rec *Record) (*Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}

	work := rec.Clone()
	if work.ID == "" {
		work.ID = uuid.NewString()
	}
	if work.Status == "" {
		work.Status = StatusStopped
	}
	work.RootPath = filepath.Clean(work.RootPath)

	if err := work.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := normalize(work); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	if _, exists := fs.records[work.ID]; exists {
		fs.mu.Unlock()
		return nil, fmt.Errorf("%w: id %s already exists", ErrConflict, work.ID)
	}
	if err := fs.checkConflictsLocked(work, work.ID); err != nil {
		fs.mu.Unlock()
		return nil, err
	}

	ts := fs.now()
	if work.CreatedAt.IsZero() {
		work.CreatedAt = ts
	}
	if work.LastUsed.IsZero() {
		work.LastUsed = ts
	}

	fs.records[work.ID] = work
	if err := fs.saveLocked(); err != nil {
		delete(fs.records, work.ID)
		fs.mu.Unlock()
		return nil, err
	}
	out := work.Clone()
	fs.mu.Unlock()

	fs.notify(Change{Op: ChangeCreated, Record: out.Clone()})
	return out, nil
}

// Get returns the record with the given id.
func (fs *FileStore) Get(id string) (*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// GetByName returns the record with the given name.
func (fs *FileStore) GetByName(name string) (*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, rec := range fs.records {
		if strings.EqualFold(rec.Name, name) {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
}

// List returns all records sorted by name.
func (fs *FileStore) List() ([]*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*Record, 0, len(fs.records))
	for _, rec := range fs.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Apply mutates one record under the store lock.
func (fs *FileStore) Apply(id string, mutate func(*Record) error) (*Record, error) {
	if mutate == nil {
		return nil, fmt.Errorf("%w: mutate callback is nil", ErrInvalidRecord)
	}

	fs.mu.Lock()
	cur, ok := fs.records[id]
	if !ok {
		fs.mu.Unlock()
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	work := cur.Clone()
	if err := mutate(work); err != nil {
		fs.mu.Unlock()
		return nil, err
	}

	// Immutable fields win over whatever the callback did.
	work.ID = cur.ID
	work.CreatedAt = cur.CreatedAt
	work.RootPath = filepath.Clean(work.RootPath)

	if err := work.Validate(); err != nil {
		fs.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := normalize(work); err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	if err := fs.checkConflictsLocked(work, id); err != nil {
		fs.mu.Unlock()
		return nil, err
	}

	fs.records[id] = work
	if err := fs.saveLocked(); err != nil {
		fs.records[id] = cur
		fs.mu.Unlock()
		return nil, err
	}
	out := work.Clone()
	fs.mu.Unlock()

	fs.notify(Change{Op: ChangeUpdated, Record: out.Clone()})
	return out, nil
}

// Delete removes the record with the given id.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	cur, ok := fs.records[id]
	if !ok {
		fs.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	delete(fs.records, id)
	if err := fs.saveLocked(); err != nil {
		fs.records[id] = cur
		fs.mu.Unlock()
		return err
	}
	out := cur.Clone()
	fs.mu.Unlock()

	fs.notify(Change{Op: ChangeDeleted, Record: out})
	return nil
}

// Subscribe registers an observer for persisted changes.
func (fs *FileStore) Subscribe(fn ObserverFunc) (unsubscribe func()) {
	fs.obsMu.Lock()
	id := fs.nextObsID
	fs.nextObsID++
	fs.observers[id] = fn
	fs.obsMu.Unlock()

	return func() {
		fs.obsMu.Lock()
		delete(fs.observers, id)
		fs.obsMu.Unlock()
	}
}

// Path returns the absolute path of the backing file.
func (fs *FileStore) Path() string {
	return fs.path
}

// Reload re-reads the store file and notifies observers of differences.
//
// # Description
//
// Used when another process rewrites the store file. Records present on
// disk but not in memory produce created notifications, changed records
// produce updates, and records missing from disk produce deletions.
func (fs *FileStore) Reload() error {
	fs.mu.Lock()
	old := fs.records
	fs.records = make(map[string]*Record)
	if err := fs.loadLocked(); err != nil {
		fs.records = old
		fs.mu.Unlock()
		return err
	}

	var changes []Change
	for id, rec := range fs.records {
		prev, ok := old[id]
		switch {
		case !ok:
			changes = append(changes, Change{Op: ChangeCreated, Record: rec.Clone()})
		case !recordsEqual(prev, rec):
			changes = append(changes, Change{Op: ChangeUpdated, Record: rec.Clone()})
		}
	}
	for id, prev := range old {
		if _, ok := fs.records[id]; !ok {
			changes = append(changes, Change{Op: ChangeDeleted, Record: prev.Clone()})
		}
	}
	fs.mu.Unlock()

	for _, ch := range changes {
		fs.notify(ch)
	}
	return nil
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// loadLocked reads the store file into memory. Caller holds mu or is
// the constructor.
func (fs *FileStore) loadLocked() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if file.Version > storeFileVersion {
		return fmt.Errorf("%w: file version %d is newer than supported version %d",
			ErrStoreCorrupt, file.Version, storeFileVersion)
	}

	for _, rec := range file.Projects {
		if rec == nil || rec.ID == "" {
			return fmt.Errorf("%w: record without id", ErrStoreCorrupt)
		}
		fs.records[rec.ID] = rec
	}
	return nil
}

// saveLocked writes the current records atomically. Caller holds mu.
func (fs *FileStore) saveLocked() error {
	projects := make([]*Record, 0, len(fs.records))
	for _, rec := range fs.records {
		projects = append(projects, rec)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })

	data, err := json.MarshalIndent(storeFile{
		Version:  storeFileVersion,
		Projects: projects,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".projects-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// checkConflictsLocked verifies uniqueness against all other records.
// Caller holds mu.
func (fs *FileStore) checkConflictsLocked(candidate *Record, excludeID string) error {
	for id, other := range fs.records {
		if id == excludeID {
			continue
		}
		if strings.EqualFold(other.Name, candidate.Name) {
			return fmt.Errorf("%w: name %q already in use by project %s",
				ErrConflict, candidate.Name, other.ID)
		}
		if filepath.Clean(other.RootPath) == candidate.RootPath {
			return fmt.Errorf("%w: root path %s already in use by project %q",
				ErrConflict, candidate.RootPath, other.Name)
		}
		for _, port := range []int{candidate.PublicPort, candidate.DBPort} {
			if port == other.PublicPort || port == other.DBPort {
				return fmt.Errorf("%w: port %d already in use by project %q",
					ErrConflict, port, other.Name)
			}
		}
	}
	return nil
}

// notify delivers a change to all observers outside the data lock.
func (fs *FileStore) notify(ch Change) {
	fs.obsMu.RLock()
	fns := make([]ObserverFunc, 0, len(fs.observers))
	for _, fn := range fs.observers {
		fns = append(fns, fn)
	}
	fs.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// normalize enforces status invariants on a record about to be persisted.
//
// Progress never survives entering a rest state, and an error message
// exists exactly while the status is error.
func normalize(rec *Record) error {
	switch rec.Status {
	case StatusError:
		if rec.ErrorMessage == "" {
			return fmt.Errorf("%w: status error requires an error message", ErrInvalidRecord)
		}
		rec.Progress = nil
	case StatusReady, StatusStopped:
		rec.ErrorMessage = ""
		rec.Progress = nil
	default:
		rec.ErrorMessage = ""
	}
	return nil
}

// recordsEqual compares two records by their serialized form, which
// sidesteps monotonic clock noise in time fields.
func recordsEqual(a, b *Record) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
