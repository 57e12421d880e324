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
// Testing Strategy
// =============================================================================
//
// FileStore tests run against real files in t.TempDir, exercising the
// same rename-based persistence the production store uses. A fixed
// injected clock keeps timestamps assertable. Each test builds its own
// store; nothing is shared between tests.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// testClock returns a deterministic clock starting at a fixed instant,
// advancing one second per call.
func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		t := base.Add(time.Duration(calls) * time.Second)
		calls++
		return t
	}
}

// newTestStore creates a FileStore in a temp directory with a fixed clock.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	store.now = testClock()
	return store
}

// recordNamed returns a valid record with unique name, path, and ports.
func recordNamed(name string, portBase int) *Record {
	return &Record{
		Name:       name,
		Version:    "4.5",
		RootPath:   "/data/projects/" + name,
		PublicPort: portBase,
		DBPort:     portBase + 1,
	}
}

func TestFileStore_CreateFillsDefaults(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Error("Create() left ID empty")
	}
	if created.Status != StatusStopped {
		t.Errorf("Create() Status = %q, want %q", created.Status, StatusStopped)
	}
	if created.CreatedAt.IsZero() {
		t.Error("Create() left CreatedAt zero")
	}
	if created.LastUsed.IsZero() {
		t.Error("Create() left LastUsed zero")
	}
}

func TestFileStore_CreatePersistsToDisk(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if file.Version != storeFileVersion {
		t.Errorf("file version = %d, want %d", file.Version, storeFileVersion)
	}
	if len(file.Projects) != 1 {
		t.Fatalf("file has %d projects, want 1", len(file.Projects))
	}
	if file.Projects[0].ID != created.ID {
		t.Errorf("persisted ID = %q, want %q", file.Projects[0].ID, created.ID)
	}
	if file.Projects[0].Name != "demo" {
		t.Errorf("persisted Name = %q, want demo", file.Projects[0].Name)
	}
}

func TestFileStore_CreateRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	rec := recordNamed("demo", 8080)
	rec.Name = "Bad Name"
	if _, err := store.Create(rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Create() error = %v, want ErrInvalidRecord", err)
	}

	if _, err := store.Create(nil); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Create(nil) error = %v, want ErrInvalidRecord", err)
	}
}

func TestFileStore_CreateUniqueness(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(recordNamed("demo", 8080)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name   string
		record *Record
		want   string
	}{
		{
			name: "name case-insensitive",
			record: func() *Record {
				r := recordNamed("other", 9090)
				r.Name = "demo"
				return r
			}(),
			want: "name",
		},
		{
			name: "root path",
			record: func() *Record {
				r := recordNamed("other", 9090)
				r.RootPath = "/data/projects/demo"
				return r
			}(),
			want: "root path",
		},
		{
			name: "public port taken",
			record: func() *Record {
				r := recordNamed("other", 9090)
				r.PublicPort = 8080
				return r
			}(),
			want: "port 8080",
		},
		{
			name: "public port collides with db port",
			record: func() *Record {
				r := recordNamed("other", 9090)
				r.PublicPort = 8081
				return r
			}(),
			want: "port 8081",
		},
		{
			name: "db port collides with public port",
			record: func() *Record {
				r := recordNamed("other", 9090)
				r.DBPort = 8080
				return r
			}(),
			want: "port 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(tt.record)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("Create() error = %v, want ErrConflict", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Create() error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestFileStore_GetAndGetByName(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Get() Name = %q, want demo", got.Name)
	}

	got, err = store.GetByName("DEMO")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetByName() ID = %q, want %q", got.ID, created.ID)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByName("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_ListSortedAndCopied(t *testing.T) {
	store := newTestStore(t)
	for i, name := range []string{"zulu", "alpha", "mike"} {
		if _, err := store.Create(recordNamed(name, 8000+i*10)); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(list))
	}
	wantOrder := []string{"alpha", "mike", "zulu"}
	for i, want := range wantOrder {
		if list[i].Name != want {
			t.Errorf("List()[%d].Name = %q, want %q", i, list[i].Name, want)
		}
	}

	// Mutating a returned record must not leak into the store.
	list[0].Name = "hacked"
	again, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if again[0].Name != "alpha" {
		t.Errorf("store record mutated through List() result: Name = %q", again[0].Name)
	}
}

func TestFileStore_ApplyMutatesAndPersists(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := store.Apply(created.ID, func(r *Record) error {
		r.Status = StatusStarting
		r.StatusDetail = "creating containers"
		return nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if updated.Status != StatusStarting {
		t.Errorf("Apply() Status = %q, want starting", updated.Status)
	}
	if updated.StatusDetail != "creating containers" {
		t.Errorf("Apply() StatusDetail = %q", updated.StatusDetail)
	}

	reopened, err := NewFileStore(store.Path())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Status != StatusStarting {
		t.Errorf("persisted Status = %q, want starting", got.Status)
	}
}

func TestFileStore_ApplyImmutableFields(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := store.Apply(created.ID, func(r *Record) error {
		r.ID = "forged"
		r.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("Apply() allowed ID change: %q", updated.ID)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Apply() allowed CreatedAt change: %v", updated.CreatedAt)
	}
}

func TestFileStore_ApplyMutateErrorAborts(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	boom := errors.New("boom")
	_, err = store.Apply(created.ID, func(r *Record) error {
		r.Status = StatusError
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Apply() error = %v, want boom", err)
	}

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusStopped {
		t.Errorf("record changed despite mutate error: Status = %q", got.Status)
	}
}

func TestFileStore_ApplyNormalization(t *testing.T) {
	pct := 55.0

	tests := []struct {
		name    string
		mutate  func(*Record) error
		check   func(*testing.T, *Record)
		wantErr error
	}{
		{
			name: "error without message rejected",
			mutate: func(r *Record) error {
				r.Status = StatusError
				return nil
			},
			wantErr: ErrInvalidRecord,
		},
		{
			name: "entering ready clears progress and error message",
			mutate: func(r *Record) error {
				r.Status = StatusReady
				r.Progress = &ProgressInfo{Phase: "install", Percent: &pct}
				r.ErrorMessage = "stale"
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.Progress != nil {
					t.Error("Progress survived transition to ready")
				}
				if r.ErrorMessage != "" {
					t.Errorf("ErrorMessage = %q after transition to ready", r.ErrorMessage)
				}
			},
		},
		{
			name: "entering stopped clears progress",
			mutate: func(r *Record) error {
				r.Status = StatusStopped
				r.Progress = &ProgressInfo{Phase: "download"}
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.Progress != nil {
					t.Error("Progress survived transition to stopped")
				}
			},
		},
		{
			name: "entering error keeps message, clears progress",
			mutate: func(r *Record) error {
				r.Status = StatusError
				r.ErrorMessage = "download failed"
				r.Progress = &ProgressInfo{Phase: "download", Percent: &pct}
				r.StatusDetail = "downloading archive"
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.ErrorMessage != "download failed" {
					t.Errorf("ErrorMessage = %q, want download failed", r.ErrorMessage)
				}
				if r.Progress != nil {
					t.Error("Progress survived transition to error")
				}
				if r.StatusDetail != "downloading archive" {
					t.Errorf("StatusDetail = %q, should be preserved", r.StatusDetail)
				}
			},
		},
		{
			name: "transitional status keeps progress",
			mutate: func(r *Record) error {
				r.Status = StatusProvisioning
				r.Progress = &ProgressInfo{Phase: "download", Percent: &pct}
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.Progress == nil {
					t.Fatal("Progress cleared on transitional status")
				}
				if r.Progress.Phase != "download" {
					t.Errorf("Progress.Phase = %q", r.Progress.Phase)
				}
			},
		},
		{
			name: "non-error status clears stale error message",
			mutate: func(r *Record) error {
				r.Status = StatusStarting
				r.ErrorMessage = "stale"
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.ErrorMessage != "" {
					t.Errorf("ErrorMessage = %q on non-error status", r.ErrorMessage)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			created, err := store.Create(recordNamed("demo", 8080))
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			updated, err := store.Apply(created.ID, tt.mutate)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			tt.check(t, updated)
		})
	}
}

func TestFileStore_ApplyRenameConflict(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(recordNamed("alpha", 8080)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	beta, err := store.Create(recordNamed("beta", 9090))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = store.Apply(beta.ID, func(r *Record) error {
		r.Name = "alpha"
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Apply() rename error = %v, want ErrConflict", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}

	// Freed resources are reusable.
	if _, err := store.Create(recordNamed("demo", 8080)); err != nil {
		t.Errorf("Create() after delete error = %v", err)
	}
}

func TestFileStore_SubscribeNotifications(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var changes []Change
	unsubscribe := store.Subscribe(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Apply(created.ID, func(r *Record) error {
		r.Status = StatusStarting
		return nil
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	mu.Lock()
	got := make([]Change, len(changes))
	copy(got, changes)
	mu.Unlock()

	wantOps := []ChangeOp{ChangeCreated, ChangeUpdated, ChangeDeleted}
	if len(got) != len(wantOps) {
		t.Fatalf("got %d changes, want %d", len(got), len(wantOps))
	}
	for i, want := range wantOps {
		if got[i].Op != want {
			t.Errorf("change[%d].Op = %q, want %q", i, got[i].Op, want)
		}
		if got[i].Record == nil || got[i].Record.ID != created.ID {
			t.Errorf("change[%d] carries wrong record", i)
		}
	}

	unsubscribe()
	if _, err := store.Create(recordNamed("other", 9090)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	mu.Lock()
	after := len(changes)
	mu.Unlock()
	if after != len(wantOps) {
		t.Errorf("observer called after unsubscribe: %d changes", after)
	}
}

func TestFileStore_LoadExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.json")
	content := fmt.Sprintf(`{
  "version": %d,
  "projects": [
    {
      "id": "abc-123",
      "name": "demo",
      "version": "4.5",
      "rootPath": "/data/projects/demo",
      "publicPort": 8080,
      "dbPort": 3307,
      "status": "stopped",
      "createdAt": "2025-06-01T12:00:00Z",
      "lastUsed": "2025-06-01T12:00:00Z"
    }
  ]
}`, storeFileVersion)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	got, err := store.Get("abc-123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "demo" || got.PublicPort != 8080 || got.Status != StatusStopped {
		t.Errorf("loaded record = %+v", got)
	}
}

func TestFileStore_LoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid json", content: "{not json"},
		{name: "newer version", content: `{"version": 99, "projects": []}`},
		{name: "record without id", content: `{"version": 1, "projects": [{"name": "x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "projects.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if _, err := NewFileStore(path); !errors.Is(err, ErrStoreCorrupt) {
				t.Errorf("NewFileStore() error = %v, want ErrStoreCorrupt", err)
			}
		})
	}
}

func TestFileStore_MissingFileIsEmptyStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "projects.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List() = %d records, want 0", len(list))
	}
}

func TestFileStore_ReloadDetectsExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	store.now = testClock()
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A second store sharing the file plays the part of another process.
	other, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() second instance error = %v", err)
	}
	other.now = testClock()
	if _, err := other.Apply(created.ID, func(r *Record) error {
		r.Status = StatusReady
		return nil
	}); err != nil {
		t.Fatalf("Apply() on second store error = %v", err)
	}
	added, err := other.Create(recordNamed("extra", 9090))
	if err != nil {
		t.Fatalf("Create() on second store error = %v", err)
	}

	var mu sync.Mutex
	ops := map[ChangeOp]int{}
	store.Subscribe(func(ch Change) {
		mu.Lock()
		ops[ch.Op]++
		mu.Unlock()
	})

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got.Status != StatusReady {
		t.Errorf("Status after reload = %q, want ready", got.Status)
	}
	if _, err := store.Get(added.ID); err != nil {
		t.Errorf("Get(added) after reload error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ops[ChangeUpdated] != 1 {
		t.Errorf("updated notifications = %d, want 1", ops[ChangeUpdated])
	}
	if ops[ChangeCreated] != 1 {
		t.Errorf("created notifications = %d, want 1", ops[ChangeCreated])
	}
}

func TestFileStore_ConcurrentApply(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(recordNamed("demo", 8080))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const workers = 8
	const bumps = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < bumps; j++ {
				_, err := store.Apply(created.ID, func(r *Record) error {
					r.PublicPort++
					r.DBPort++
					return nil
				})
				if err != nil {
					t.Errorf("Apply() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := 8080 + workers*bumps; got.PublicPort != want {
		t.Errorf("PublicPort = %d after concurrent bumps, want %d", got.PublicPort, want)
	}
}
