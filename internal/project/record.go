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
	"regexp"
	"time"
)

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a project.
//
// # Description
//
// A project moves through transitional states while a lifecycle pipeline
// runs and rests in ready, stopped, or error between operations:
//
//	provisioning -> starting -> waiting -> installing -> starting -> ready
//
// Stages are skipped when their work is already done (a second start
// skips provisioning and installing) but never reordered. Error is
// reachable from any transitional state.
type Status string

const (
	// StatusProvisioning means the source archive is downloading or unpacking.
	StatusProvisioning Status = "provisioning"

	// StatusStarting means containers are being created or the final
	// readiness probe is running.
	StatusStarting Status = "starting"

	// StatusWaiting means containers are up and the database healthcheck
	// has not passed yet.
	StatusWaiting Status = "waiting"

	// StatusInstalling means the in-container installation is running.
	StatusInstalling Status = "installing"

	// StatusReady means the site answers on its public port.
	StatusReady Status = "ready"

	// StatusStopping means a stop operation is in flight.
	StatusStopping Status = "stopping"

	// StatusStopped means no containers are running. The rest state of a
	// freshly created project.
	StatusStopped Status = "stopped"

	// StatusDeleting means a delete operation is in flight.
	StatusDeleting Status = "deleting"

	// StatusError means the last operation failed. ErrorMessage explains.
	StatusError Status = "error"
)

// activeStatuses are the in-flight pipeline states. A record in one of
// these is owned by exactly one running operation and must not be touched
// by reconciliation or a second operation.
var activeStatuses = map[Status]bool{
	StatusProvisioning: true,
	StatusInstalling:   true,
	StatusStarting:     true,
	StatusWaiting:      true,
	StatusStopping:     true,
	StatusDeleting:     true,
}

// IsActive reports whether the status marks an in-flight operation.
func (s Status) IsActive() bool {
	return activeStatuses[s]
}

// IsValid reports whether the status is a known enum value.
func (s Status) IsValid() bool {
	switch s {
	case StatusProvisioning, StatusStarting, StatusWaiting, StatusInstalling,
		StatusReady, StatusStopping, StatusStopped, StatusDeleting, StatusError:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// Progress
// =============================================================================

// ProgressInfo describes a running operation's progress.
//
// # Description
//
// Attached to a record while a download or installation runs and cleared
// when the record reaches ready, stopped, or error. Never required to
// survive a restart.
type ProgressInfo struct {
	// Phase names the running stage ("download", "install", ...).
	Phase string `json:"phase"`

	// Percent is completion in [0,100]. Nil means indeterminate, which
	// happens when the total size is unknown.
	Percent *float64 `json:"percent,omitempty"`

	// Current is the byte count processed so far.
	Current int64 `json:"current,omitempty"`

	// Total is the expected byte count. Zero when unknown.
	Total int64 `json:"total,omitempty"`

	// Message is a human-readable progress line.
	Message string `json:"message,omitempty"`
}

// Clone returns a deep copy.
func (p *ProgressInfo) Clone() *ProgressInfo {
	if p == nil {
		return nil
	}
	out := *p
	if p.Percent != nil {
		v := *p.Percent
		out.Percent = &v
	}
	return &out
}

// =============================================================================
// Record
// =============================================================================

// Record is one project's persisted state.
//
// # Description
//
// A record ties a name to a directory tree, two host ports, and a
// lifecycle status. ID, RootPath, and PublicPort are each unique across
// all records; Name is unique case-insensitively.
//
// # Invariants
//
//   - Status is always a valid enum value
//   - ErrorMessage is non-empty exactly when Status is error
//   - Progress is nil whenever Status is ready, stopped, or error
type Record struct {
	// ID uniquely identifies the record. Assigned at creation, immutable.
	ID string `json:"id"`

	// Name is the user-facing project name, unique case-insensitively.
	Name string `json:"name"`

	// Version is the release catalog tag this project runs.
	Version string `json:"version"`

	// RootPath is the absolute project directory, unique across records.
	RootPath string `json:"rootPath"`

	// PublicPort is the host port serving the site, unique across records.
	PublicPort int `json:"publicPort"`

	// DBPort is the host port exposing the project's database, unique
	// across records.
	DBPort int `json:"dbPort"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StatusDetail is transient free-text shown next to the status.
	StatusDetail string `json:"statusDetail,omitempty"`

	// Progress is set while an operation reports progress.
	Progress *ProgressInfo `json:"progress,omitempty"`

	// ErrorMessage explains the failure while Status is error.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"createdAt"`

	// LastUsed is bumped by lifecycle operations, not by reconciliation.
	LastUsed time.Time `json:"lastUsed"`
}

// namePattern restricts names to compose-project-safe form.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Progress = r.Progress.Clone()
	return &out
}

// Validate checks field-level constraints.
//
// # Description
//
// Validates everything knowable from the record alone. Cross-record
// constraints (uniqueness) are the store's job.
//
// # Outputs
//
//   - error: Describes the first violated constraint, nil if valid
func (r *Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("name %q must be lowercase letters, digits, and dashes, starting with a letter or digit", r.Name)
	}
	if r.Version == "" {
		return fmt.Errorf("version is required")
	}
	if r.RootPath == "" {
		return fmt.Errorf("root path is required")
	}
	if !filepath.IsAbs(r.RootPath) {
		return fmt.Errorf("root path %q must be absolute", r.RootPath)
	}
	if err := validatePort("public port", r.PublicPort); err != nil {
		return err
	}
	if err := validatePort("database port", r.DBPort); err != nil {
		return err
	}
	if r.PublicPort == r.DBPort {
		return fmt.Errorf("public port and database port must differ (both %d)", r.PublicPort)
	}
	if r.Status != "" && !r.Status.IsValid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	return nil
}

// validatePort checks a host port is usable without privileges.
func validatePort(label string, port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("%s %d must be between 1024 and 65535", label, port)
	}
	return nil
}
