// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/project"
)

// =============================================================================
// Create
// =============================================================================

// CreateSpec describes a project to create.
type CreateSpec struct {
	// Name is the project name. Required, unique case-insensitively.
	Name string

	// Version is the catalog tag. Empty takes the catalog default.
	Version string

	// PublicPort is the preferred web port. Zero probes upward from the
	// catalog default.
	PublicPort int

	// DBPort is the preferred database port. Zero probes upward from
	// the catalog default.
	DBPort int
}

// Create registers a new project and renders its runtime configuration.
//
// # Description
//
// The record starts out stopped; nothing is downloaded or started until
// the first Start. Port preferences are honored when free, otherwise
// probing walks upward; an explicit preference that is already claimed
// by another project is a hard conflict rather than a silent
// reassignment.
func (o *DefaultOrchestrator) Create(ctx context.Context, spec CreateSpec) (*project.Record, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name is required", project.ErrInvalidRecord)
	}
	if o.projectsDir == "" {
		return nil, fmt.Errorf("%w: projects directory", ErrNilDependency)
	}

	desc, err := o.resolveVersion(spec.Version)
	if err != nil {
		return nil, err
	}
	if existing, err := o.store.GetByName(spec.Name); err == nil {
		return nil, fmt.Errorf("%w: name %q already used by project %s",
			project.ErrConflict, spec.Name, existing.ID)
	}

	publicPort, dbPort, err := o.assignPorts(spec.PublicPort, spec.DBPort)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(o.projectsDir, spec.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	rec := &project.Record{
		Name:       spec.Name,
		Version:    desc.Tag,
		RootPath:   root,
		PublicPort: publicPort,
		DBPort:     dbPort,
		Status:     project.StatusStopped,
	}
	content, err := o.renderer.Render(rec, desc)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(root, catalog.RuntimeConfigFile), []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write runtime configuration: %w", err)
	}

	created, err := o.store.Create(rec)
	if err != nil {
		// Leave no trace of a project that was never registered.
		_ = os.RemoveAll(root)
		return nil, err
	}
	o.log.Info("project created", "project", created.Name,
		"version", created.Version, "public_port", publicPort, "db_port", dbPort)
	return created, nil
}

// resolveVersion maps an optional tag to a descriptor.
func (o *DefaultOrchestrator) resolveVersion(tag string) (*catalog.VersionDescriptor, error) {
	if tag == "" {
		return o.catalog.Default(), nil
	}
	return o.catalog.Get(tag)
}

// assignPorts picks the web and database ports for a new project.
//
// An explicit preference held by another record is a conflict; a zero
// preference probes upward from the catalog defaults past all records'
// claims.
func (o *DefaultOrchestrator) assignPorts(publicPref, dbPref int) (int, int, error) {
	records, err := o.store.List()
	if err != nil {
		return 0, 0, err
	}
	claimed := make(map[int]bool, len(records)*2)
	for _, r := range records {
		claimed[r.PublicPort] = true
		claimed[r.DBPort] = true
	}

	for _, pref := range []int{publicPref, dbPref} {
		if pref > 0 && claimed[pref] {
			return 0, 0, fmt.Errorf("%w: port %d already assigned to another project",
				project.ErrConflict, pref)
		}
	}

	taken := func(port int) bool { return claimed[port] }
	if publicPref <= 0 {
		publicPref = catalog.DefaultPublicPort
	}
	publicPort, err := catalog.PickPort(publicPref, taken)
	if err != nil {
		return 0, 0, fmt.Errorf("pick public port: %w", err)
	}
	claimed[publicPort] = true
	if dbPref <= 0 {
		dbPref = catalog.DefaultDBPort
	}
	dbPort, err := catalog.PickPort(dbPref, taken)
	if err != nil {
		return 0, 0, fmt.Errorf("pick database port: %w", err)
	}
	return publicPort, dbPort, nil
}

// =============================================================================
// Update
// =============================================================================

// UpdateSpec describes mutable project fields. Nil means keep.
type UpdateSpec struct {
	// Name renames the project. The root path does not move.
	Name *string

	// PublicPort rebinds the web port on the next start.
	PublicPort *int

	// DBPort rebinds the database port on the next start.
	DBPort *int
}

// Update changes a project's name or ports.
//
// # Description
//
// Only resting projects can change; the active-status guard applies as
// it does to every operation. A port change rewrites the runtime
// configuration in place, preserving the existing database password so
// the installed site keeps its credentials, and takes effect on the
// next start.
func (o *DefaultOrchestrator) Update(ctx context.Context, id string, spec UpdateSpec) (*project.Record, error) {
	rec, err := o.store.Apply(id, func(r *project.Record) error {
		if r.Status.IsActive() {
			return fmt.Errorf("%w: %s is %s", ErrOperationInFlight, r.Name, r.Status)
		}
		if spec.Name != nil {
			r.Name = *spec.Name
		}
		if spec.PublicPort != nil {
			r.PublicPort = *spec.PublicPort
		}
		if spec.DBPort != nil {
			r.DBPort = *spec.DBPort
		}
		r.LastUsed = o.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if spec.PublicPort == nil && spec.DBPort == nil {
		return rec, nil
	}

	desc, err := o.catalog.Get(rec.Version)
	if err != nil {
		return rec, err
	}
	path := filepath.Join(rec.RootPath, catalog.RuntimeConfigFile)
	old, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Never rendered; the next start renders with the new ports.
			return rec, nil
		}
		return rec, fmt.Errorf("read runtime configuration: %w", err)
	}
	password, err := catalog.DBPassword(old)
	if err != nil {
		return rec, err
	}
	content, err := o.renderer.RenderPreserving(rec, desc, password)
	if err != nil {
		return rec, err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return rec, fmt.Errorf("rewrite runtime configuration: %w", err)
	}
	o.log.Info("runtime configuration rewritten for new ports",
		"project", rec.Name, "public_port", rec.PublicPort, "db_port", rec.DBPort)
	return rec, nil
}
