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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/mooring/cmd/mooring/config"
	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/download"
	"github.com/AleutianAI/mooring/internal/lifecycle"
	"github.com/AleutianAI/mooring/internal/process"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/reconcile"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// app holds the wired engine behind every command.
type app struct {
	settings config.Settings
	log      *logging.Logger
	store    *project.FileStore
	catalog  *catalog.Catalog
	probe    *compose.AvailabilityProbe
	orch     lifecycle.Orchestrator
	rec      *reconcile.Reconciler
	lock     process.Locker
}

// newApp builds the engine from settings.
func newApp(settings config.Settings, quiet bool) (*app, error) {
	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(settings.LogLevel),
		LogDir:  settings.LogDir(),
		Service: "cli",
		Quiet:   quiet,
	})

	if err := os.MkdirAll(settings.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := project.NewFileStore(settings.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	cat, err := catalog.Load()
	if err != nil {
		return nil, fmt.Errorf("load version catalog: %w", err)
	}

	proc := process.NewDefaultManager()
	probe := compose.NewAvailabilityProbe(settings.Runtime, proc, 0)
	downloader := download.NewEngine(download.DefaultOptions(), log.With("component", "download"))

	orch, err := lifecycle.NewDefaultOrchestrator(lifecycle.Config{
		Store:       store,
		Catalog:     cat,
		Engine:      downloader,
		Process:     proc,
		ProjectsDir: settings.ProjectsDir(),
		Runtime:     settings.Runtime,
		Probe:       probe,
		Logger:      log.With("component", "lifecycle"),
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	rec, err := reconcile.NewReconciler(reconcile.Config{
		Store:   store,
		Process: proc,
		Runtime: settings.Runtime,
		Probe:   probe,
		Logger:  log.With("component", "reconcile"),
	})
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	return &app{
		settings: settings,
		log:      log,
		store:    store,
		catalog:  cat,
		probe:    probe,
		orch:     orch,
		rec:      rec,
		lock: process.NewFileLock(process.LockConfig{
			LockDir:  settings.LockDir(),
			LockName: "mooring",
		}),
	}, nil
}

// close releases long-lived resources.
func (a *app) close() {
	a.rec.Close()
	_ = a.log.Close()
}

// withLock runs fn holding the single-instance lock.
//
// Mutating commands take it so two terminals cannot race the store or
// leave half-started containers behind each other's backs.
func (a *app) withLock(fn func() error) error {
	if err := a.lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = a.lock.Release() }()
	return fn()
}

// resolve finds a record by ID or name.
func (a *app) resolve(idOrName string) (*project.Record, error) {
	rec, err := a.store.Get(idOrName)
	if err == nil {
		return rec, nil
	}
	return a.store.GetByName(idOrName)
}

// freshen runs a reconciliation pass so printed statuses reflect what
// is actually running. Failures only log; stale output beats no output.
func (a *app) freshen(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := a.rec.Reconcile(ctx, true); err != nil {
		a.log.Warn("reconciliation before display failed", "error", err)
	}
}
