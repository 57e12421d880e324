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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/download"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/resilience"
	"github.com/AleutianAI/mooring/internal/util"
)

// duplicateStepTimeout bounds each duplicate saga step. Copying a
// multi-gigabyte source tree dominates, so this is generous.
const duplicateStepTimeout = 10 * time.Minute

// =============================================================================
// Delete
// =============================================================================

// Delete removes the project's containers, volumes, files, and record.
//
// # Description
//
// The record transitions through deleting and is removed from the store
// only after the containers, volumes, and the project directory are
// gone. A failure partway leaves the record in error so the leftover
// state stays visible and a retry can finish the job.
func (o *DefaultOrchestrator) Delete(ctx context.Context, id string, events project.EventSink) error {
	events = orNop(events)

	rec, err := o.claim(id, project.StatusDeleting, "Deleting project")
	if err != nil {
		return err
	}
	log := o.log.With("project", rec.Name, "op", "delete")

	// No compose file means nothing was ever started; skip the runtime.
	configPath := filepath.Join(rec.RootPath, catalog.RuntimeConfigFile)
	if _, serr := os.Stat(configPath); serr == nil {
		if avail := o.probe.Check(ctx, false); !avail.Available {
			return o.fail(id, "delete", "deleting", rec.Name, events,
				fmt.Errorf("%w: %s; start the runtime so containers and volumes can be removed",
					ErrRuntimeUnavailable, avail.Reason))
		}
		client, cerr := o.newClient(rec)
		if cerr != nil {
			return o.fail(id, "delete", "deleting", rec.Name, events, cerr)
		}
		emit(events, "deleting", "Removing containers and volumes")
		if _, derr := client.Down(ctx, compose.DownOptions{
			RemoveVolumes: true,
			RemoveOrphans: true,
		}); derr != nil {
			return o.fail(id, "delete", "deleting", rec.Name, events, derr)
		}
	}

	emit(events, "deleting", "Removing project files")
	if err := os.RemoveAll(rec.RootPath); err != nil {
		return o.fail(id, "delete", "deleting", rec.Name, events,
			fmt.Errorf("remove project directory: %w", err))
	}

	if err := o.store.Delete(id); err != nil {
		return err
	}
	log.Info("project deleted")
	return nil
}

// =============================================================================
// Duplicate
// =============================================================================

// Duplicate clones a project into a new record.
//
// # Description
//
// The source's containers are stopped for a cold copy, its tree is
// copied next to it, a fresh runtime configuration is rendered with new
// ports and a new database password, and the clone is registered
// stopped. The steps run as a saga: a failure removes the half-copied
// tree and any registered record, and the source ends up stopped either
// way.
//
// The copied tree still carries the source's site configuration, but
// the clone's database volumes are fresh, so its first start detects
// the empty schema and reinstalls, rewriting that configuration for the
// clone's own ports and password.
//
// # Inputs
//
//   - newName: Name for the clone. Must be unused.
//   - newPort: Preferred public port. Zero picks one near the source's.
func (o *DefaultOrchestrator) Duplicate(ctx context.Context, id, newName string, newPort int, events project.EventSink) (*project.Record, error) {
	events = orNop(events)

	if newName == "" {
		return nil, fmt.Errorf("%w: duplicate needs a name for the clone", project.ErrInvalidRecord)
	}
	if existing, err := o.store.GetByName(newName); err == nil {
		return nil, fmt.Errorf("%w: name %q already used by project %s",
			project.ErrConflict, newName, existing.ID)
	}

	source, err := o.claim(id, project.StatusStopping, "Duplicating project")
	if err != nil {
		return nil, err
	}
	log := o.log.With("project", source.Name, "op", "duplicate", "clone", newName)

	publicPort, dbPort, err := o.clonePorts(source, newPort)
	if err != nil {
		_, _ = o.store.Apply(id, restingStopped(o.now()))
		return nil, err
	}
	newRoot := filepath.Join(filepath.Dir(source.RootPath), newName)

	clone := &project.Record{
		Name:       newName,
		Version:    source.Version,
		RootPath:   newRoot,
		PublicPort: publicPort,
		DBPort:     dbPort,
		Status:     project.StatusStopped,
	}

	var created *project.Record
	saga := resilience.NewSaga(resilience.SagaConfig{
		StepTimeout:      duplicateStepTimeout,
		CompensateOnFail: true,
		Logger:           o.log.Slog(),
	})
	saga.AddStep(resilience.SagaStep{
		Name: "stop source containers",
		Execute: func(ctx context.Context) error {
			client, err := o.newClient(source)
			if err != nil {
				return err
			}
			emit(events, "duplicate", "Stopping %s for a consistent copy", source.Name)
			_, err = client.Stop(ctx, compose.StopOptions{})
			return err
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "copy source tree",
		Execute: func(ctx context.Context) error {
			emit(events, "duplicate", "Copying project files to %s", newRoot)
			return copyTree(ctx, source.RootPath, newRoot)
		},
		Compensate: func(ctx context.Context) error {
			return os.RemoveAll(newRoot)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "render runtime configuration",
		Execute: func(ctx context.Context) error {
			desc, err := o.catalog.Get(clone.Version)
			if err != nil {
				return err
			}
			content, err := o.renderer.Render(clone, desc)
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(newRoot, catalog.RuntimeConfigFile), []byte(content), 0o600)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "register clone",
		Execute: func(ctx context.Context) error {
			rec, err := o.store.Create(clone)
			if err != nil {
				return err
			}
			created = rec
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if created == nil {
				return nil
			}
			return o.store.Delete(created.ID)
		},
	})

	sagaErr := saga.Execute(ctx)

	// The source's containers are down regardless of how the saga ended.
	if _, aerr := o.store.Apply(id, restingStopped(o.now())); aerr != nil {
		log.Warn("could not settle source after duplicate", "error", aerr)
	}

	if sagaErr != nil {
		events.Emit(project.Event{Phase: "duplicate", Level: project.LevelError, Message: sagaErr.Error()})
		return nil, &FlowError{Op: "duplicate", Phase: "duplicate", Project: source.Name, Err: sagaErr}
	}
	log.Info("project duplicated", "clone_id", created.ID,
		"public_port", publicPort, "db_port", dbPort)
	emit(events, "duplicate", "Created %s on port %d", newName, publicPort)
	return created, nil
}

// clonePorts picks a public and a database port for a clone, avoiding
// ports claimed by existing records and ports already bound on the host.
func (o *DefaultOrchestrator) clonePorts(source *project.Record, preferred int) (int, int, error) {
	records, err := o.store.List()
	if err != nil {
		return 0, 0, err
	}
	claimed := make(map[int]bool, len(records)*2)
	for _, r := range records {
		claimed[r.PublicPort] = true
		claimed[r.DBPort] = true
	}
	taken := func(port int) bool {
		return claimed[port] || o.portTaken(port)
	}

	if preferred <= 0 {
		preferred = source.PublicPort + 1
	}
	publicPort, err := catalog.PickPort(preferred, taken)
	if err != nil {
		return 0, 0, fmt.Errorf("pick public port: %w", err)
	}
	claimed[publicPort] = true
	dbPort, err := catalog.PickPort(source.DBPort+1, taken)
	if err != nil {
		return 0, 0, fmt.Errorf("pick database port: %w", err)
	}
	return publicPort, dbPort, nil
}

// restingStopped settles a record into stopped after an operation that
// left its containers down.
func restingStopped(now time.Time) func(*project.Record) error {
	return func(r *project.Record) error {
		r.Status = project.StatusStopped
		r.StatusDetail = ""
		r.Progress = nil
		r.LastUsed = now
		return nil
	}
}

// =============================================================================
// Logs
// =============================================================================

// GetLogs returns a bounded tail of the project's container logs.
//
// # Description
//
// The tail is capped both at the runtime (compose --tail) and in memory
// through a ring buffer, so a service that logs multi-line stack traces
// past the runtime's accounting still cannot balloon the response.
func (o *DefaultOrchestrator) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	rec, err := o.store.Get(id)
	if err != nil {
		return "", err
	}
	if tail <= 0 || tail > o.logTail {
		tail = o.logTail
	}

	client, err := o.newClient(rec)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := client.Logs(ctx, compose.LogsOptions{Tail: tail, Timestamps: true}, &buf); err != nil {
		return "", err
	}

	ring := util.NewRingBuffer[string](tail)
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		ring.Push(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read log stream: %w", err)
	}
	return strings.Join(ring.Drain(), "\n"), nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// copyTree copies a project directory, skipping the download working
// directory and the runtime configuration, which the clone re-renders
// with its own ports and credentials.
func copyTree(ctx context.Context, src, dst string) error {
	skipWork := download.WorkDir(src)
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == skipWork {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == catalog.RuntimeConfigFile {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices, and symlinks have no business in a
			// source tree; skip rather than fail the whole copy.
			return nil
		}
	})
}

// copyFile copies one regular file preserving its permission bits.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// portInUse reports whether a TCP port on the loopback interface is
// already bound.
func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
