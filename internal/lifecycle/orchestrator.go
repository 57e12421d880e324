// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package lifecycle drives projects through their operational state
machine.

The orchestrator composes the download engine, the compose client, and
the installer into the end-to-end start flow:

	provisioning -> starting -> waiting -> installing -> starting -> ready

Stages whose work is already done are skipped (a second start neither
downloads nor installs) but never reordered, so a pipeline interrupted
by a crash resumes at the right stage. Every transition is persisted
through the project store before the next stage runs, which makes the
record's status double as the mutual-exclusion flag: a record in an
active status is owned by exactly one running operation, and both a
second operation and the state reconciler refuse to touch it.
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/download"
	"github.com/AleutianAI/mooring/internal/installer"
	"github.com/AleutianAI/mooring/internal/process"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/util"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrNilDependency indicates the orchestrator was built without a
	// required collaborator.
	ErrNilDependency = errors.New("lifecycle dependency is nil")

	// ErrOperationInFlight indicates the project already has a running
	// lifecycle operation; its status is in the active set.
	ErrOperationInFlight = errors.New("another operation is already running for this project")

	// ErrRuntimeUnavailable indicates the container runtime cannot be
	// reached, so no container work is possible.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// FlowError is a lifecycle pipeline failure tagged with the phase that
// produced it.
//
// # Description
//
// By the time a FlowError reaches the caller the record has already
// been transitioned to error with the same message, so callers render
// it rather than react to it.
type FlowError struct {
	// Op is the operation ("start", "stop", "delete", "duplicate").
	Op string

	// Phase is the pipeline stage that failed.
	Phase string

	// Project is the record's name.
	Project string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s %q failed during %s: %v", e.Op, e.Project, e.Phase, e.Err)
}

// Unwrap returns the underlying failure.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Interface Definition
// =============================================================================

// Orchestrator runs lifecycle operations on projects.
//
// # Description
//
// All operations enforce at most one in-flight operation per project.
// The events sink receives progress for the UI; passing nil discards
// events without affecting the operation.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across different
// projects. Concurrent calls for the same project are serialized by
// the active-status guard: the loser gets ErrOperationInFlight.
type Orchestrator interface {
	// Create registers a new project with a rendered runtime
	// configuration. Nothing runs until the first Start.
	Create(ctx context.Context, spec CreateSpec) (*project.Record, error)

	// Update changes a resting project's name or ports.
	Update(ctx context.Context, id string, spec UpdateSpec) (*project.Record, error)

	// Start drives a project to ready, downloading and installing on
	// the first run.
	Start(ctx context.Context, id string, events project.EventSink) error

	// Stop stops the project's containers without removing them.
	Stop(ctx context.Context, id string, events project.EventSink) error

	// Delete removes the project's containers, volumes, files, and
	// record.
	Delete(ctx context.Context, id string, events project.EventSink) error

	// Duplicate clones a project's source tree into a new record with
	// its own ports and a freshly rendered runtime configuration.
	Duplicate(ctx context.Context, id, newName string, newPort int, events project.EventSink) (*project.Record, error)

	// GetLogs returns a bounded tail of the project's container logs.
	GetLogs(ctx context.Context, id string, tail int) (string, error)

	// RuntimeAvailable reports whether the container runtime answers,
	// cached with a short TTL unless forced.
	RuntimeAvailable(ctx context.Context, force bool) compose.Availability
}

// =============================================================================
// Configuration
// =============================================================================

// Config wires a DefaultOrchestrator.
type Config struct {
	// Store persists project records. Required.
	Store project.Store

	// Catalog supplies version descriptors. Required.
	Catalog *catalog.Catalog

	// Engine downloads and unpacks source archives. Required.
	Engine *download.Engine

	// Process executes external commands. Required.
	Process process.Manager

	// ProjectsDir is where new project roots are created. Required for
	// Create; other operations use each record's own root.
	ProjectsDir string

	// Runtime is the container runtime binary. Default: "docker".
	Runtime string

	// Probe answers runtime availability. Built from Runtime when nil.
	Probe *compose.AvailabilityProbe

	// Renderer produces per-project compose files. Built when nil.
	Renderer *catalog.Renderer

	// Logger for operation progress. Nil uses the package default.
	Logger *logging.Logger

	// HealthWait tunes the database health wait. Zero takes defaults.
	HealthWait compose.WaitOptions

	// ReadyWait tunes the HTTP readiness probe. Zero takes defaults.
	ReadyWait compose.WaitOptions

	// LogTail bounds GetLogs output lines. Default: 400.
	LogTail int
}

// defaultLogTail bounds GetLogs when the caller does not say.
const defaultLogTail = 400

// progressPersistInterval is how often download progress is flushed to
// the store. Events flow at the engine's full throttle rate; persisted
// progress only needs to survive a UI reconnect.
const progressPersistInterval = 2 * time.Second

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultOrchestrator implements Orchestrator.
type DefaultOrchestrator struct {
	store    project.Store
	catalog  *catalog.Catalog
	engine   *download.Engine
	proc     process.Manager
	probe    *compose.AvailabilityProbe
	renderer *catalog.Renderer
	log      *logging.Logger

	runtime     string
	projectsDir string
	healthWait  compose.WaitOptions
	readyWait   compose.WaitOptions
	logTail     int

	// Seams for tests. Production wiring fills these with the real
	// collaborators in NewDefaultOrchestrator.
	newClient    func(rec *project.Record) (compose.Client, error)
	newInstaller func(rec *project.Record, desc *catalog.VersionDescriptor, events project.EventSink) (installer.Installer, error)
	waitHealthy  func(ctx context.Context, client compose.Client, service string, opts compose.WaitOptions) error
	waitHTTP     func(ctx context.Context, url string, opts compose.WaitOptions) error
	provision    func(ctx context.Context, spec download.ProvisionSpec, onProgress download.ProgressFunc) error
	portTaken    func(port int) bool
	now          func() time.Time
}

// Interface compliance check.
var _ Orchestrator = (*DefaultOrchestrator)(nil)

// NewDefaultOrchestrator creates the production orchestrator.
//
// # Outputs
//
//   - *DefaultOrchestrator: Ready to run operations
//   - error: ErrNilDependency when a required collaborator is missing
func NewDefaultOrchestrator(cfg Config) (*DefaultOrchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog", ErrNilDependency)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: download engine", ErrNilDependency)
	}
	if cfg.Process == nil {
		return nil, fmt.Errorf("%w: process manager", ErrNilDependency)
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.Probe == nil {
		cfg.Probe = compose.NewAvailabilityProbe(cfg.Runtime, cfg.Process, 0)
	}
	if cfg.Renderer == nil {
		r, err := catalog.NewRenderer()
		if err != nil {
			return nil, err
		}
		cfg.Renderer = r
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = defaultLogTail
	}

	o := &DefaultOrchestrator{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		engine:     cfg.Engine,
		proc:       cfg.Process,
		probe:      cfg.Probe,
		renderer:   cfg.Renderer,
		log:         cfg.Logger,
		runtime:     cfg.Runtime,
		projectsDir: cfg.ProjectsDir,
		healthWait:  cfg.HealthWait,
		readyWait:   cfg.ReadyWait,
		logTail:     cfg.LogTail,
		now:         time.Now,
	}
	o.newClient = func(rec *project.Record) (compose.Client, error) {
		return compose.NewDefaultClient(compose.Config{
			ProjectDir:  rec.RootPath,
			ProjectName: "mooring-" + rec.Name,
			Runtime:     o.runtime,
		}, o.proc)
	}
	o.newInstaller = func(rec *project.Record, desc *catalog.VersionDescriptor, events project.EventSink) (installer.Installer, error) {
		client, err := o.newClient(rec)
		if err != nil {
			return nil, err
		}
		return installer.New(installer.Config{
			Record:     rec,
			Descriptor: desc,
			Client:     client,
			Events:     events,
			Logger:     o.log,
		})
	}
	o.waitHealthy = compose.WaitUntilHealthy
	o.waitHTTP = func(ctx context.Context, url string, opts compose.WaitOptions) error {
		return compose.WaitForHTTP(ctx, url, nil, opts)
	}
	o.provision = o.engine.Provision
	o.portTaken = portInUse
	return o, nil
}

// =============================================================================
// Start
// =============================================================================

// Start drives a project to ready.
//
// # Description
//
// The flow visits provisioning, starting, waiting, installing,
// starting, ready in that relative order, skipping provisioning when
// the source tree is already unpacked and installing when the schema
// already exists. Any failure transitions the record to error with a
// self-contained message and returns a *FlowError carrying the same
// cause, leaving download artifacts intact so a retry resumes.
func (o *DefaultOrchestrator) Start(ctx context.Context, id string, events project.EventSink) error {
	events = orNop(events)

	rec, err := o.store.Get(id)
	if err != nil {
		return err
	}
	desc, err := o.catalog.Get(rec.Version)
	if err != nil {
		return err
	}

	firstRun := !download.SourceReady(rec.RootPath, catalog.SourceDirName, catalog.MarkerFile)
	initial := project.StatusStarting
	if firstRun {
		initial = project.StatusProvisioning
	}
	rec, err = o.claim(id, initial, "Starting project")
	if err != nil {
		return err
	}
	log := o.log.With("project", rec.Name, "op", "start")
	log.Info("start requested", "first_run", firstRun, "version", rec.Version)

	if avail := o.probe.Check(ctx, false); !avail.Available {
		return o.fail(id, "start", "starting", rec.Name, events,
			fmt.Errorf("%w: %s", ErrRuntimeUnavailable, avail.Reason))
	}

	if err := o.ensureRuntimeConfig(rec, desc); err != nil {
		return o.fail(id, "start", "starting", rec.Name, events, err)
	}
	client, err := o.newClient(rec)
	if err != nil {
		return o.fail(id, "start", "starting", rec.Name, events, err)
	}

	if firstRun {
		emit(events, "download", "Downloading %s", desc.Name)
		err := o.provision(ctx, download.ProvisionSpec{
			URL:       desc.ArchiveURL,
			Root:      rec.RootPath,
			SourceDir: catalog.SourceDirName,
			Marker:    catalog.MarkerFile,
		}, o.downloadProgress(id, events))
		if err != nil {
			return o.fail(id, "start", "provisioning", rec.Name, events, err)
		}
		log.Info("source tree provisioned")
	}

	if err := o.transition(id, project.StatusStarting, "Starting containers", events); err != nil {
		return err
	}
	if err := o.preflightPorts(ctx, client, rec); err != nil {
		return o.fail(id, "start", "starting", rec.Name, events, err)
	}
	if _, err := client.Up(ctx, compose.UpOptions{RemoveOrphans: true}); err != nil {
		return o.fail(id, "start", "starting", rec.Name, events, err)
	}

	if err := o.transition(id, project.StatusWaiting, "Waiting for the database", events); err != nil {
		return err
	}
	if err := o.waitHealthy(ctx, client, catalog.DBService, o.healthWait); err != nil {
		return o.fail(id, "start", "waiting", rec.Name, events, fmt.Errorf(
			"%w; check `%s compose logs %s` in %s, or delete and recreate the project",
			err, o.runtime, catalog.DBService, rec.RootPath))
	}

	inst, err := o.newInstaller(rec, desc, events)
	if err != nil {
		return o.fail(id, "start", "installing", rec.Name, events, err)
	}
	installed, err := inst.Installed(ctx)
	if err != nil {
		return o.fail(id, "start", "installing", rec.Name, events, err)
	}
	if !installed {
		if err := o.transition(id, project.StatusInstalling, "Installing", events); err != nil {
			return err
		}
		if err := inst.Install(ctx); err != nil {
			return o.fail(id, "start", "installing", rec.Name, events, err)
		}
		log.Info("installation complete")
	}

	if err := o.transition(id, project.StatusStarting, "Waiting for the site to answer", events); err != nil {
		return err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/", rec.PublicPort)
	if err := o.waitHTTP(ctx, url, o.readyWait); err != nil {
		return o.fail(id, "start", "starting", rec.Name, events, fmt.Errorf(
			"%w; the containers are up but the site is not answering, check `%s compose logs %s`",
			err, o.runtime, catalog.WebService))
	}

	if err := o.transition(id, project.StatusReady, fmt.Sprintf("Ready at %s", url), events); err != nil {
		return err
	}
	log.Info("project ready", "url", url)
	return nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop stops the project's containers without removing them.
func (o *DefaultOrchestrator) Stop(ctx context.Context, id string, events project.EventSink) error {
	events = orNop(events)

	rec, err := o.claim(id, project.StatusStopping, "Stopping containers")
	if err != nil {
		return err
	}
	log := o.log.With("project", rec.Name, "op", "stop")

	client, err := o.newClient(rec)
	if err != nil {
		return o.fail(id, "stop", "stopping", rec.Name, events, err)
	}
	if _, err := client.Stop(ctx, compose.StopOptions{}); err != nil {
		// A daemon that is down has, in effect, already stopped the
		// containers. Record reality instead of erroring.
		var cerr *compose.ClassifiedError
		if errors.As(err, &cerr) && cerr.Cause == compose.CauseDaemonUnavailable {
			log.Warn("runtime daemon down during stop, marking stopped", "error", err)
		} else {
			return o.fail(id, "stop", "stopping", rec.Name, events, err)
		}
	}

	if err := o.transition(id, project.StatusStopped, "", events); err != nil {
		return err
	}
	log.Info("project stopped")
	return nil
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// claim atomically moves a record from a rest state into an active
// status, bumping LastUsed. The check-and-set runs under the store
// lock, so exactly one concurrent caller wins.
func (o *DefaultOrchestrator) claim(id string, status project.Status, detail string) (*project.Record, error) {
	return o.store.Apply(id, func(r *project.Record) error {
		if r.Status.IsActive() {
			return fmt.Errorf("%w: %s is %s", ErrOperationInFlight, r.Name, r.Status)
		}
		r.Status = status
		r.StatusDetail = detail
		r.Progress = nil
		r.ErrorMessage = ""
		r.LastUsed = o.now()
		return nil
	})
}

// transition persists a status change mid-pipeline and emits it.
func (o *DefaultOrchestrator) transition(id string, status project.Status, detail string, events project.EventSink) error {
	_, err := o.store.Apply(id, func(r *project.Record) error {
		r.Status = status
		r.StatusDetail = detail
		r.Progress = nil
		r.LastUsed = o.now()
		return nil
	})
	if err != nil {
		return err
	}
	if detail != "" {
		emit(events, status.String(), "%s", detail)
	}
	return nil
}

// fail records a pipeline failure and returns the FlowError to re-raise.
//
// The error transition nulls transient progress but keeps the message;
// the store's invariants enforce exactly that.
func (o *DefaultOrchestrator) fail(id, op, phase, name string, events project.EventSink, cause error) error {
	if _, aerr := o.store.Apply(id, func(r *project.Record) error {
		r.Status = project.StatusError
		r.StatusDetail = ""
		r.ErrorMessage = cause.Error()
		r.LastUsed = o.now()
		return nil
	}); aerr != nil {
		o.log.Error("could not record failure", "project", name, "phase", phase, "error", aerr)
	}
	events.Emit(project.Event{Phase: phase, Level: project.LevelError, Message: cause.Error()})
	return &FlowError{Op: op, Phase: phase, Project: name, Err: cause}
}

// ensureRuntimeConfig writes the project's compose file when missing.
//
// The file normally exists from creation; this re-renders it after a
// manual deletion so a start never trips over its absence.
func (o *DefaultOrchestrator) ensureRuntimeConfig(rec *project.Record, desc *catalog.VersionDescriptor) error {
	path := filepath.Join(rec.RootPath, catalog.RuntimeConfigFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(rec.RootPath, 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	content, err := o.renderer.Render(rec, desc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write runtime configuration: %w", err)
	}
	o.log.Info("runtime configuration rendered", "project", rec.Name, "path", path)
	return nil
}

// preflightPorts verifies the project's host ports are free before the
// runtime tries to bind them, turning a late bind failure into an
// immediate, classified error. Skipped when the project's own
// containers already hold the ports.
func (o *DefaultOrchestrator) preflightPorts(ctx context.Context, client compose.Client, rec *project.Record) error {
	status, err := client.Status(ctx)
	if err == nil && status.AnyRunning() {
		return nil
	}
	for _, p := range []struct {
		label string
		port  int
	}{
		{"public port", rec.PublicPort},
		{"database port", rec.DBPort},
	} {
		if o.portTaken(p.port) {
			return &compose.ClassifiedError{
				Cause:  compose.CausePortConflict,
				Detail: fmt.Sprintf("%s %d is already in use by another process", p.label, p.port),
				Remediation: fmt.Sprintf("stop whatever is listening on port %d, "+
					"or change the project's %s", p.port, p.label),
			}
		}
	}
	return nil
}

// downloadProgress adapts engine progress samples into events and a
// low-rate persisted Progress on the record.
func (o *DefaultOrchestrator) downloadProgress(id string, events project.EventSink) download.ProgressFunc {
	var lastPersist time.Time
	return func(p download.Progress) {
		msg := fmt.Sprintf("Downloaded %s", util.FormatBytes(p.Current))
		if p.Total > 0 {
			msg = fmt.Sprintf("Downloaded %s of %s", util.FormatBytes(p.Current), util.FormatBytes(p.Total))
		}
		if p.Rate > 0 {
			msg += fmt.Sprintf(" (%s)", util.FormatRate(float64(p.Rate)))
		}
		events.Emit(project.Event{
			Phase:   "download",
			Level:   project.LevelInfo,
			Message: msg,
			Percent: p.Percent,
			Current: p.Current,
			Total:   p.Total,
			Rate:    p.Rate,
		})

		if o.now().Sub(lastPersist) < progressPersistInterval {
			return
		}
		lastPersist = o.now()
		if _, err := o.store.Apply(id, func(r *project.Record) error {
			r.Progress = &project.ProgressInfo{
				Phase:   "download",
				Percent: p.Percent,
				Current: p.Current,
				Total:   p.Total,
				Message: msg,
			}
			return nil
		}); err != nil {
			o.log.Warn("could not persist download progress", "project", id, "error", err)
		}
	}
}

// RuntimeAvailable reports runtime availability through the cached probe.
func (o *DefaultOrchestrator) RuntimeAvailable(ctx context.Context, force bool) compose.Availability {
	return o.probe.Check(ctx, force)
}

// =============================================================================
// Utility Functions
// =============================================================================

// orNop substitutes a discard sink for nil.
func orNop(events project.EventSink) project.EventSink {
	if events == nil {
		return project.NopSink{}
	}
	return events
}

// emit formats and sends an info event.
func emit(events project.EventSink, phase, format string, args ...any) {
	events.Emit(project.Event{
		Phase:   phase,
		Level:   project.LevelInfo,
		Message: fmt.Sprintf(format, args...),
	})
}
