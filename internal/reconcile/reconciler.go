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
Package reconcile keeps persisted project records honest about the
world.

Containers outlive the process that started them: the user stops the
tool, reboots, kills containers by hand, or the runtime daemon dies.
The reconciler compares each record's persisted status against what the
runtime actually reports and corrects the record, never the containers.
It only ever moves records between rest states (ready, stopped, error);
records in an active status belong to a running operation and are left
strictly alone.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/download"
	"github.com/AleutianAI/mooring/internal/process"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/util"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Supporting Types
// =============================================================================

// Summary reports what one reconciliation pass did.
type Summary struct {
	// Skipped is true when the pass was suppressed by the cooldown.
	Skipped bool

	// Checked counts records examined.
	Checked int

	// Changed counts records whose status was corrected.
	Changed int

	// Failed counts records that could not be examined. Their previous
	// status stands.
	Failed int
}

// Config wires a Reconciler.
type Config struct {
	// Store holds the records to reconcile. Required.
	Store project.Store

	// Process executes the runtime queries. Required.
	Process process.Manager

	// Runtime is the container runtime binary. Default: "docker".
	Runtime string

	// Probe answers runtime availability. Built from Runtime when nil.
	Probe *compose.AvailabilityProbe

	// Logger for pass results. Nil uses the package default.
	Logger *logging.Logger

	// Cooldown suppresses unforced passes that follow a recent one.
	// Default: 5 seconds.
	Cooldown time.Duration

	// Debounce delays Trigger-initiated passes so a burst of change
	// notifications coalesces into one pass. Default: 500ms.
	Debounce time.Duration

	// Parallelism bounds concurrent per-record runtime queries.
	// Default: 4.
	Parallelism int
}

const (
	defaultCooldown    = 5 * time.Second
	defaultDebounce    = 500 * time.Millisecond
	defaultParallelism = 4
)

// errNoCorrection aborts a store mutation that turned out unnecessary
// once the record was re-read under the lock.
var errNoCorrection = errors.New("no correction needed")

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler corrects persisted project statuses against observed
// container state.
//
// # Thread Safety
//
// Reconcile, Trigger, and Close are safe for concurrent use. At most
// one pass runs at a time; a pass requested while another runs is
// absorbed by the cooldown.
type Reconciler struct {
	store   project.Store
	proc    process.Manager
	probe   *compose.AvailabilityProbe
	log     *logging.Logger
	runtime string

	cooldown    time.Duration
	debounce    time.Duration
	parallelism int

	// Seams for tests.
	newClient  func(rec *project.Record) (compose.Client, error)
	inProgress func(root string) bool
	now        func() time.Time

	mu       sync.Mutex
	lastPass time.Time
	timer    *time.Timer
	closed   bool
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconciler store is nil")
	}
	if cfg.Process == nil {
		return nil, fmt.Errorf("reconciler process manager is nil")
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.Probe == nil {
		cfg.Probe = compose.NewAvailabilityProbe(cfg.Runtime, cfg.Process, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}

	r := &Reconciler{
		store:       cfg.Store,
		proc:        cfg.Process,
		probe:       cfg.Probe,
		log:         cfg.Logger,
		runtime:     cfg.Runtime,
		cooldown:    cfg.Cooldown,
		debounce:    cfg.Debounce,
		parallelism: cfg.Parallelism,
		inProgress:  download.InProgress,
		now:         time.Now,
	}
	r.newClient = func(rec *project.Record) (compose.Client, error) {
		return compose.NewDefaultClient(compose.Config{
			ProjectDir:  rec.RootPath,
			ProjectName: "mooring-" + rec.Name,
			Runtime:     r.runtime,
		}, r.proc)
	}
	return r, nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// Reconcile runs one pass over all records.
//
// # Description
//
// An unforced pass within the cooldown window of the previous one is
// skipped; force bypasses the cooldown and also refreshes the runtime
// availability cache. Per-record failures are counted, logged, and do
// not fail the pass: the error return covers only the inability to
// list records at all.
func (r *Reconciler) Reconcile(ctx context.Context, force bool) (Summary, error) {
	r.mu.Lock()
	if !force && r.now().Sub(r.lastPass) < r.cooldown {
		r.mu.Unlock()
		return Summary{Skipped: true}, nil
	}
	r.lastPass = r.now()
	r.mu.Unlock()

	records, err := r.store.List()
	if err != nil {
		return Summary{}, err
	}

	avail := r.probe.Check(ctx, force)

	var sumMu sync.Mutex
	var sum Summary
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			changed, err := r.reconcileOne(ctx, rec, avail)
			sumMu.Lock()
			sum.Checked++
			if changed {
				sum.Changed++
			}
			if err != nil {
				sum.Failed++
			}
			sumMu.Unlock()
			if err != nil {
				r.log.Warn("could not reconcile project",
					"project", rec.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if sum.Changed > 0 || sum.Failed > 0 {
		r.log.Info("reconciliation pass complete",
			"checked", sum.Checked, "changed", sum.Changed, "failed", sum.Failed)
	}
	return sum, nil
}

// reconcileOne corrects a single record. Returns whether it changed.
func (r *Reconciler) reconcileOne(ctx context.Context, rec *project.Record, avail compose.Availability) (bool, error) {
	// A record in an active status is owned by a running operation;
	// correcting it here would race that operation's own transitions.
	if rec.Status.IsActive() {
		return false, nil
	}

	// A leftover download working directory means a provisioning run
	// died mid-flight. The next start resumes it; observing container
	// state tells us nothing useful about such a record.
	if r.inProgress(rec.RootPath) {
		return false, nil
	}

	if _, err := os.Stat(rec.RootPath); os.IsNotExist(err) {
		return r.settle(rec, project.StatusStopped, "project files missing; start will re-download")
	}

	// Never started: no compose file, nothing to observe.
	configPath := filepath.Join(rec.RootPath, catalog.RuntimeConfigFile)
	if _, err := os.Stat(configPath); err != nil {
		return r.settle(rec, project.StatusStopped, "")
	}

	if !avail.Available {
		return r.settle(rec, project.StatusStopped, "runtime not running")
	}

	client, err := r.newClient(rec)
	if err != nil {
		return false, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case !status.AnyRunning():
		return r.settle(rec, project.StatusStopped, "")
	case status.AllRunning() && status.Unhealthy == 0:
		return r.settle(rec, project.StatusReady,
			fmt.Sprintf("Ready at http://127.0.0.1:%d/", rec.PublicPort))
	default:
		return r.settleError(rec, fmt.Sprintf(
			"%d of %d services running, %d unhealthy; run start again or check `%s compose logs`",
			status.Running, len(status.Services), status.Unhealthy, r.runtime))
	}
}

// settle moves a record to a rest status, writing only when something
// actually changes so repeated passes are no-ops.
func (r *Reconciler) settle(rec *project.Record, status project.Status, detail string) (bool, error) {
	if rec.Status == status && rec.StatusDetail == detail {
		return false, nil
	}
	_, err := r.store.Apply(rec.ID, func(cur *project.Record) error {
		// Re-check under the store lock: an operation may have claimed
		// the record between observation and correction.
		if cur.Status.IsActive() {
			return errNoCorrection
		}
		cur.Status = status
		cur.StatusDetail = detail
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoCorrection) {
			return false, nil
		}
		return false, err
	}
	r.log.Info("corrected project status",
		"project", rec.Name, "from", rec.Status, "to", status)
	return true, nil
}

// settleError moves a record to error with an observed-drift message.
func (r *Reconciler) settleError(rec *project.Record, msg string) (bool, error) {
	if rec.Status == project.StatusError && rec.ErrorMessage == msg {
		return false, nil
	}
	_, err := r.store.Apply(rec.ID, func(cur *project.Record) error {
		if cur.Status.IsActive() {
			return errNoCorrection
		}
		cur.Status = project.StatusError
		cur.StatusDetail = ""
		cur.ErrorMessage = msg
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoCorrection) {
			return false, nil
		}
		return false, err
	}
	r.log.Warn("project drifted into a degraded state",
		"project", rec.Name, "detail", msg)
	return true, nil
}

// =============================================================================
// Triggering
// =============================================================================

// Trigger schedules a debounced background pass.
//
// # Description
//
// Meant for change notifications that arrive in bursts: store watcher
// events, window focus, a container event stream. Each call resets the
// debounce timer; the pass runs once the burst goes quiet. The pass
// itself is still subject to the cooldown.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		util.SafeGo(func() {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultComposeTimeout)
			defer cancel()
			if _, err := r.Reconcile(ctx, false); err != nil {
				r.log.Warn("triggered reconciliation failed", "error", err)
			}
		}, func(p util.PanicReport) {
			r.log.Error("reconciliation pass panicked", "panic", p.Value)
		})
	})
}

// Close cancels any pending triggered pass.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
