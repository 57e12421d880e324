// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Availability Probe
// =============================================================================

// Availability describes whether the container runtime can be used.
type Availability struct {
	// Available is true when the runtime binary exists and its daemon answers.
	Available bool

	// Runtime is the probed binary name ("docker" or "podman").
	Runtime string

	// Version is the daemon version when available.
	Version string

	// Reason explains unavailability in operator terms. Empty when available.
	Reason string

	// CheckedAt is when this result was produced.
	CheckedAt time.Time
}

// prober is the subset of process.Manager the probe needs.
type prober interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

// AvailabilityProbe checks runtime availability with short-lived caching.
//
// # Description
//
// Runtime probes cost a daemon round trip, and callers like the state
// reconciler ask repeatedly in bursts. Successful and failed results are
// both cached for a short TTL; a forced check bypasses the cache.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	probe := compose.NewAvailabilityProbe("docker", pm, 15*time.Second)
//	avail := probe.Check(ctx, false)
//	if !avail.Available {
//	    fmt.Println(avail.Reason)
//	}
type AvailabilityProbe struct {
	runtime string
	proc    prober
	ttl     time.Duration

	// now is injectable for tests.
	now func() time.Time

	mu   sync.Mutex
	last *Availability
}

// NewAvailabilityProbe creates a probe for the given runtime binary.
//
// # Inputs
//
//   - runtime: Binary to probe ("docker" or "podman")
//   - proc: Process manager for execution
//   - ttl: How long results stay fresh (0 uses 15s)
func NewAvailabilityProbe(runtime string, proc prober, ttl time.Duration) *AvailabilityProbe {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &AvailabilityProbe{
		runtime: runtime,
		proc:    proc,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Check returns the runtime's availability, cached within the TTL.
//
// # Description
//
// With force=false a fresh cached result is returned without touching
// the runtime. With force=true the cache is bypassed and refreshed.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout
//   - force: Bypass the cache
//
// # Outputs
//
//   - Availability: Always a usable result; probe failures surface as
//     Available=false with a Reason, never as an error
func (p *AvailabilityProbe) Check(ctx context.Context, force bool) Availability {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.last != nil && p.now().Sub(p.last.CheckedAt) < p.ttl {
		return *p.last
	}

	result := p.probe(ctx)
	p.last = &result
	return result
}

// Invalidate drops the cached result so the next Check probes again.
func (p *AvailabilityProbe) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = nil
}

// probe performs the actual availability check.
func (p *AvailabilityProbe) probe(ctx context.Context) Availability {
	result := Availability{
		Runtime:   p.runtime,
		CheckedAt: p.now(),
	}

	if _, err := p.proc.LookPath(p.runtime); err != nil {
		result.Reason = fmt.Sprintf("%s is not installed or not in PATH", p.runtime)
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// `info` requires a daemon round trip, which is exactly what we want
	// to verify. The format keeps output small.
	output, err := p.proc.Run(probeCtx, p.runtime, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		result.Reason = daemonDownReason(p.runtime, err)
		return result
	}

	result.Available = true
	result.Version = strings.TrimSpace(string(output))
	return result
}

// daemonDownReason maps a probe failure to an operator-facing reason.
func daemonDownReason(runtime string, err error) string {
	lower := strings.ToLower(err.Error())

	if strings.Contains(lower, "permission denied") {
		return fmt.Sprintf("permission denied talking to the %s daemon; add your user to the docker group or use rootless mode", runtime)
	}
	if strings.Contains(lower, "context deadline exceeded") {
		return fmt.Sprintf("the %s daemon did not respond; it may be starting up or hung", runtime)
	}
	return fmt.Sprintf("the %s daemon is not running", runtime)
}
