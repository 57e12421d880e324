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
	"math/rand"
	"net/http"
	"time"

	"github.com/AleutianAI/mooring/internal/util"
)

// =============================================================================
// Wait Options
// =============================================================================

// WaitOptions configures health polling behavior.
//
// # Description
//
// Controls timeout and polling intervals for waiting on a service or
// endpoint to come up. Uses exponential backoff with jitter to reduce
// load during heavy startup conditions.
//
// # Examples
//
//	opts := compose.DefaultWaitOptions()
//	opts.Timeout = 3 * time.Minute
//	err := compose.WaitUntilHealthy(ctx, client, "db", opts)
//
// # Assumptions
//
//   - Multiplier > 1.0 for exponential growth
//   - Jitter in range [0, 1]
//   - InitialInterval <= MaxInterval
type WaitOptions struct {
	// Timeout is the overall timeout for waiting (default: 90s).
	Timeout time.Duration

	// InitialInterval is the first poll interval (default: 1s).
	InitialInterval time.Duration

	// MaxInterval is the maximum poll interval (default: 8s).
	// Backoff stops increasing after reaching this value.
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64

	// Jitter adds randomness to prevent synchronized polling (default: 0.1).
	// Range: [interval * (1-Jitter), interval * (1+Jitter)]
	Jitter float64
}

// DefaultWaitOptions returns sensible defaults with exponential backoff.
//
// # Description
//
// Returns options configured for typical container startup:
// 90 second overall timeout, intervals 1s -> 2s -> 4s -> 8s -> 8s...,
// 10% jitter.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         util.DefaultHealthWaitTimeout,
		InitialInterval: 1 * time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
	}
}

// normalized fills zero fields with defaults.
func (o WaitOptions) normalized() WaitOptions {
	def := DefaultWaitOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = def.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = def.MaxInterval
	}
	if o.Multiplier <= 1.0 {
		o.Multiplier = def.Multiplier
	}
	if o.Jitter < 0 || o.Jitter > 1 {
		o.Jitter = def.Jitter
	}
	return o
}

// =============================================================================
// Health Waiting
// =============================================================================

// WaitUntilHealthy polls until the named service reports healthy.
//
// # Description
//
// Polls the client's Status until the service's container is running and
// its healthcheck (if any) reports healthy. A running container with no
// healthcheck counts as healthy immediately. On timeout the returned
// error includes the last observed state so failures are diagnosable
// without re-querying.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - client: Runtime client for the project
//   - service: Compose service name to wait for
//   - opts: Timeout and backoff configuration
//
// # Outputs
//
//   - error: nil once healthy; a timeout error carrying the last observed
//     state otherwise
//
// # Example
//
//	err := compose.WaitUntilHealthy(ctx, client, "db", compose.DefaultWaitOptions())
//	if err != nil {
//	    // "service \"db\" did not become healthy within 1m30s: last state running (health: starting)"
//	}
//
// # Limitations
//
//   - Transient Status errors are retried silently until the timeout
func WaitUntilHealthy(ctx context.Context, client Client, service string, opts WaitOptions) error {
	opts = opts.normalized()

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	lastObserved := "never observed"
	interval := opts.InitialInterval

	for {
		if timeoutCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("service %q did not become healthy within %v: last state %s",
				service, opts.Timeout, lastObserved)
		}

		status, err := client.Status(timeoutCtx)
		if err != nil {
			lastObserved = fmt.Sprintf("status query failed (%v)", err)
		} else if svc := status.Service(service); svc == nil {
			lastObserved = "no container"
		} else {
			lastObserved = describeService(*svc)
			if svc.Healthy() {
				return nil
			}
		}

		sleepWithContext(timeoutCtx, applyJitter(interval, opts.Jitter))
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

// WaitForHTTP polls an HTTP endpoint until it answers successfully.
//
// # Description
//
// Issues GET requests until the endpoint returns a status below 400.
// Redirects count as success since a freshly installed application
// typically redirects to its login page. On timeout the returned error
// includes the last observed response or transport error.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - url: Endpoint to probe
//   - httpc: HTTP client (nil uses a default with a per-request timeout)
//   - opts: Timeout and backoff configuration
//
// # Outputs
//
//   - error: nil once the endpoint answers; a timeout error carrying the
//     last observation otherwise
func WaitForHTTP(ctx context.Context, url string, httpc *http.Client, opts WaitOptions) error {
	opts = opts.normalized()

	if httpc == nil {
		httpc = &http.Client{
			Timeout: util.DefaultHTTPTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	lastObserved := "never reached"
	interval := opts.InitialInterval

	for {
		if timeoutCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s did not respond within %v: last result %s",
				url, opts.Timeout, lastObserved)
		}

		req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("invalid probe URL %q: %w", url, err)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			lastObserved = fmt.Sprintf("connection error (%v)", err)
		} else {
			resp.Body.Close()
			lastObserved = fmt.Sprintf("HTTP %d", resp.StatusCode)
			if resp.StatusCode < 400 {
				return nil
			}
		}

		sleepWithContext(timeoutCtx, applyJitter(interval, opts.Jitter))
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

// describeService renders a service state for wait diagnostics.
func describeService(svc ServiceStatus) string {
	if svc.Health == "" {
		return svc.State
	}
	return fmt.Sprintf("%s (health: %s)", svc.State, svc.Health)
}

// =============================================================================
// Backoff Helpers
// =============================================================================

// applyJitter adds random jitter to an interval.
//
// The result is uniform in [interval*(1-jitter), interval*(1+jitter)].
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

// nextInterval calculates the next backoff interval, capped at max.
func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for d or until the context is done.
func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
