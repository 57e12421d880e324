// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/mooring/internal/util"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Progress Reporting
// =============================================================================

// Progress is one throttled progress sample.
type Progress struct {
	// Percent is completion in [0,100], nil while the total is unknown.
	Percent *float64

	// Current is bytes on disk so far, including any resumed prefix.
	Current int64

	// Total is the expected byte count, zero when unknown.
	Total int64

	// Rate is the instantaneous transfer rate in bytes per second.
	Rate int64
}

// ProgressFunc receives progress samples. May be nil to skip reporting.
type ProgressFunc func(Progress)

// =============================================================================
// Options
// =============================================================================

const (
	// defaultBufferSize is the write buffer flushed to disk in one call.
	// Sized for platforms where many small writes are expensive.
	defaultBufferSize = 256 << 10

	// defaultPersistEvery is how many new bytes may accumulate between
	// resume-state persists. Bounds progress lost to a crash.
	defaultPersistEvery = 1 << 20

	// defaultMaxAttempts bounds the retry loop for transient failures.
	defaultMaxAttempts = 5

	// defaultProgressPerSecond caps progress callback frequency.
	defaultProgressPerSecond = 10

	// suspiciouslySmall flags discovered sizes well under any plausible
	// source archive. Logged, never fatal.
	suspiciouslySmall = 5 << 20

	// readChunkSize is the per-read buffer handed to the response body.
	readChunkSize = 32 << 10
)

// Options tunes the download engine. The zero value takes defaults.
type Options struct {
	// InactivityTimeout aborts when no bytes arrive for this long. The
	// watchdog resets on every received chunk, so slow-but-steady
	// transfers survive.
	InactivityTimeout time.Duration

	// AbsoluteTimeout is the hard ceiling on one attempt, set once at
	// request start.
	AbsoluteTimeout time.Duration

	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int

	// RetryInitialDelay and RetryMaxDelay shape the backoff between
	// attempts; the delay doubles until capped.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// BufferSize is the disk write buffer size.
	BufferSize int

	// PersistEvery is the byte interval between resume-state persists.
	PersistEvery int64

	// ProgressPerSecond caps progress callback frequency.
	ProgressPerSecond float64
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		InactivityTimeout: util.DefaultDownloadInactivityTimeout,
		AbsoluteTimeout:   util.DefaultDownloadAbsoluteTimeout,
		MaxAttempts:       defaultMaxAttempts,
		RetryInitialDelay: 2 * time.Second,
		RetryMaxDelay:     30 * time.Second,
		BufferSize:        defaultBufferSize,
		PersistEvery:      defaultPersistEvery,
		ProgressPerSecond: defaultProgressPerSecond,
	}
}

// normalized fills zero fields with defaults.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.AbsoluteTimeout <= 0 {
		o.AbsoluteTimeout = d.AbsoluteTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = d.RetryInitialDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.RetryMaxDelay
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.PersistEvery <= 0 {
		o.PersistEvery = d.PersistEvery
	}
	if o.ProgressPerSecond <= 0 {
		o.ProgressPerSecond = d.ProgressPerSecond
	}
	return o
}

// =============================================================================
// Engine
// =============================================================================

// Engine downloads large archives resumably.
//
// # Description
//
// Fetch streams a URL into a project's working directory with byte-range
// resume, adaptive timeouts, throttled progress, and retry with backoff.
// Provision adds the unpack step: extract, collapse a wrapper directory,
// move into place, and verify the marker file. The engine knows nothing
// about what the archive contains beyond the marker name it is told to
// check.
//
// # Thread Safety
//
// Safe for concurrent use across different project roots. Two concurrent
// calls on the same root corrupt each other; the caller's one-operation-
// per-project guarantee prevents that.
type Engine struct {
	httpClient *http.Client
	log        *logging.Logger
	opts       Options

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewEngine creates an Engine.
//
// # Inputs
//
//   - opts: Tuning; zero fields take defaults
//   - log: Logger; nil uses the package default
func NewEngine(opts Options, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		// Timeouts are per-request contexts, not a client-wide cap, so
		// the inactivity watchdog can keep a slow transfer alive.
		httpClient: &http.Client{},
		log:        log,
		opts:       opts.normalized(),
		now:        time.Now,
	}
}

// Fetch downloads url into root's working directory, resuming when
// possible.
//
// # Description
//
// Retries transient failures (connection errors, timeouts, 5xx) with
// exponential backoff up to the attempt budget; every retry resumes
// from the persisted offset. Non-transient failures and caller
// cancellation return immediately. On success the partial artifact and
// resume state remain on disk for Provision to consume.
//
// # Outputs
//
//   - string: Path of the completed archive
//   - error: *DownloadError describing the failure, or the caller's
//     context error on cancellation
func (e *Engine) Fetch(ctx context.Context, url, root string, onProgress ProgressFunc) (string, error) {
	if err := os.MkdirAll(WorkDir(root), 0o755); err != nil {
		return "", &DownloadError{
			Type:        ErrorFilesystem,
			URL:         url,
			Message:     "cannot create download working directory",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("check permissions on %s", root),
			Err:         err,
		}
	}

	delay := e.opts.RetryInitialDelay
	var lastErr error
	probe := &sizeProbe{}
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		path, err := e.fetchOnce(ctx, url, root, onProgress, probe, true)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err

		var de *DownloadError
		if errors.As(err, &de) && !de.Transient() {
			return "", err
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		e.log.Warn("download attempt failed, retrying",
			"url", url, "attempt", attempt, "max_attempts", e.opts.MaxAttempts,
			"retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.opts.RetryMaxDelay {
			delay = e.opts.RetryMaxDelay
		}
	}

	return "", &DownloadError{
		Type:    ErrorRetriesExhausted,
		URL:     url,
		Message: fmt.Sprintf("download failed after %d attempts", e.opts.MaxAttempts),
		Detail:  lastErr.Error(),
		Remediation: "check your network connection and retry; " +
			"completed progress is kept and the next attempt resumes",
		Err: lastErr,
	}
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// sizeProbe remembers that size discovery already ran for this Fetch,
// so retries do not repeat the extra requests.
type sizeProbe struct {
	total int64
	done  bool
}

// fetchOnce performs a single download attempt. allowRestart permits one
// transparent fresh restart after a rejected range request.
func (e *Engine) fetchOnce(ctx context.Context, url, root string, onProgress ProgressFunc, probe *sizeProbe, allowRestart bool) (string, error) {
	offset, total := resumeOffset(root, url)
	if total > 0 && offset == total {
		// The archive finished on a prior attempt; only the unpack died.
		e.log.Info("archive already complete, skipping download",
			"url", url, "bytes", total)
		return PartialPath(root), nil
	}
	if offset == 0 && total == 0 {
		if !probe.done {
			probe.total = e.discoverSize(ctx, url)
			probe.done = true
			if probe.total > 0 && probe.total < suspiciouslySmall {
				e.log.Warn("discovered archive size is suspiciously small",
					"url", url, "total_bytes", probe.total)
			}
		}
		total = probe.total
	}
	if offset > 0 {
		e.log.Info("resuming download", "url", url, "offset_bytes", offset)
	}

	partial := PartialPath(root)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &DownloadError{
			Type:        ErrorFilesystem,
			URL:         url,
			Message:     "cannot open partial artifact",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("check permissions and free space under %s", root),
			Err:         err,
		}
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", &DownloadError{
			Type: ErrorFilesystem, URL: url,
			Message: "cannot seek partial artifact", Detail: err.Error(),
			Remediation: "delete the project's .tmp directory and retry", Err: err,
		}
	}

	// State goes to disk before the first byte is requested.
	if err := saveResumeState(root, &ResumeState{
		SourceURL:       url,
		DownloadedBytes: offset,
		TotalSizeBytes:  total,
		Timestamp:       e.now(),
	}); err != nil {
		return "", &DownloadError{
			Type: ErrorFilesystem, URL: url,
			Message: "cannot write resume state", Detail: err.Error(),
			Remediation: fmt.Sprintf("check permissions under %s", root), Err: err,
		}
	}

	// Absolute ceiling set once; inactivity watchdog cancels when no
	// chunk arrives in time and rearms on every chunk.
	absCtx, cancelAbs := context.WithTimeout(ctx, e.opts.AbsoluteTimeout)
	defer cancelAbs()
	reqCtx, cancelReq := context.WithCancel(absCtx)
	defer cancelReq()
	var inactivityFired atomic.Bool
	watchdog := time.AfterFunc(e.opts.InactivityTimeout, func() {
		inactivityFired.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", &DownloadError{
			Type: ErrorConnection, URL: url,
			Message: "cannot build download request", Detail: err.Error(),
			Remediation: "check the archive URL in the release catalog", Err: err,
		}
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", "mooring")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", e.classifyTransport(ctx, absCtx, &inactivityFired, url, err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The server refused our offset. Discard and restart from zero
		// without surfacing anything to the caller.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		clearResumeArtifacts(root)
		if !allowRestart {
			return "", &DownloadError{
				Type: ErrorHTTPStatus, URL: url, StatusCode: resp.StatusCode,
				Message:     "server rejected range request twice",
				Remediation: "delete the project's .tmp directory and retry",
			}
		}
		e.log.Info("range request rejected, restarting from zero", "url", url)
		return e.fetchOnce(ctx, url, root, onProgress, probe, false)

	case offset > 0 && resp.StatusCode == http.StatusOK:
		// Range ignored, full body coming. Start the file over.
		if err := f.Truncate(0); err != nil {
			return "", &DownloadError{
				Type: ErrorFilesystem, URL: url,
				Message: "cannot truncate partial artifact", Detail: err.Error(),
				Remediation: "delete the project's .tmp directory and retry", Err: err,
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", &DownloadError{
				Type: ErrorFilesystem, URL: url,
				Message: "cannot rewind partial artifact", Detail: err.Error(),
				Remediation: "delete the project's .tmp directory and retry", Err: err,
			}
		}
		offset = 0

	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		// Resume accepted.

	case offset == 0 && resp.StatusCode == http.StatusOK:
		// Fresh download.

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &DownloadError{
			Type:       ErrorHTTPStatus,
			URL:        url,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server responded %s", resp.Status),
			Detail:     strings.TrimSpace(string(body)),
			Remediation: "check the archive URL in the release catalog; " +
				"server errors usually clear up on retry",
		}
	}

	// The main response is the last chance at a total.
	if total == 0 {
		total = responseTotal(resp, offset)
	}

	return partial, e.streamBody(streamState{
		parent:          ctx,
		absCtx:          absCtx,
		inactivityFired: &inactivityFired,
		watchdog:        watchdog,
		url:             url,
		root:            root,
		file:            f,
		body:            resp.Body,
		offset:          offset,
		total:           total,
		onProgress:      onProgress,
	})
}

// streamState bundles the arguments of the body copy loop.
type streamState struct {
	parent          context.Context
	absCtx          context.Context
	inactivityFired *atomic.Bool
	watchdog        *time.Timer
	url             string
	root            string
	file            *os.File
	body            io.Reader
	offset          int64
	total           int64
	onProgress      ProgressFunc
}

// streamBody copies the response body to disk with buffered writes,
// periodic resume-state persists, and throttled progress samples.
func (e *Engine) streamBody(s streamState) error {
	w := bufio.NewWriterSize(s.file, e.opts.BufferSize)
	limiter := rate.NewLimiter(rate.Limit(e.opts.ProgressPerSecond), 1)
	chunk := make([]byte, readChunkSize)

	written := s.offset
	lastPersist := s.offset
	rateStart := e.now()
	rateBytes := int64(0)

	emit := func(force bool) {
		if s.onProgress == nil {
			return
		}
		if !force && !limiter.Allow() {
			return
		}
		elapsed := e.now().Sub(rateStart)
		var bps int64
		if elapsed > 0 {
			bps = int64(float64(rateBytes) / elapsed.Seconds())
		}
		p := Progress{Current: written, Total: s.total, Rate: bps}
		if s.total > 0 {
			pct := float64(written) / float64(s.total) * 100
			p.Percent = &pct
		}
		s.onProgress(p)
		rateStart = e.now()
		rateBytes = 0
	}

	fsErr := func(op string, err error) *DownloadError {
		return &DownloadError{
			Type: ErrorFilesystem, URL: s.url,
			Message: op, Detail: err.Error(),
			Remediation: fmt.Sprintf("check free space and permissions under %s", s.root),
			Err:         err,
		}
	}

	emit(true)
	for {
		n, rerr := s.body.Read(chunk)
		if n > 0 {
			s.watchdog.Reset(e.opts.InactivityTimeout)
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return fsErr("cannot write partial artifact", werr)
			}
			written += int64(n)
			rateBytes += int64(n)

			if written-lastPersist >= e.opts.PersistEvery {
				if ferr := w.Flush(); ferr != nil {
					return fsErr("cannot flush partial artifact", ferr)
				}
				if serr := saveResumeState(s.root, &ResumeState{
					SourceURL:       s.url,
					DownloadedBytes: written,
					TotalSizeBytes:  s.total,
					Timestamp:       e.now(),
				}); serr != nil {
					return fsErr("cannot persist resume state", serr)
				}
				lastPersist = written
			}
			emit(false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Keep what arrived: flush so the next attempt resumes here.
			w.Flush()
			saveResumeState(s.root, &ResumeState{
				SourceURL:       s.url,
				DownloadedBytes: written,
				TotalSizeBytes:  s.total,
				Timestamp:       e.now(),
			})
			return e.classifyTransport(s.parent, s.absCtx, s.inactivityFired, s.url, rerr)
		}
	}

	if err := w.Flush(); err != nil {
		return fsErr("cannot flush partial artifact", err)
	}
	if err := s.file.Sync(); err != nil {
		return fsErr("cannot sync partial artifact", err)
	}

	if s.total > 0 && written != s.total {
		saveResumeState(s.root, &ResumeState{
			SourceURL:       s.url,
			DownloadedBytes: written,
			TotalSizeBytes:  s.total,
			Timestamp:       e.now(),
		})
		return &DownloadError{
			Type:        ErrorConnection,
			URL:         s.url,
			Message:     fmt.Sprintf("transfer ended early at %d of %d bytes", written, s.total),
			Remediation: "retrying resumes from the received bytes",
		}
	}

	emit(true)
	e.log.Info("download complete", "url", s.url, "bytes", written)
	return nil
}

// discoverSize tries to learn the archive size before the main request.
//
// Order: a HEAD asking for an identity transfer, then a one-byte range
// GET whose Content-Range carries the total. Each runs once; zero means
// unknown and progress stays indeterminate unless the main response
// reports a length.
func (e *Engine) discoverSize(ctx context.Context, url string) int64 {
	headCtx, cancel := context.WithTimeout(ctx, util.DefaultHTTPTimeout)
	defer cancel()
	if req, err := http.NewRequestWithContext(headCtx, http.MethodHead, url, nil); err == nil {
		req.Header.Set("Accept-Encoding", "identity")
		req.Header.Set("User-Agent", "mooring")
		if resp, err := e.httpClient.Do(req); err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.ContentLength > 0 {
				return resp.ContentLength
			}
		}
	}

	rangeCtx, cancel := context.WithTimeout(ctx, util.DefaultHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rangeCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", "mooring")
	req.Header.Set("Range", "bytes=0-0")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusPartialContent {
		return parseContentRangeTotal(resp.Header.Get("Content-Range"))
	}
	return 0
}

// classifyTransport maps a transport-level failure to a DownloadError,
// separating caller cancellation from the engine's own watchdogs.
func (e *Engine) classifyTransport(parent, absCtx context.Context, inactivityFired *atomic.Bool, url string, cause error) *DownloadError {
	switch {
	case parent.Err() != nil:
		return &DownloadError{
			Type: ErrorCancelled, URL: url,
			Message: "download cancelled", Detail: parent.Err().Error(),
			Remediation: "start the project again to resume",
			Err:         parent.Err(),
		}
	case inactivityFired.Load():
		return &DownloadError{
			Type:    ErrorTimeout,
			URL:     url,
			Message: fmt.Sprintf("no data received for %v", e.opts.InactivityTimeout),
			Detail:  cause.Error(),
			Remediation: "the connection stalled; retrying resumes from " +
				"the received bytes",
			Err: cause,
		}
	case errors.Is(absCtx.Err(), context.DeadlineExceeded):
		return &DownloadError{
			Type:        ErrorTimeout,
			URL:         url,
			Message:     fmt.Sprintf("download exceeded the %v ceiling", e.opts.AbsoluteTimeout),
			Detail:      cause.Error(),
			Remediation: "retrying resumes from the received bytes",
			Err:         cause,
		}
	default:
		return &DownloadError{
			Type: ErrorConnection, URL: url,
			Message: "connection failed", Detail: cause.Error(),
			Remediation: "check your network connection; retrying resumes " +
				"from the received bytes",
			Err: cause,
		}
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// responseTotal extracts the total size from the main response.
func responseTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if total := parseContentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			return total
		}
		if resp.ContentLength > 0 {
			return offset + resp.ContentLength
		}
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

// parseContentRangeTotal reads the total out of a Content-Range header
// ("bytes 0-0/104857600"). Returns zero for unknown ("*") or malformed
// values.
func parseContentRangeTotal(header string) int64 {
	_, totalPart, found := strings.Cut(header, "/")
	if !found {
		return 0
	}
	totalPart = strings.TrimSpace(totalPart)
	if totalPart == "*" || totalPart == "" {
		return 0
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}
