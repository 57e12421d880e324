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
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/util"
)

// progressRenderer turns operation events into terminal feedback.
//
// # Description
//
// On a TTY it drives a spinner whose message follows the latest event;
// without one it prints each phase change as a plain line so piped
// output stays readable. Warnings always print on their own line.
//
// # Thread Safety
//
// Emit is safe for concurrent use.
type progressRenderer struct {
	mu        sync.Mutex
	spinner   *util.Spinner
	tty       bool
	lastPhase string
}

var _ project.EventSink = (*progressRenderer)(nil)

func newProgressRenderer() *progressRenderer {
	r := &progressRenderer{
		tty: isatty.IsTerminal(os.Stderr.Fd()),
	}
	if r.tty {
		r.spinner = util.NewSpinner(util.SpinnerConfig{Message: "Working..."})
		r.spinner.Start()
	}
	return r
}

// Emit implements project.EventSink.
func (r *progressRenderer) Emit(ev project.Event) {
	line := ev.Message
	if ev.Percent != nil {
		line = fmt.Sprintf("%s (%.0f%%)", ev.Message, *ev.Percent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.Level == project.LevelWarn:
		if r.spinner != nil {
			r.spinner.Stop()
			defer r.spinner.Start()
		}
		fmt.Fprintf(os.Stderr, "warning: %s\n", line)
	case r.spinner != nil:
		r.spinner.SetMessage(line)
	case ev.Phase != r.lastPhase || ev.Percent == nil:
		// Without a TTY only phase changes print; per-chunk progress
		// would flood piped output.
		fmt.Fprintln(os.Stderr, line)
	}
	r.lastPhase = ev.Phase
}

// finish stops the renderer with a closing line.
func (r *progressRenderer) finish(err error, success string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinner == nil {
		return
	}
	if err != nil {
		r.spinner.StopFailure(err.Error())
		return
	}
	r.spinner.StopSuccess(success)
}
