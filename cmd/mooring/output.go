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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/reconcile"
)

// stdoutIsTTY gates styled output; pipes get plain text.
var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	styleHeader  = lipgloss.NewStyle().Bold(true)
	styleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim     = lipgloss.NewStyle().Faint(true)
)

// renderStatus colors a status for the terminal.
func renderStatus(status project.Status) string {
	if !stdoutIsTTY {
		return string(status)
	}
	switch {
	case status == project.StatusReady:
		return styleReady.Render(string(status))
	case status == project.StatusError:
		return styleError.Render(string(status))
	case status == project.StatusStopped:
		return styleStopped.Render(string(status))
	case status.IsActive():
		return styleActive.Render(string(status))
	default:
		return string(status)
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printProjects renders the list table.
func printProjects(records []*project.Record) {
	if len(records) == 0 {
		fmt.Println("No projects. Create one with: mooring create <name>")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	header := "NAME\tVERSION\tSTATUS\tURL\tLAST USED"
	if stdoutIsTTY {
		header = styleHeader.Render(header)
	}
	fmt.Fprintln(w, header)
	for _, rec := range records {
		url := fmt.Sprintf("http://127.0.0.1:%d", rec.PublicPort)
		if rec.Status != project.StatusReady {
			url = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Name, rec.Version, renderStatus(rec.Status), url,
			humanSince(rec.LastUsed))
	}
	w.Flush()
}

// printRecord renders one project in detail.
func printRecord(rec *project.Record) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", rec.Name)
	fmt.Fprintf(w, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(w, "Version:\t%s\n", rec.Version)
	fmt.Fprintf(w, "Status:\t%s\n", renderStatus(rec.Status))
	if rec.StatusDetail != "" {
		fmt.Fprintf(w, "Detail:\t%s\n", rec.StatusDetail)
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		if stdoutIsTTY {
			msg = styleError.Render(msg)
		}
		fmt.Fprintf(w, "Error:\t%s\n", msg)
	}
	if rec.Progress != nil && rec.Progress.Message != "" {
		fmt.Fprintf(w, "Progress:\t%s\n", rec.Progress.Message)
	}
	fmt.Fprintf(w, "URL:\thttp://127.0.0.1:%d\n", rec.PublicPort)
	fmt.Fprintf(w, "DB port:\t%d\n", rec.DBPort)
	fmt.Fprintf(w, "Root:\t%s\n", rec.RootPath)
	fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Last used:\t%s\n", humanSince(rec.LastUsed))
	w.Flush()
}

// formatSyncSummary renders a reconciliation pass for the terminal.
// A skipped pass never looked at anything, so its counters carry no
// information and are not printed.
func formatSyncSummary(summary reconcile.Summary) string {
	if summary.Skipped {
		return "Skipped: another pass finished moments ago"
	}
	return fmt.Sprintf("Checked %d project(s): %d corrected, %d failed",
		summary.Checked, summary.Changed, summary.Failed)
}

// humanSince renders a timestamp as a rough age.
func humanSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// successf prints a confirmation line.
func successf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if stdoutIsTTY {
		msg = styleReady.Render("✓") + " " + msg
	}
	fmt.Println(msg)
}

// notef prints a secondary line.
func notef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if stdoutIsTTY {
		msg = styleDim.Render(msg)
	}
	fmt.Println(msg)
}
