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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mooring/internal/lifecycle"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/server"
)

// startBudget bounds one start end to end; first runs include the full
// source download.
const startBudget = 45 * time.Minute

// =============================================================================
// create
// =============================================================================

var (
	createVersion string
	createPort    int
	createDBPort  int
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			rec, err := engine.orch.Create(cmd.Context(), lifecycle.CreateSpec{
				Name:       args[0],
				Version:    createVersion,
				PublicPort: createPort,
				DBPort:     createDBPort,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(rec)
			}
			successf("Created %s (%s) on port %d", rec.Name, rec.Version, rec.PublicPort)
			notef("Start it with: mooring start %s", rec.Name)
			return nil
		})
	},
}

// =============================================================================
// list / status
// =============================================================================

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine.freshen(15 * time.Second)
		records, err := engine.store.List()
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(records)
		}
		printProjects(records)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a project's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine.freshen(10 * time.Second)
		rec, err := engine.resolve(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(rec)
		}
		printRecord(rec)
		return nil
	},
}

// =============================================================================
// start / stop
// =============================================================================

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a project, provisioning and installing on first run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			rec, err := engine.resolve(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, startBudget)
			defer cancel()

			renderer := newProgressRenderer()
			err = engine.orch.Start(ctx, rec.ID, renderer)
			renderer.finish(err, fmt.Sprintf("%s is ready", rec.Name))
			if err != nil {
				return err
			}
			if flagJSON {
				started, err := engine.store.Get(rec.ID)
				if err != nil {
					return err
				}
				return printJSON(started)
			}
			successf("Site running at http://127.0.0.1:%d", rec.PublicPort)
			notef("Log in as admin / mooring-dev")
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a project's containers without removing data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			rec, err := engine.resolve(args[0])
			if err != nil {
				return err
			}
			renderer := newProgressRenderer()
			err = engine.orch.Stop(cmd.Context(), rec.ID, renderer)
			renderer.finish(err, fmt.Sprintf("%s stopped", rec.Name))
			if err != nil {
				return err
			}
			if flagJSON {
				stopped, err := engine.store.Get(rec.ID)
				if err != nil {
					return err
				}
				return printJSON(stopped)
			}
			return nil
		})
	},
}

// =============================================================================
// delete / duplicate
// =============================================================================

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a project: containers, volumes, files, and record",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			rec, err := engine.resolve(args[0])
			if err != nil {
				return err
			}
			if !deleteForce {
				ok, err := confirm(fmt.Sprintf(
					"Delete %q and all of its data? This cannot be undone. [y/N] ", rec.Name))
				if err != nil {
					return err
				}
				if !ok {
					notef("Aborted.")
					return nil
				}
			}

			renderer := newProgressRenderer()
			err = engine.orch.Delete(cmd.Context(), rec.ID, renderer)
			renderer.finish(err, fmt.Sprintf("%s deleted", rec.Name))
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"deleted": rec.ID})
			}
			return nil
		})
	},
}

var duplicatePort int

var duplicateCmd = &cobra.Command{
	Use:   "duplicate <name> <new-name>",
	Short: "Clone a project's site and data into a new stopped project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			rec, err := engine.resolve(args[0])
			if err != nil {
				return err
			}
			renderer := newProgressRenderer()
			clone, err := engine.orch.Duplicate(cmd.Context(), rec.ID, args[1], duplicatePort, renderer)
			renderer.finish(err, "Copy complete")
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(clone)
			}
			successf("Duplicated %s to %s on port %d", rec.Name, clone.Name, clone.PublicPort)
			notef("Start it with: mooring start %s", clone.Name)
			return nil
		})
	},
}

// =============================================================================
// logs / sync / versions
// =============================================================================

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print a bounded tail of a project's container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := engine.resolve(args[0])
		if err != nil {
			return err
		}
		logs, err := engine.orch.GetLogs(cmd.Context(), rec.ID, logsTail)
		if err != nil {
			return err
		}
		fmt.Println(logs)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile recorded statuses against running containers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.withLock(func() error {
			summary, err := engine.rec.Reconcile(cmd.Context(), true)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(summary)
			}
			if summary.Skipped {
				notef("%s", formatSyncSummary(summary))
				return nil
			}
			successf("%s", formatSyncSummary(summary))
			return nil
		})
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List supported Moodle releases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defaultTag := engine.catalog.Default().Tag
		descriptors := engine.catalog.List()
		if flagJSON {
			return printJSON(descriptors)
		}
		for _, d := range descriptors {
			marker := " "
			if d.Tag == defaultTag {
				marker = "*"
			}
			fmt.Printf("%s %-8s %s\n", marker, d.Tag, d.Name)
		}
		notef("* default")
		return nil
	},
}

// =============================================================================
// serve
// =============================================================================

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP facade for the desktop shell",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serveAddr
		if addr == "" {
			addr = engine.settings.ListenAddr
		}

		srv, err := server.NewServer(server.Config{
			Addr:         addr,
			Store:        engine.store,
			Orchestrator: engine.orch,
			Reconciler:   engine.rec,
			Catalog:      engine.catalog,
			Logger:       engine.log.With("component", "server"),
			Tracing:      engine.settings.Tracing,
		})
		if err != nil {
			return err
		}

		// Other processes (a CLI in another terminal) rewrite the store
		// file; reload it and re-reconcile so the facade never serves a
		// stale picture.
		watcher := project.NewStoreWatcher(engine.store, 0, engine.log)
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
		unsubscribe := engine.store.Subscribe(func(change project.Change) {
			engine.rec.Trigger()
		})
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

// =============================================================================
// Helpers
// =============================================================================

// confirm asks a yes/no question on the terminal. Non-interactive runs
// must pass --force instead.
func confirm(prompt string) (bool, error) {
	if !stdoutIsTTY {
		return false, fmt.Errorf("refusing to delete without a terminal; pass --force")
	}
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func init() {
	createCmd.Flags().StringVar(&createVersion, "version", "", "release tag (default: catalog default)")
	createCmd.Flags().IntVar(&createPort, "port", 0, "preferred web port")
	createCmd.Flags().IntVar(&createDBPort, "db-port", 0, "preferred database port")

	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
	duplicateCmd.Flags().IntVar(&duplicatePort, "port", 0, "preferred web port for the clone")
	logsCmd.Flags().IntVar(&logsTail, "tail", 200, "number of log lines")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: settings)")
}
