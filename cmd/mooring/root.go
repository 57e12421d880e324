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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/mooring/cmd/mooring/config"
)

var (
	flagConfig string
	flagJSON   bool
	flagQuiet  bool

	// engine is built once in the persistent pre-run and shared by all
	// commands.
	engine *app
)

var rootCmd = &cobra.Command{
	Use:   "mooring",
	Short: "Disposable local Moodle sites on Docker or Podman",
	Long: `Mooring provisions throwaway Moodle sites on your machine: each project
is a webserver and database container pair with its own source tree,
ports, and data, created and destroyed in one command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		engine, err = newApp(settings, flagQuiet)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if engine != nil {
			engine.close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "settings file (default ~/.mooring/settings.yaml)")
	pf.BoolVar(&flagJSON, "json", false, "machine-readable output")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(
		createCmd,
		listCmd,
		statusCmd,
		startCmd,
		stopCmd,
		deleteCmd,
		duplicateCmd,
		logsCmd,
		syncCmd,
		versionsCmd,
		serveCmd,
	)
}
