// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package installer performs the in-container installation sequence
// that turns a freshly provisioned project into a working site.
//
// Every step is a command executed inside one of the project's
// containers through the compose client: reset the database, fix data
// permissions, materialize config.php, optionally run composer, run
// the product's CLI installer, and apply best-effort post-install
// adjustments. The database password is never tracked independently;
// it is read back out of the project's rendered compose.yaml.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/util"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrNilDependency indicates the installer was built without a
	// required collaborator.
	ErrNilDependency = errors.New("installer dependency is nil")

	// ErrConfigUnreadable indicates the project's rendered compose file
	// could not be read, so the database password cannot be recovered.
	ErrConfigUnreadable = errors.New("runtime configuration unreadable")
)

// =============================================================================
// Supporting Types
// =============================================================================

// Default site identity for disposable local instances. The password
// survives the relaxed policy applied post-install.
const (
	adminUser     = "admin"
	adminPassword = "mooring-dev"
	adminEmail    = "admin@example.invalid"
	siteFullName  = "Mooring local site"
)

// notInstalledSignatures mark a database probe that failed because the
// schema has never been installed, which is an answer, not an error.
var notInstalledSignatures = []string{
	"doesn't exist",
	"does not exist",
	"no such table",
	"unknown database",
}

// StepFunc is one named installation step.
type StepFunc func(ctx context.Context) error

// =============================================================================
// Interface Definition
//
// =============================================================================

// Installer drives the in-container installation for one project.
//
// # Description
//
// Install assumes the container group is up and the database service is
// healthy; the lifecycle layer guarantees both before calling. Installed
// answers the idempotence question that lets a restarted pipeline skip
// completed work.
type Installer interface {
	// Installed reports whether the product's schema already exists.
	//
	// A probe failing because the marker table or database is missing
	// returns (false, nil): absence is the expected first-run answer.
	Installed(ctx context.Context) (bool, error)

	// Install runs the full installation sequence.
	Install(ctx context.Context) error
}

// =============================================================================
// Default Implementation
// =============================================================================

// Config wires a DefaultInstaller to one project.
type Config struct {
	// Record is the project being installed. Required.
	Record *project.Record

	// Descriptor supplies version-specific install flags. Required.
	Descriptor *catalog.VersionDescriptor

	// Client executes in-container commands for the project. Required.
	Client compose.Client

	// Events receives per-step progress. Nil discards.
	Events project.EventSink

	// Logger for step outcomes. Nil uses the package default.
	Logger *logging.Logger

	// InstallTimeout bounds the product's own CLI installer, which
	// builds a large schema. Zero uses the 20 minute default.
	InstallTimeout time.Duration
}

// DefaultInstaller implements Installer against a compose client.
type DefaultInstaller struct {
	rec    *project.Record
	desc   *catalog.VersionDescriptor
	client compose.Client
	events project.EventSink
	log    *logging.Logger

	installTimeout time.Duration

	// readConfig loads the rendered compose file, replaceable in tests.
	readConfig func() ([]byte, error)
}

// Interface compliance check.
var _ Installer = (*DefaultInstaller)(nil)

// New creates a DefaultInstaller.
//
// # Outputs
//
//   - *DefaultInstaller: Ready to run
//   - error: ErrNilDependency when a required collaborator is missing
func New(cfg Config) (*DefaultInstaller, error) {
	if cfg.Record == nil {
		return nil, fmt.Errorf("%w: record", ErrNilDependency)
	}
	if cfg.Descriptor == nil {
		return nil, fmt.Errorf("%w: version descriptor", ErrNilDependency)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: compose client", ErrNilDependency)
	}
	if cfg.Events == nil {
		cfg.Events = project.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	timeout := util.EnforceDefaultTimeout(cfg.InstallTimeout, util.DefaultInstallTimeout)

	configPath := filepath.Join(cfg.Record.RootPath, catalog.RuntimeConfigFile)
	return &DefaultInstaller{
		rec:            cfg.Record,
		desc:           cfg.Descriptor,
		client:         cfg.Client,
		events:         cfg.Events,
		log:            cfg.Logger.With("project", cfg.Record.Name),
		installTimeout: timeout,
		readConfig:     func() ([]byte, error) { return os.ReadFile(configPath) },
	}, nil
}

// =============================================================================
// Interface Implementation
// =============================================================================

// Installed probes for the product's configuration table.
func (in *DefaultInstaller) Installed(ctx context.Context) (bool, error) {
	password, err := in.dbPassword()
	if err != nil {
		return false, err
	}

	_, err = in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.DBService,
		Command: mysqlCommand(password),
		Input:   []byte(fmt.Sprintf("SELECT 1 FROM %s.mdl_config LIMIT 1;", catalog.DBName)),
	})
	if err == nil {
		return true, nil
	}
	if isNotInstalled(err) {
		return false, nil
	}
	return false, fmt.Errorf("probe installed state: %w", err)
}

// Install runs the installation sequence.
//
// # Description
//
// Steps run strictly in order; the first failure aborts and surfaces.
// The two post-install adjustments are best-effort: their failures are
// logged as warnings and never fail the install.
func (in *DefaultInstaller) Install(ctx context.Context) error {
	password, err := in.dbPassword()
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		run  StepFunc
	}{
		{"reset database", func(ctx context.Context) error { return in.resetDatabase(ctx, password) }},
		{"fix data permissions", in.fixPermissions},
		{"write config.php", func(ctx context.Context) error { return in.writeConfigPHP(password) }},
		{"install dependencies", in.composerInstall},
		{"install database schema", in.installSchema},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.emit(fmt.Sprintf("Installing: %s", step.name))
		started := time.Now()
		if err := step.run(ctx); err != nil {
			in.log.Error("install step failed", "step", step.name, "error", err)
			return fmt.Errorf("install step %q: %w", step.name, err)
		}
		in.log.Info("install step complete", "step", step.name,
			"duration", time.Since(started).Round(time.Millisecond))
	}

	// Best-effort adjustments. A broken password policy or missing
	// sample content makes a worse dev site, not a failed install.
	for _, adj := range []struct {
		name string
		run  StepFunc
	}{
		{"relax password policy", func(ctx context.Context) error { return in.relaxPasswordPolicy(ctx, password) }},
		{"purge caches", in.purgeCaches},
	} {
		if err := adj.run(ctx); err != nil {
			in.log.Warn("post-install adjustment failed", "step", adj.name, "error", err)
			in.events.Emit(project.Event{
				Phase:   "install",
				Level:   project.LevelWarn,
				Message: fmt.Sprintf("Skipped %s: %v", adj.name, err),
			})
		}
	}

	in.emit("Installation complete")
	return nil
}

// =============================================================================
// Installation Steps
// =============================================================================

// resetDatabase drops and recreates the application database so the
// installer always starts from a known-empty schema.
func (in *DefaultInstaller) resetDatabase(ctx context.Context, password string) error {
	sql := fmt.Sprintf(
		"DROP DATABASE IF EXISTS %[1]s; "+
			"CREATE DATABASE %[1]s DEFAULT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci; "+
			"GRANT ALL PRIVILEGES ON %[1]s.* TO '%[2]s'@'%%';",
		catalog.DBName, catalog.DBUser)

	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.DBService,
		Command: mysqlCommand(password),
		Input:   []byte(sql),
	})
	return err
}

// fixPermissions hands the data directory to the webserver user. The
// named volume is created root-owned; Apache writes as www-data.
func (in *DefaultInstaller) fixPermissions(ctx context.Context) error {
	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.WebService,
		User:    "root",
		Command: []string{"chown", "-R", "www-data:www-data", "/var/www/moodledata"},
	})
	return err
}

// writeConfigPHP materializes the application configuration on the
// host side of the source bind mount.
func (in *DefaultInstaller) writeConfigPHP(password string) error {
	content := renderConfigPHP(configData{
		DBHost:     catalog.DBService,
		DBName:     catalog.DBName,
		DBUser:     catalog.DBUser,
		DBPassword: password,
		WWWRoot:    fmt.Sprintf("http://127.0.0.1:%d", in.rec.PublicPort),
		DocRoot:    in.desc.DocRoot,
	})

	path := filepath.Join(in.rec.RootPath, catalog.SourceDirName, "config.php")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// composerInstall runs the dependency-manager step for releases that
// ship without vendored dependencies.
func (in *DefaultInstaller) composerInstall(ctx context.Context) error {
	if !in.desc.RequiresComposer {
		return nil
	}
	in.emit("Installing PHP dependencies (composer)")
	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.WebService,
		WorkDir: "/var/www/html",
		Command: []string{"composer", "install", "--no-interaction", "--no-progress"},
		Env:     map[string]string{"COMPOSER_ALLOW_SUPERUSER": "1"},
		Timeout: in.installTimeout,
	})
	return err
}

// installSchema runs the product's own CLI installer. Large schemas
// take many minutes, hence the dedicated generous timeout.
func (in *DefaultInstaller) installSchema(ctx context.Context) error {
	in.emit("Building database schema (this can take several minutes)")
	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.WebService,
		User:    "www-data",
		WorkDir: "/var/www/html",
		Command: []string{
			"php", "admin/cli/install_database.php",
			"--agree-license",
			"--fullname=" + siteFullName,
			"--shortname=" + in.rec.Name,
			"--adminuser=" + adminUser,
			"--adminpass=" + adminPassword,
			"--adminemail=" + adminEmail,
		},
		Timeout: in.installTimeout,
	})
	return err
}

// relaxPasswordPolicy disables the password policy so throwaway dev
// accounts are not forced through complexity rules.
func (in *DefaultInstaller) relaxPasswordPolicy(ctx context.Context, password string) error {
	sql := fmt.Sprintf(
		"UPDATE %s.mdl_config SET value = '0' WHERE name = 'passwordpolicy';",
		catalog.DBName)
	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.DBService,
		Command: mysqlCommand(password),
		Input:   []byte(sql),
	})
	return err
}

// purgeCaches clears application caches so the first page load reflects
// the freshly written configuration.
func (in *DefaultInstaller) purgeCaches(ctx context.Context) error {
	_, err := in.client.ExecIn(ctx, compose.ExecOptions{
		Service: catalog.WebService,
		User:    "www-data",
		WorkDir: "/var/www/html",
		Command: []string{"php", "admin/cli/purge_caches.php"},
	})
	return err
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// dbPassword recovers the database password from the rendered compose
// file, the only place it lives.
func (in *DefaultInstaller) dbPassword() (string, error) {
	content, err := in.readConfig()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigUnreadable, err)
	}
	password, err := catalog.DBPassword(content)
	if err != nil {
		return "", err
	}
	return password, nil
}

// emit sends an info event for the current phase.
func (in *DefaultInstaller) emit(msg string) {
	in.events.Emit(project.Event{Phase: "install", Level: project.LevelInfo, Message: msg})
}

// =============================================================================
// Utility Functions
// =============================================================================

// mysqlCommand builds the database client invocation. SQL arrives on
// stdin so statements never appear in process listings.
func mysqlCommand(password string) []string {
	return []string{"mysql", "-uroot", "-p" + password}
}

// isNotInstalled reports whether a probe error means the schema is
// simply absent.
func isNotInstalled(err error) bool {
	text := strings.ToLower(err.Error())
	if stderr := util.ExtractStderr(err); stderr != "" {
		text += " " + strings.ToLower(stderr)
	}
	var cerr *compose.ClassifiedError
	if errors.As(err, &cerr) {
		text += " " + strings.ToLower(cerr.Stderr)
	}
	for _, sig := range notInstalledSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// configData feeds the config.php template.
type configData struct {
	DBHost     string
	DBName     string
	DBUser     string
	DBPassword string
	WWWRoot    string
	DocRoot    string
}

// renderConfigPHP produces the application configuration file.
//
// Kept as plain string assembly: the file is short, PHP, and has no
// loops or conditionals beyond the docroot line.
func renderConfigPHP(d configData) string {
	var b strings.Builder
	b.WriteString("<?php  // Generated by mooring. Local development instance.\n\n")
	b.WriteString("unset($CFG);\nglobal $CFG;\n$CFG = new stdClass();\n\n")
	b.WriteString("$CFG->dbtype    = 'mariadb';\n")
	b.WriteString("$CFG->dblibrary = 'native';\n")
	fmt.Fprintf(&b, "$CFG->dbhost    = '%s';\n", d.DBHost)
	fmt.Fprintf(&b, "$CFG->dbname    = '%s';\n", d.DBName)
	fmt.Fprintf(&b, "$CFG->dbuser    = '%s';\n", d.DBUser)
	fmt.Fprintf(&b, "$CFG->dbpass    = '%s';\n", d.DBPassword)
	b.WriteString("$CFG->prefix    = 'mdl_';\n")
	b.WriteString("$CFG->dboptions = array('dbpersist' => 0, 'dbport' => 3306, 'dbcollation' => 'utf8mb4_unicode_ci');\n\n")
	fmt.Fprintf(&b, "$CFG->wwwroot   = '%s';\n", d.WWWRoot)
	b.WriteString("$CFG->dataroot  = '/var/www/moodledata';\n")
	b.WriteString("$CFG->admin     = 'admin';\n")
	b.WriteString("$CFG->directorypermissions = 0777;\n")
	if d.DocRoot != "" {
		// Releases served from a subdirectory docroot need routing told so.
		b.WriteString("$CFG->routerconfigured = true;\n")
	}
	b.WriteString("\nrequire_once(__DIR__ . '/lib/setup.php');\n")
	return b.String()
}
