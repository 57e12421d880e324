// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/compose"
	"github.com/AleutianAI/mooring/internal/project"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// fakeClient records ExecIn calls and answers from a script.
type fakeClient struct {
	calls    []compose.ExecOptions
	execFunc func(opts compose.ExecOptions) (*compose.ExecResult, error)
}

func (f *fakeClient) Up(ctx context.Context, opts compose.UpOptions) (*compose.Result, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Stop(ctx context.Context, opts compose.StopOptions) (*compose.Result, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Down(ctx context.Context, opts compose.DownOptions) (*compose.Result, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Logs(ctx context.Context, opts compose.LogsOptions, w io.Writer) error {
	return errors.New("not implemented")
}
func (f *fakeClient) Status(ctx context.Context) (*compose.Status, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ExecIn(ctx context.Context, opts compose.ExecOptions) (*compose.ExecResult, error) {
	f.calls = append(f.calls, opts)
	if f.execFunc == nil {
		return &compose.ExecResult{}, nil
	}
	return f.execFunc(opts)
}
func (f *fakeClient) ProjectName() string { return "mooring-test" }

const testComposeContent = `services:
  db:
    environment:
      MYSQL_PASSWORD: "sekrit42"
`

func testInstaller(t *testing.T, client *fakeClient, desc *catalog.VersionDescriptor) *DefaultInstaller {
	t.Helper()
	if desc == nil {
		desc = &catalog.VersionDescriptor{
			Tag: "5.0", ArchiveURL: "https://example.invalid/m.tgz",
			PHPImage: "php:8", DBImage: "mariadb:11",
		}
	}
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, catalog.SourceDirName), 0o755); err != nil {
		t.Fatalf("create source dir: %v", err)
	}
	rec := &project.Record{
		ID: "id-1", Name: "demo", Version: desc.Tag,
		RootPath: root, PublicPort: 8080, DBPort: 3307,
		Status: project.StatusInstalling,
	}
	in, err := New(Config{
		Record:     rec,
		Descriptor: desc,
		Client:     client,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	in.readConfig = func() ([]byte, error) { return []byte(testComposeContent), nil }
	return in
}

// callTo returns the first recorded call whose command contains want.
func callTo(calls []compose.ExecOptions, want string) *compose.ExecOptions {
	for i := range calls {
		joined := strings.Join(calls[i].Command, " ") + " " + string(calls[i].Input)
		if strings.Contains(joined, want) {
			return &calls[i]
		}
	}
	return nil
}

// =============================================================================
// Installed Tests
// =============================================================================

func TestInstalled_TablePresent(t *testing.T) {
	client := &fakeClient{}
	in := testInstaller(t, client, nil)

	installed, err := in.Installed(context.Background())
	if err != nil {
		t.Fatalf("Installed() error = %v", err)
	}
	if !installed {
		t.Error("Installed() = false, want true")
	}

	call := callTo(client.calls, "mdl_config")
	if call == nil {
		t.Fatal("no probe against mdl_config issued")
	}
	if call.Service != catalog.DBService {
		t.Errorf("probe service = %q, want %q", call.Service, catalog.DBService)
	}
	if !strings.Contains(strings.Join(call.Command, " "), "sekrit42") {
		t.Error("probe did not use the password read back from the compose file")
	}
}

func TestInstalled_MissingTableIsNotAnError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
	}{
		{"mariadb table missing", "ERROR 1146 (42S02): Table 'moodle.mdl_config' doesn't exist"},
		{"database missing", "ERROR 1049 (42000): Unknown database 'moodle'"},
		{"sqlite style", "no such table: mdl_config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{
				execFunc: func(opts compose.ExecOptions) (*compose.ExecResult, error) {
					return nil, fmt.Errorf("exec failed: %s", tt.stderr)
				},
			}
			in := testInstaller(t, client, nil)

			installed, err := in.Installed(context.Background())
			if err != nil {
				t.Fatalf("Installed() error = %v, want nil", err)
			}
			if installed {
				t.Error("Installed() = true, want false")
			}
		})
	}
}

func TestInstalled_OtherFailuresSurface(t *testing.T) {
	client := &fakeClient{
		execFunc: func(opts compose.ExecOptions) (*compose.ExecResult, error) {
			return nil, errors.New("ERROR 2002: can't connect to server")
		},
	}
	in := testInstaller(t, client, nil)

	if _, err := in.Installed(context.Background()); err == nil {
		t.Fatal("Installed() error = nil, want connection failure")
	}
}

func TestInstalled_ConfigUnreadable(t *testing.T) {
	in := testInstaller(t, &fakeClient{}, nil)
	in.readConfig = func() ([]byte, error) { return nil, errors.New("gone") }

	_, err := in.Installed(context.Background())
	if !errors.Is(err, ErrConfigUnreadable) {
		t.Fatalf("Installed() error = %v, want ErrConfigUnreadable", err)
	}
}

// =============================================================================
// Install Tests
// =============================================================================

func TestInstall_RunsStepsInOrder(t *testing.T) {
	client := &fakeClient{}
	in := testInstaller(t, client, nil)

	if err := in.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	wantOrder := []string{
		"DROP DATABASE",
		"chown",
		"install_database.php",
	}
	pos := -1
	for _, marker := range wantOrder {
		found := -1
		for i := range client.calls {
			joined := strings.Join(client.calls[i].Command, " ") + " " + string(client.calls[i].Input)
			if strings.Contains(joined, marker) {
				found = i
				break
			}
		}
		if found < 0 {
			t.Fatalf("step %q never executed", marker)
		}
		if found <= pos {
			t.Errorf("step %q ran at %d, out of order", marker, found)
		}
		pos = found
	}

	if callTo(client.calls, "composer install") != nil {
		t.Error("composer ran without the descriptor requiring it")
	}
}

func TestInstall_ComposerWhenDescriptorRequires(t *testing.T) {
	client := &fakeClient{}
	desc := &catalog.VersionDescriptor{
		Tag: "5.1", ArchiveURL: "https://example.invalid/m.tgz",
		PHPImage: "php:8", DBImage: "mariadb:11",
		RequiresComposer: true,
	}
	in := testInstaller(t, client, desc)

	if err := in.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if callTo(client.calls, "composer install") == nil {
		t.Error("composer step missing despite RequiresComposer")
	}
}

func TestInstall_SchemaStepGetsGenerousTimeout(t *testing.T) {
	client := &fakeClient{}
	in := testInstaller(t, client, nil)

	if err := in.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	call := callTo(client.calls, "install_database.php")
	if call == nil {
		t.Fatal("schema step never executed")
	}
	if call.Timeout != in.installTimeout {
		t.Errorf("schema timeout = %v, want %v", call.Timeout, in.installTimeout)
	}
}

func TestInstall_StepFailureAborts(t *testing.T) {
	client := &fakeClient{
		execFunc: func(opts compose.ExecOptions) (*compose.ExecResult, error) {
			if strings.Contains(string(opts.Input), "DROP DATABASE") {
				return nil, errors.New("access denied")
			}
			return &compose.ExecResult{}, nil
		},
	}
	in := testInstaller(t, client, nil)

	err := in.Install(context.Background())
	if err == nil {
		t.Fatal("Install() error = nil, want reset failure")
	}
	if !strings.Contains(err.Error(), "reset database") {
		t.Errorf("error %q does not name the failed step", err)
	}
	if callTo(client.calls, "install_database.php") != nil {
		t.Error("later steps ran after an earlier step failed")
	}
}

func TestInstall_PostInstallFailuresAreWarnings(t *testing.T) {
	var warned []project.Event
	client := &fakeClient{
		execFunc: func(opts compose.ExecOptions) (*compose.ExecResult, error) {
			if strings.Contains(string(opts.Input), "passwordpolicy") ||
				strings.Contains(strings.Join(opts.Command, " "), "purge_caches") {
				return nil, errors.New("transient hiccup")
			}
			return &compose.ExecResult{}, nil
		},
	}
	in := testInstaller(t, client, nil)
	in.events = project.SinkFunc(func(ev project.Event) {
		if ev.Level == project.LevelWarn {
			warned = append(warned, ev)
		}
	})

	if err := in.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v, best-effort steps must not fail it", err)
	}
	if len(warned) != 2 {
		t.Errorf("warning events = %d, want 2", len(warned))
	}
}

func TestInstall_WritesConfigPHP(t *testing.T) {
	client := &fakeClient{}
	in := testInstaller(t, client, nil)

	if err := in.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(in.rec.RootPath, catalog.SourceDirName, "config.php"))
	if err != nil {
		t.Fatalf("config.php not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{"sekrit42", "http://127.0.0.1:8080", "mariadb", "setup.php"} {
		if !strings.Contains(content, want) {
			t.Errorf("config.php missing %q", want)
		}
	}
}
