// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/mooring/internal/project"
)

// testRecord returns a record with the fields rendering needs.
func testRecord() *project.Record {
	return &project.Record{
		ID:         "abc-123",
		Name:       "demo",
		Version:    "4.5",
		RootPath:   "/data/projects/demo",
		PublicPort: 8080,
		DBPort:     3307,
	}
}

// testDescriptor returns a stable-release descriptor.
func testDescriptor() *VersionDescriptor {
	return &VersionDescriptor{
		Tag:        "4.5",
		ArchiveURL: "https://example.test/moodle-4.5.tgz",
		PHPImage:   "moodlehq/moodle-php-apache:8.3",
		DBImage:    "mariadb:10.11",
	}
}

// fixedPasswordRenderer returns a Renderer generating a known password.
func fixedPasswordRenderer(t *testing.T, password string) *Renderer {
	t.Helper()
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	r.passwordFn = func() (string, error) { return password, nil }
	return r
}

func TestRenderer_RenderIsValidYAML(t *testing.T) {
	r := fixedPasswordRenderer(t, "s3cretpass")

	out, err := r.Render(testRecord(), testDescriptor())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("rendered compose is not valid YAML: %v\n%s", err, out)
	}
	if _, ok := doc["services"]; !ok {
		t.Error("rendered compose has no services block")
	}
	if _, ok := doc["volumes"]; !ok {
		t.Error("rendered compose has no volumes block")
	}
}

func TestRenderer_RenderContent(t *testing.T) {
	r := fixedPasswordRenderer(t, "s3cretpass")

	out, err := r.Render(testRecord(), testDescriptor())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{
		"image: moodlehq/moodle-php-apache:8.3",
		"image: mariadb:10.11",
		`"127.0.0.1:8080:80"`,
		`"127.0.0.1:3307:3306"`,
		`MYSQL_PASSWORD: "s3cretpass"`,
		`MYSQL_ROOT_PASSWORD: "s3cretpass"`,
		`MYSQL_DATABASE: "moodle"`,
		"healthcheck.sh",
		"./moodle:/var/www/html",
		"moodledata:/var/www/moodledata",
		"dbdata:/var/lib/mysql",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered compose missing %q:\n%s", want, out)
		}
	}

	// Stable releases serve the tree root.
	if strings.Contains(out, "sed -ri") {
		t.Error("stable release should not rewrite the document root")
	}
}

func TestRenderer_RenderDocRootOverride(t *testing.T) {
	r := fixedPasswordRenderer(t, "s3cretpass")
	desc := testDescriptor()
	desc.DocRoot = "public"

	out, err := r.Render(testRecord(), desc)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "/var/www/html/public") {
		t.Errorf("docRoot override missing from rendered compose:\n%s", out)
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("rendered compose with docRoot is not valid YAML: %v\n%s", err, out)
	}
}

func TestRenderer_RenderNilInputs(t *testing.T) {
	r := fixedPasswordRenderer(t, "x")
	if _, err := r.Render(nil, testDescriptor()); err == nil {
		t.Error("Render(nil record) should fail")
	}
	if _, err := r.Render(testRecord(), nil); err == nil {
		t.Error("Render(nil descriptor) should fail")
	}
}

func TestDBPassword_RoundTrip(t *testing.T) {
	out, err := RenderRuntimeConfig(testRecord(), testDescriptor())
	if err != nil {
		t.Fatalf("RenderRuntimeConfig() error = %v", err)
	}

	password, err := DBPassword([]byte(out))
	if err != nil {
		t.Fatalf("DBPassword() error = %v", err)
	}
	if len(password) != passwordLength {
		t.Errorf("read-back password length = %d, want %d", len(password), passwordLength)
	}
	if !regexp.MustCompile(`^[a-zA-Z0-9]+$`).MatchString(password) {
		t.Errorf("read-back password %q has characters outside the alphabet", password)
	}
}

func TestDBPassword_ListFormEnvironment(t *testing.T) {
	compose := `
services:
  db:
    image: mariadb:10.11
    environment:
      - MYSQL_DATABASE=moodle
      - MYSQL_PASSWORD=fromlist
`
	password, err := DBPassword([]byte(compose))
	if err != nil {
		t.Fatalf("DBPassword() error = %v", err)
	}
	if password != "fromlist" {
		t.Errorf("DBPassword() = %q, want fromlist", password)
	}
}

func TestDBPassword_Failures(t *testing.T) {
	tests := []struct {
		name    string
		compose string
		wantErr error
	}{
		{
			name:    "no db service",
			compose: "services:\n  webserver:\n    image: x\n",
			wantErr: ErrPasswordNotFound,
		},
		{
			name:    "no password entry",
			compose: "services:\n  db:\n    environment:\n      MYSQL_DATABASE: moodle\n",
			wantErr: ErrPasswordNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DBPassword([]byte(tt.compose)); !errors.Is(err, tt.wantErr) {
				t.Errorf("DBPassword() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := DBPassword([]byte("{not yaml")); err == nil {
		t.Error("DBPassword() on invalid YAML should fail")
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		p, err := GeneratePassword()
		if err != nil {
			t.Fatalf("GeneratePassword() error = %v", err)
		}
		if len(p) != passwordLength {
			t.Errorf("password length = %d, want %d", len(p), passwordLength)
		}
		for _, c := range p {
			if !strings.ContainsRune(passwordAlphabet, c) {
				t.Errorf("password contains %q outside the alphabet", c)
			}
		}
		if seen[p] {
			t.Errorf("password %q repeated", p)
		}
		seen[p] = true
	}
}
