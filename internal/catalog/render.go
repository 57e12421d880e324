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
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/mooring/internal/project"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrPasswordNotFound indicates a compose file has no database
	// password to read back.
	ErrPasswordNotFound = errors.New("database password not found in runtime configuration")
)

// =============================================================================
// Compose Template
// =============================================================================

// composeTemplate renders a project's compose.yaml.
//
// The webserver depends on the database for start order only. Health
// gating happens in the lifecycle layer so the waiting phase stays
// observable; a healthy-condition dependency would hide it inside up.
const composeTemplate = `services:
  {{ .WebService }}:
    image: {{ .PHPImage }}
    depends_on:
      - {{ .DBService }}
    volumes:
      - "./{{ .SourceDir }}:/var/www/html"
      - "moodledata:/var/www/moodledata"
    ports:
      - "127.0.0.1:{{ .PublicPort }}:80"
{{- if .DocRoot }}
    command: >
      bash -c "sed -ri 's!/var/www/html!/var/www/html/{{ .DocRoot }}!g'
      /etc/apache2/sites-available/000-default.conf && apache2-foreground"
{{- end }}
  {{ .DBService }}:
    image: {{ .DBImage }}
    command: --character-set-server=utf8mb4 --collation-server=utf8mb4_unicode_ci
    environment:
      MYSQL_ROOT_PASSWORD: "{{ .DBPassword }}"
      MYSQL_DATABASE: "{{ .DBName }}"
      MYSQL_USER: "{{ .DBUser }}"
      MYSQL_PASSWORD: "{{ .DBPassword }}"
    healthcheck:
      test: ["CMD", "healthcheck.sh", "--connect", "--innodb_initialized"]
      interval: 5s
      timeout: 5s
      retries: 12
      start_period: 10s
    ports:
      - "127.0.0.1:{{ .DBPort }}:3306"
    volumes:
      - "dbdata:/var/lib/mysql"
volumes:
  moodledata:
  dbdata:
`

// composeData is the template input.
type composeData struct {
	WebService string
	DBService  string
	PHPImage   string
	DBImage    string
	SourceDir  string
	DocRoot    string
	PublicPort int
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
}

// =============================================================================
// Renderer
// =============================================================================

// Renderer produces per-project runtime configuration files.
//
// # Description
//
// Render combines a project record with a version descriptor into the
// project's compose.yaml. The database password is generated here and
// lives only in the rendered file; DBPassword reads it back when the
// installer needs it.
//
// # Thread Safety
//
// Renderer is safe for concurrent use.
type Renderer struct {
	tmpl *template.Template

	// passwordFn generates database passwords, replaceable in tests.
	passwordFn func() (string, error)
}

// NewRenderer creates a Renderer, parsing the compose template.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("compose").Parse(composeTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse compose template: %w", err)
	}
	return &Renderer{
		tmpl:       tmpl,
		passwordFn: GeneratePassword,
	}, nil
}

// Render produces the compose.yaml content for a record and descriptor.
//
// # Inputs
//
//   - rec: The project supplying name, ports, and paths
//   - desc: The release supplying images and install flags
//
// # Outputs
//
//   - string: The compose.yaml content, ready to write to the project root
//   - error: Non-nil on password generation or template failure
func (r *Renderer) Render(rec *project.Record, desc *VersionDescriptor) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record is nil")
	}
	if desc == nil {
		return "", fmt.Errorf("version descriptor is nil")
	}

	password, err := r.passwordFn()
	if err != nil {
		return "", fmt.Errorf("generate database password: %w", err)
	}
	return r.render(rec, desc, password)
}

// RenderPreserving renders with a caller-supplied database password
// instead of generating one.
//
// # Description
//
// Rewriting a project's runtime configuration in place (a port change,
// a recovered file) must not rotate the password: the old one is baked
// into the database volume and into config.php, and a fresh one would
// lock the site out of its own data.
func (r *Renderer) RenderPreserving(rec *project.Record, desc *VersionDescriptor, password string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record is nil")
	}
	if desc == nil {
		return "", fmt.Errorf("version descriptor is nil")
	}
	if password == "" {
		return "", fmt.Errorf("%w: empty password", ErrPasswordNotFound)
	}
	return r.render(rec, desc, password)
}

func (r *Renderer) render(rec *project.Record, desc *VersionDescriptor, password string) (string, error) {
	data := composeData{
		WebService: WebService,
		DBService:  DBService,
		PHPImage:   desc.PHPImage,
		DBImage:    desc.DBImage,
		SourceDir:  SourceDirName,
		DocRoot:    desc.DocRoot,
		PublicPort: rec.PublicPort,
		DBPort:     rec.DBPort,
		DBName:     DBName,
		DBUser:     DBUser,
		DBPassword: password,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render compose template: %w", err)
	}
	return buf.String(), nil
}

var (
	defaultRenderer     *Renderer
	defaultRendererErr  error
	defaultRendererOnce sync.Once
)

// RenderRuntimeConfig renders with a shared default Renderer.
func RenderRuntimeConfig(rec *project.Record, desc *VersionDescriptor) (string, error) {
	defaultRendererOnce.Do(func() {
		defaultRenderer, defaultRendererErr = NewRenderer()
	})
	if defaultRendererErr != nil {
		return "", defaultRendererErr
	}
	return defaultRenderer.Render(rec, desc)
}

// =============================================================================
// Password Handling
// =============================================================================

// passwordAlphabet avoids shell and YAML metacharacters.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// passwordLength is the generated password size.
const passwordLength = 24

// GeneratePassword returns a random alphanumeric database password.
func GeneratePassword() (string, error) {
	var b strings.Builder
	b.Grow(passwordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < passwordLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// envMap decodes a compose environment block in either mapping or
// KEY=VALUE list form.
type envMap map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *envMap) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		raw := map[string]string{}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*m = raw
		return nil
	case yaml.SequenceNode:
		var entries []string
		if err := value.Decode(&entries); err != nil {
			return err
		}
		out := map[string]string{}
		for _, e := range entries {
			key, val, found := strings.Cut(e, "=")
			if !found {
				continue
			}
			out[key] = val
		}
		*m = out
		return nil
	default:
		return fmt.Errorf("unsupported environment block (yaml kind %d)", value.Kind)
	}
}

// composeDoc is the subset of a compose file the read-back needs.
type composeDoc struct {
	Services map[string]struct {
		Environment envMap `yaml:"environment"`
	} `yaml:"services"`
}

// DBPassword reads the database password back out of rendered compose
// content.
//
// # Description
//
// The password is never tracked outside the rendered file, so everything
// that needs it (the installer's database reset, config.php generation)
// recovers it from here.
//
// # Outputs
//
//   - string: The MYSQL_PASSWORD value of the database service
//   - error: ErrPasswordNotFound when the file has no database service
//     or no password entry; a parse error when it is not valid YAML
func DBPassword(composeContent []byte) (string, error) {
	var doc composeDoc
	if err := yaml.Unmarshal(composeContent, &doc); err != nil {
		return "", fmt.Errorf("parse runtime configuration: %w", err)
	}

	svc, ok := doc.Services[DBService]
	if !ok {
		return "", fmt.Errorf("%w: no %q service", ErrPasswordNotFound, DBService)
	}
	password, ok := svc.Environment["MYSQL_PASSWORD"]
	if !ok || password == "" {
		return "", fmt.Errorf("%w: no MYSQL_PASSWORD entry", ErrPasswordNotFound)
	}
	return password, nil
}
