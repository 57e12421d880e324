// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog supplies version descriptors and renders per-project
// runtime configuration.
//
// The release catalog is a YAML document embedded at build time listing
// every Moodle version mooring can provision: where to download it and
// which container images it runs on. Renderer turns a descriptor plus a
// project record into the project's compose.yaml, generating the
// database password that the installer later reads back out of the
// rendered file.
package catalog

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrVersionUnknown indicates the requested tag is not in the catalog.
	ErrVersionUnknown = errors.New("unknown version tag")

	// ErrCatalogInvalid indicates the embedded catalog failed to parse or
	// violates a structural constraint.
	ErrCatalogInvalid = errors.New("invalid release catalog")
)

// =============================================================================
// Supporting Types
// =============================================================================

// Well-known names shared by the renderer, installer, and lifecycle.
const (
	// WebService is the compose service name of the webserver container.
	WebService = "webserver"

	// DBService is the compose service name of the database container.
	DBService = "db"

	// DBName is the application database created for every project.
	DBName = "moodle"

	// DBUser is the application database user.
	DBUser = "moodle"

	// SourceDirName is the directory under a project's root that holds
	// the unpacked application source.
	SourceDirName = "moodle"

	// MarkerFile sits at the root of a valid unpacked source tree.
	MarkerFile = "version.php"

	// RuntimeConfigFile is the compose file name written to a project's
	// root directory.
	RuntimeConfigFile = "compose.yaml"
)

// VersionDescriptor describes one installable release.
//
// # Description
//
// Read-only reference data: consumers look descriptors up by tag and
// never mutate them. The optional fields alter install behavior for the
// versions that need it.
type VersionDescriptor struct {
	// Tag is the catalog key users select versions by.
	Tag string `yaml:"tag"`

	// Name is the human-readable release label.
	Name string `yaml:"name"`

	// ArchiveURL is where the source tarball downloads from.
	ArchiveURL string `yaml:"archiveUrl"`

	// PHPImage is the webserver container image.
	PHPImage string `yaml:"phpImage"`

	// DBImage is the database container image.
	DBImage string `yaml:"dbImage"`

	// DocRoot, when set, is the subdirectory of the source tree the
	// webserver serves instead of the tree root.
	DocRoot string `yaml:"docRoot,omitempty"`

	// RequiresComposer marks releases distributed without vendored
	// dependencies, which need a dependency-manager step before install.
	RequiresComposer bool `yaml:"requiresComposer,omitempty"`
}

// Validate checks the descriptor is usable.
func (d *VersionDescriptor) Validate() error {
	if d.Tag == "" {
		return fmt.Errorf("%w: descriptor without tag", ErrCatalogInvalid)
	}
	if d.ArchiveURL == "" {
		return fmt.Errorf("%w: version %q has no archive URL", ErrCatalogInvalid, d.Tag)
	}
	if d.PHPImage == "" {
		return fmt.Errorf("%w: version %q has no PHP image", ErrCatalogInvalid, d.Tag)
	}
	if d.DBImage == "" {
		return fmt.Errorf("%w: version %q has no database image", ErrCatalogInvalid, d.Tag)
	}
	return nil
}

// catalogFile is the YAML envelope of the embedded catalog.
type catalogFile struct {
	Default  string              `yaml:"default"`
	Versions []VersionDescriptor `yaml:"versions"`
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog is the parsed, indexed release list.
//
// # Thread Safety
//
// Immutable after Load; safe for concurrent use.
type Catalog struct {
	defaultTag string
	versions   []VersionDescriptor
	byTag      map[string]*VersionDescriptor
}

// Load parses the embedded release catalog.
//
// # Outputs
//
//   - *Catalog: The indexed catalog
//   - error: ErrCatalogInvalid if the embedded data is malformed. Only
//     happens when a bad catalog ships, so callers may treat it as fatal.
func Load() (*Catalog, error) {
	return parse(embeddedVersions)
}

// parse builds a catalog from raw YAML. Split from Load for tests.
func parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogInvalid, err)
	}
	if len(file.Versions) == 0 {
		return nil, fmt.Errorf("%w: no versions listed", ErrCatalogInvalid)
	}

	c := &Catalog{
		defaultTag: file.Default,
		versions:   file.Versions,
		byTag:      make(map[string]*VersionDescriptor, len(file.Versions)),
	}
	for i := range c.versions {
		d := &c.versions[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byTag[d.Tag]; dup {
			return nil, fmt.Errorf("%w: duplicate tag %q", ErrCatalogInvalid, d.Tag)
		}
		c.byTag[d.Tag] = d
	}

	if c.defaultTag == "" {
		c.defaultTag = c.versions[0].Tag
	}
	if _, ok := c.byTag[c.defaultTag]; !ok {
		return nil, fmt.Errorf("%w: default tag %q not in version list",
			ErrCatalogInvalid, c.defaultTag)
	}
	return c, nil
}

// Get returns the descriptor for a tag.
//
// # Outputs
//
//   - *VersionDescriptor: The matching descriptor, not to be mutated
//   - error: ErrVersionUnknown with the known tags listed
func (c *Catalog) Get(tag string) (*VersionDescriptor, error) {
	d, ok := c.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrVersionUnknown, tag, c.tagList())
	}
	return d, nil
}

// Default returns the descriptor new projects get when no tag is given.
func (c *Catalog) Default() *VersionDescriptor {
	return c.byTag[c.defaultTag]
}

// List returns all descriptors in catalog order.
func (c *Catalog) List() []VersionDescriptor {
	out := make([]VersionDescriptor, len(c.versions))
	copy(out, c.versions)
	return out
}

// tagList renders the known tags for error messages.
func (c *Catalog) tagList() string {
	s := ""
	for i, d := range c.versions {
		if i > 0 {
			s += ", "
		}
		s += d.Tag
	}
	return s
}
