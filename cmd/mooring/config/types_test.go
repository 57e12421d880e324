// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.Runtime != "docker" {
		t.Errorf("Runtime = %q, want docker", s.Runtime)
	}
	if !strings.HasPrefix(s.ListenAddr, "127.0.0.1:") {
		t.Errorf("ListenAddr = %q, want loopback", s.ListenAddr)
	}
	if filepath.Base(s.Home) != ".mooring" {
		t.Errorf("Home = %q, want a .mooring directory", s.Home)
	}
}

func TestSettings_DerivedPaths(t *testing.T) {
	s := Settings{Home: "/data/mooring"}

	if got := s.ProjectsDir(); got != filepath.Join("/data/mooring", "projects") {
		t.Errorf("ProjectsDir() = %q", got)
	}
	if got := s.StorePath(); got != filepath.Join("/data/mooring", "projects.json") {
		t.Errorf("StorePath() = %q", got)
	}
	if got := s.LockDir(); got != "/data/mooring" {
		t.Errorf("LockDir() = %q", got)
	}
}

func TestSettings_LogDirFollowsFileLogging(t *testing.T) {
	s := Settings{Home: "/data/mooring"}
	if got := s.LogDir(); got != "" {
		t.Errorf("LogDir() = %q, want empty when file logging is off", got)
	}
	s.FileLogging = true
	if got := s.LogDir(); got != filepath.Join("/data/mooring", "logs") {
		t.Errorf("LogDir() = %q", got)
	}
}
