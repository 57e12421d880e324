// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// =============================================================================
// Provisioning
// =============================================================================

// ProvisionSpec names what to download and where the verified source
// tree must end up.
type ProvisionSpec struct {
	// URL is the archive location.
	URL string

	// Root is the absolute project root directory.
	Root string

	// SourceDir is the directory name under Root that receives the tree.
	SourceDir string

	// Marker is the file expected at the tree root after unpacking.
	Marker string
}

// validate checks the spec is complete.
func (s ProvisionSpec) validate() error {
	if s.URL == "" {
		return fmt.Errorf("provision spec: URL is required")
	}
	if !filepath.IsAbs(s.Root) {
		return fmt.Errorf("provision spec: root %q must be absolute", s.Root)
	}
	if s.SourceDir == "" {
		return fmt.Errorf("provision spec: source directory name is required")
	}
	if s.Marker == "" {
		return fmt.Errorf("provision spec: marker file name is required")
	}
	return nil
}

// Provision downloads, unpacks, and verifies a project's source tree.
//
// # Description
//
// The full first-run pipeline: fetch the archive (resuming when
// possible), extract it next to the partial artifact, collapse a single
// top-level wrapper directory if the archive has one, move the tree
// into its final location, and verify the marker file. The working
// directory is removed only after verification, so its presence always
// means the tree cannot be trusted yet.
//
// Already-provisioned roots return immediately, which makes the call
// safe to repeat after a crash.
//
// # Outputs
//
//   - error: *DownloadError on failure. Extraction and verification
//     failures discard partial state (retrying a corrupt archive cannot
//     help); everything else preserves it so a retry resumes.
func (e *Engine) Provision(ctx context.Context, spec ProvisionSpec, onProgress ProgressFunc) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if SourceReady(spec.Root, spec.SourceDir, spec.Marker) {
		e.log.Debug("source tree already provisioned", "root", spec.Root)
		return nil
	}

	archive, err := e.Fetch(ctx, spec.URL, spec.Root, onProgress)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	exDir := extractPath(spec.Root)
	os.RemoveAll(exDir)
	e.log.Info("extracting archive", "archive", archive, "to", exDir)
	if err := extractTarGz(archive, exDir); err != nil {
		os.RemoveAll(WorkDir(spec.Root))
		return &DownloadError{
			Type:    ErrorExtraction,
			URL:     spec.URL,
			Message: "archive could not be unpacked",
			Detail:  err.Error(),
			Remediation: "the downloaded archive appears corrupt; it has been " +
				"discarded, so the next start downloads a fresh copy",
			Err: err,
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	srcRoot, err := collapseWrapper(exDir)
	if err != nil {
		os.RemoveAll(WorkDir(spec.Root))
		return &DownloadError{
			Type: ErrorExtraction, URL: spec.URL,
			Message: "extracted archive is unusable", Detail: err.Error(),
			Remediation: "the next start downloads a fresh copy", Err: err,
		}
	}

	dest := filepath.Join(spec.Root, spec.SourceDir)
	if err := moveIntoPlace(srcRoot, dest); err != nil {
		return &DownloadError{
			Type: ErrorFilesystem, URL: spec.URL,
			Message: "cannot move source tree into place", Detail: err.Error(),
			Remediation: fmt.Sprintf("check permissions under %s and retry; "+
				"the downloaded archive is kept", spec.Root),
			Err: err,
		}
	}

	if !SourceReady(spec.Root, spec.SourceDir, spec.Marker) {
		os.RemoveAll(dest)
		os.RemoveAll(WorkDir(spec.Root))
		return &DownloadError{
			Type:    ErrorVerification,
			URL:     spec.URL,
			Message: fmt.Sprintf("unpacked tree is missing %s", spec.Marker),
			Remediation: "the archive did not contain the expected application; " +
				"check the release catalog entry for this version",
		}
	}

	if err := os.RemoveAll(WorkDir(spec.Root)); err != nil {
		e.log.Warn("could not remove download working directory",
			"dir", WorkDir(spec.Root), "error", err)
	}
	e.log.Info("source tree provisioned", "dest", dest)
	return nil
}

// =============================================================================
// Archive Extraction
// =============================================================================

// extractTarGz unpacks a gzipped tarball into destDir, refusing entries
// that would land outside it.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(bufio.NewReaderSize(f, defaultBufferSize))
	if err != nil {
		return fmt.Errorf("read gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}
	base := filepath.Clean(destDir)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}
		if hdr.Name == "" {
			continue
		}

		target, err := safeChild(base, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm(hdr)); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			if err := writeEntry(target, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if linkEscapes(base, target, hdr.Linkname) {
				return fmt.Errorf("archive entry %q links outside the tree", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
		default:
			// Hard links, devices, and pax metadata have no place in a
			// source archive.
			continue
		}
	}
}

// writeEntry streams one regular file out of the archive.
func writeEntry(target string, tr *tar.Reader, hdr *tar.Header) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm(hdr))
	if err != nil {
		return fmt.Errorf("create file %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", hdr.Name, err)
	}
	return out.Close()
}

// safeChild joins an archive entry name under base, rejecting escapes.
func safeChild(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	return target, nil
}

// linkEscapes reports whether a symlink would resolve outside base.
func linkEscapes(base, target, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return true
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(target), linkname))
	return resolved != base && !strings.HasPrefix(resolved, base+string(os.PathSeparator))
}

// dirPerm returns the directory mode, defaulting to 0755.
func dirPerm(hdr *tar.Header) os.FileMode {
	perm := hdr.FileInfo().Mode().Perm()
	if perm == 0 {
		return 0o755
	}
	return perm | 0o700
}

// filePerm returns the file mode, defaulting to 0644.
func filePerm(hdr *tar.Header) os.FileMode {
	perm := hdr.FileInfo().Mode().Perm()
	if perm == 0 {
		return 0o644
	}
	return perm
}

// =============================================================================
// Tree Relocation
// =============================================================================

// collapseWrapper returns the effective tree root: when the extracted
// archive holds exactly one directory (the usual source-tarball shape),
// that directory is the tree.
func collapseWrapper(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("inspect extracted tree: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive extracted to an empty tree")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

const (
	moveAttempts     = 3
	moveInitialDelay = 500 * time.Millisecond
)

// moveIntoPlace relocates the extracted tree to its final destination.
//
// Rename is atomic when source and destination share a filesystem.
// Cross-device moves fall back to copy-then-delete. Renames are retried
// briefly because some platforms hold transient locks on fresh trees.
func moveIntoPlace(src, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear destination %s: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dest, err)
	}

	delay := moveInitialDelay
	var lastErr error
	for attempt := 0; attempt < moveAttempts; attempt++ {
		err := os.Rename(src, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, syscall.EXDEV) {
			return copyTree(src, dest)
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("move source tree: %w", lastErr)
}

// copyTree duplicates src at dest preserving modes, then removes src.
func copyTree(src, dest string) error {
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
	if err != nil {
		return fmt.Errorf("copy source tree: %w", err)
	}
	return os.RemoveAll(src)
}

// copyFile copies one regular file.
func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
