// Package security keeps dump destinations inside the configured output
// directory.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DumpPath returns the store path for a dump labelled label and taken at t,
// inside outputDir. The label is sanitized and the result is checked against
// traversal out of outputDir.
func DumpPath(outputDir, label string, t time.Time) (string, error) {
	name := fmt.Sprintf("%s_%s.zarr", SanitizeFilename(label), t.UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(outputDir, name)
	if err := ValidatePathWithinDirectory(path, outputDir); err != nil {
		return "", err
	}
	return path, nil
}

// ValidatePathWithinDirectory reports an error if filePath, after cleaning
// and resolving symlinks, is not inside safeDir. Paths that do not exist yet
// are resolved through their nearest existing parent so a symlinked parent
// cannot redirect a new store outside safeDir. safeDir itself must exist.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := resolveExisting(absPath)
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// resolveExisting resolves symlinks in the longest existing prefix of path
// and re-appends the rest.
func resolveExisting(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := path; ; {
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, path)
			return filepath.Join(resolved, rest)
		}
		dir = parent
	}
}

// SanitizeFilename maps s onto ASCII letters, digits, dot, underscore and
// dash. Runs of other characters become a single underscore, the result is
// capped at 128 bytes and stripped of leading or trailing dots and
// underscores. An empty result becomes "dump".
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "dump"
	}
	return out
}
