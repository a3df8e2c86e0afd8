// Package broker implements the mandatory gate between the agent and the
// host: tier classification, scope validation, snapshotting, deadline-bounded
// execution, audit logging, and outbox notification.
package broker

import (
	"os"
	"path/filepath"
	"strings"
)

// ScopeValidator checks that paths fall under one of the configured allowed
// roots after full canonicalization, so `..` traversal and symlinks cannot
// escape the boundary.
type ScopeValidator struct {
	roots []string
}

// NewScopeValidator canonicalizes each allowed root up front. Roots do not
// need to exist yet.
func NewScopeValidator(allowedRoots []string) *ScopeValidator {
	roots := make([]string, 0, len(allowedRoots))
	for _, root := range allowedRoots {
		roots = append(roots, canonicalize(root))
	}
	return &ScopeValidator{roots: roots}
}

// AllowedRoots returns the canonicalized roots for diagnostics.
func (v *ScopeValidator) AllowedRoots() []string {
	out := make([]string, len(v.roots))
	copy(out, v.roots)
	return out
}

// Validate reports whether path lies under some allowed root. The returned
// normalized path is populated even on failure, for error diagnostics.
func (v *ScopeValidator) Validate(path string) (ok bool, normalized string, reason string) {
	if strings.TrimSpace(path) == "" {
		return false, "", "empty path"
	}
	normalized = canonicalize(path)
	for _, root := range v.roots {
		if normalized == root || strings.HasPrefix(normalized, root+string(filepath.Separator)) {
			return true, normalized, ""
		}
	}
	return false, normalized, "path is outside allowed roots"
}

// canonicalize normalizes separators, expands ~, makes the path absolute,
// and resolves symlinks and `..` segments. Nonexistent paths resolve their
// longest existing ancestor and keep the remainder lexically cleaned.
func canonicalize(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = expandHome(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	// walk up to the nearest existing ancestor and resolve that
	dir := abs
	rest := ""
	for {
		parent := filepath.Dir(dir)
		if rest == "" {
			rest = filepath.Base(dir)
		} else {
			rest = filepath.Join(filepath.Base(dir), rest)
		}
		if parent == dir {
			break
		}
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
	}
	return abs
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
