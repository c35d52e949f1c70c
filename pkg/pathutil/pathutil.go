// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pathutil provides boundary-safe path containment and relocation
// helpers used when moving download items between managed directories.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// HasPrefix reports whether path is root itself or lies beneath root.
// The match is boundary-safe: /data/foo does not match /data/foobar.
func HasPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	if !strings.HasPrefix(path, root) {
		return false
	}
	return len(path) > len(root) && path[len(root)] == filepath.Separator
}

// ContainingRoot returns the longest root from roots that contains path,
// or "" if none does.
func ContainingRoot(path string, roots []string) string {
	longest := ""
	for _, root := range roots {
		if !HasPrefix(path, root) {
			continue
		}
		if len(filepath.Clean(root)) > len(longest) {
			longest = filepath.Clean(root)
		}
	}
	return longest
}

// SwapRoot rewrites path from beneath oldRoot to the equivalent location
// beneath newRoot, preserving the relative sub-path. Returns an error when
// path is not contained in oldRoot.
func SwapRoot(path, oldRoot, newRoot string) (string, error) {
	if !HasPrefix(path, oldRoot) {
		return "", fmt.Errorf("path %s is not under %s", path, oldRoot)
	}
	rel, err := filepath.Rel(filepath.Clean(oldRoot), filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("relativize %s against %s: %w", path, oldRoot, err)
	}
	if rel == "." {
		return filepath.Clean(newRoot), nil
	}
	return filepath.Join(newRoot, rel), nil
}

// FirstSegment returns the first path segment of a relative file name as
// reported by a download client, or "" for an empty name.
func FirstSegment(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Stem returns the base name of path without its final extension.
func Stem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}
