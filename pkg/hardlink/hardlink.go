// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hardlink detects whether a download item's files are hardlinked
// elsewhere, typically by a media manager's library import. A hardlinked
// item shares storage with its library copy, so deleting one side frees
// nothing.
package hardlink

import (
	"os"
	"path/filepath"
)

// IsAnyHardlinked reports whether at least one regular file has a link
// count above one. Relative paths are resolved against basePath.
// Directories, symlinks and inaccessible entries are skipped.
func IsAnyHardlinked(basePath string, filePaths []string) bool {
	for _, file := range filePaths {
		cleaned := filepath.Clean(filepath.FromSlash(file))

		fullPath := cleaned
		if !filepath.IsAbs(cleaned) {
			fullPath = filepath.Join(basePath, cleaned)
		}

		info, err := os.Lstat(fullPath)
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		nlink, err := getLinkCount(info, fullPath)
		if err != nil {
			continue
		}
		if nlink > 1 {
			return true
		}
	}
	return false
}
