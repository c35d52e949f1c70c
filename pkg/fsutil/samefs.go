// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsutil provides filesystem utilities for free-space bookkeeping.
package fsutil

// SameFilesystem checks if two paths are on the same filesystem. Download
// clients whose directories share a filesystem also share free space, so a
// deletion benefiting one may satisfy another.
// Returns an error if either path doesn't exist or cannot be accessed.
//
// Implementation is platform-specific:
//   - Unix: compares device IDs from stat(2)
//   - Windows: compares volume serial numbers
func SameFilesystem(path1, path2 string) (bool, error) {
	return sameFilesystem(path1, path2)
}
