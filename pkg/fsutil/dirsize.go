// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DirSize returns the total on-disk size in bytes of path. A plain file
// returns its own size. Entries that disappear or cannot be statted during
// the walk are skipped rather than failing the whole measurement.
func DirSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// DirStat returns path's total on-disk size and the most recent
// modification time anywhere beneath it, in one walk. Tolerates entries
// vanishing mid-walk the same way DirSize does.
func DirStat(path string) (int64, time.Time, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !info.IsDir() {
		return info.Size(), info.ModTime(), nil
	}

	var total int64
	latest := info.ModTime()
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil
			}
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		if !d.IsDir() && d.Type()&fs.ModeSymlink == 0 {
			total += fi.Size()
		}
		return nil
	})
	return total, latest, err
}
