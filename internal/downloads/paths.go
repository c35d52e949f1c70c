// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloads

// MetadataSuffix names the per-item metadata document kept next to the
// item's files.
const MetadataSuffix = ".prunerr.json"

// ImportLinkSuffix is appended to a dropped file's stem to name the
// symlink pointing at the media manager's imported library copy.
const ImportLinkSuffix = "-servarr-imported"

// MetadataPath returns where the item's metadata document lives given the
// item's current location.
func MetadataPath(i *Item) string {
	return i.Path() + MetadataSuffix
}
