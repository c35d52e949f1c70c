// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pathutil

import (
	"regexp"
	"strings"
)

// windowsReservedNames contains device names that are reserved on Windows.
// These cannot be used as filenames regardless of extension.
var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// illegalCharsRegex matches characters that are illegal in Windows filenames.
// These are: < > : " / \ | ? *
var illegalCharsRegex = regexp.MustCompile(`[<>:"/\\|?*]`)

// controlCharsRegex matches ASCII control characters (0x00-0x1F).
var controlCharsRegex = regexp.MustCompile(`[\x00-\x1f]`)

// SanitizePathSegment sanitizes a path segment (directory or file name) to be
// safe for use across platforms (Unix, Windows, macOS).
//
// It performs the following transformations:
//   - Removes characters illegal in Windows: < > : " / \ | ? *
//   - Removes ASCII control characters (0x00-0x1F)
//   - Removes trailing dots and spaces (Windows restriction)
//   - Prefixes Windows reserved names (CON, PRN, etc.) with underscore
//   - Returns "_" if the result would be empty
func SanitizePathSegment(name string) string {
	if name == "" {
		return "_"
	}

	result := illegalCharsRegex.ReplaceAllString(name, "")
	result = controlCharsRegex.ReplaceAllString(result, "")

	// Trailing dots and spaces are a Windows restriction.
	result = strings.TrimRight(result, ". ")

	if result == "" {
		return "_"
	}

	// Reserved names are reserved with any extension too, so "CON.txt"
	// is checked by its base name.
	upper := strings.ToUpper(result)
	baseName := upper
	if idx := strings.Index(upper, "."); idx > 0 {
		baseName = upper[:idx]
	}
	if windowsReservedNames[baseName] {
		result = "_" + result
	}

	return result
}
