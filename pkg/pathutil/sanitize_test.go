// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePathSegment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple name",
			input:    "Example.S01E01.1080p",
			expected: "Example.S01E01.1080p",
		},
		{
			name:     "name with spaces",
			input:    "Example Show S01",
			expected: "Example Show S01",
		},
		{
			name:     "strips illegal chars",
			input:    "Example<>:\"/\\|?*Name",
			expected: "ExampleName",
		},
		{
			name:     "strips control chars",
			input:    "Example\x00\x1fName",
			expected: "ExampleName",
		},
		{
			name:     "removes trailing dots and spaces",
			input:    "Example.S01... ",
			expected: "Example.S01",
		},
		{
			name:     "reserved name gets prefix",
			input:    "CON",
			expected: "_CON",
		},
		{
			name:     "reserved name with extension",
			input:    "con.mkv",
			expected: "_con.mkv",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "_",
		},
		{
			name:     "only illegal chars",
			input:    "???",
			expected: "_",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizePathSegment(tt.input))
		})
	}
}
