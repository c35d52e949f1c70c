// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/prunerr/internal/runner"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	output, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Version:")
}

func TestMissingConfigFails(t *testing.T) {
	_, err := runCommand(t, "review", "--config", "/nonexistent/prunerr.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRenderFreeSpace(t *testing.T) {
	var out bytes.Buffer
	renderFreeSpace(&out, &runner.FreeSpaceSummary{
		Deletions: []runner.Deletion{
			{ClientURL: "http://transmission:9091", Tier: runner.TierOrphan, Name: "/downloads/stray", Size: 2048},
		},
		Stopped:      []string{"http://transmission:9091"},
		Insufficient: true,
	})

	assert.Contains(t, out.String(), "/downloads/stray")
	assert.Contains(t, out.String(), "2.0 KiB")
	assert.Contains(t, out.String(), "Stopped downloading")
}

func TestRenderPlanEmpty(t *testing.T) {
	var out bytes.Buffer
	renderPlan(&out, []runner.ClientPlan{{
		ClientURL:    "http://transmission:9091",
		FreeSpace:    1 << 30,
		MinFreeSpace: 1 << 20,
		Sufficient:   true,
	}})
	assert.Contains(t, out.String(), "sufficient")
	assert.Contains(t, out.String(), "Nothing to delete.")
}
