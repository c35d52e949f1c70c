// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpatterson/prunerr/internal/buildinfo"
	"github.com/rpatterson/prunerr/pkg/version"
)

func newVersionCommand() *cobra.Command {
	var checkUpdates bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprint(out, buildinfo.String())

			if !checkUpdates {
				return nil
			}
			checker := version.NewChecker("rpatterson", "prunerr", buildinfo.UserAgent)
			newer, release, err := checker.CheckNewVersion(cmd.Context(), buildinfo.Version)
			if err != nil {
				return err
			}
			if newer {
				fmt.Fprintf(out, "A newer release is available: %s\n", release.TagName)
			} else {
				fmt.Fprintln(out, "Up to date.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkUpdates, "check-updates", false, "Check GitHub for a newer release")
	return cmd
}
