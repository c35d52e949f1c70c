// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newFreeSpaceCommand(cctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "free-space",
		Short: "Delete the least valuable data until every client meets its free-space threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireRunLock()
			if err != nil {
				return err
			}
			defer release()

			r, err := cctx.newRunner(false)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := r.Update(ctx); err != nil {
				return err
			}

			if dryRun {
				plans, err := r.Plan(ctx)
				if err != nil {
					return err
				}
				renderPlan(cmd.OutOrStdout(), plans)
				return nil
			}

			summary, err := r.FreeSpace(ctx)
			if err != nil {
				return err
			}
			renderFreeSpace(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting anything")
	return cmd
}
