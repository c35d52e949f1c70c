// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newSyncCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Move items and their metadata to match Sonarr/Radarr history",
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
			summary, err := r.Sync(ctx)
			if err != nil {
				return err
			}
			renderSync(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
