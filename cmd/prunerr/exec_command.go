// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newExecCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Run one full pass: verify, review, sync and free space",
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
			summary, err := r.Exec(ctx)
			if err != nil {
				return err
			}
			renderExec(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
