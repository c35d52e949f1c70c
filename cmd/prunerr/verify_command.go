// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newVerifyCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-verify corrupt items and resume the ones that finished verifying",
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
			summary, err := r.Verify(ctx)
			if err != nil {
				return err
			}
			renderVerify(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
