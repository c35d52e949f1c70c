// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rpatterson/prunerr/internal/buildinfo"
)

func newDaemonCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run full passes continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireRunLock()
			if err != nil {
				return err
			}
			defer release()

			r, err := cctx.newRunner(true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			log.Info().
				Str("version", buildinfo.Version).
				Str("config", cctx.app.ConfigFileUsed()).
				Msg("daemon: starting")
			err = r.Daemon(ctx)
			log.Info().Msg("daemon: stopped")
			return err
		},
	}
}
