// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpatterson/prunerr/internal/buildinfo"
	"github.com/rpatterson/prunerr/internal/config"
	"github.com/rpatterson/prunerr/internal/runner"
)

// commandContext carries the persistent flags and the lazily loaded
// configuration shared by all sub-commands.
type commandContext struct {
	configFlag *string
	replayFlag *bool

	app  *config.AppConfig
	logs *config.LogManager
}

func newCommandContext(configFlag *string, replayFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		replayFlag: replayFlag,
	}
}

// ensureConfig loads the configuration file once and applies its log
// settings.
func (c *commandContext) ensureConfig() (*config.AppConfig, error) {
	if c.app != nil {
		return c.app, nil
	}

	app, err := config.New(*c.configFlag)
	if err != nil {
		return nil, err
	}

	c.logs = config.NewLogManager(buildinfo.Version)
	c.logs.Initialize()
	cfg := app.Config
	if err := c.logs.Apply(cfg.LogLevel, cfg.LogPath, cfg.LogMaxSize, cfg.LogMaxBackups); err != nil {
		return nil, err
	}

	c.app = app
	return app, nil
}

func (c *commandContext) newRunner(quiet bool) (*runner.Runner, error) {
	app, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return runner.New(app, runner.Options{
		Replay: *c.replayFlag,
		Quiet:  quiet,
	})
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
