// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogManager handles log configuration with safe reconfiguration when
// the config file is reloaded between daemon iterations.
type LogManager struct {
	version     string
	mu          sync.Mutex
	rotator     io.Closer
	initialized atomic.Bool
}

// NewLogManager creates a new LogManager with the given version string.
func NewLogManager(version string) *LogManager {
	return &LogManager{version: version}
}

// Initialize sets up the global logger. Console output when stderr is a
// terminal, JSON otherwise. Should only be called once during startup.
func (lm *LogManager) Initialize() {
	if lm.initialized.Swap(true) {
		return
	}
	// Keep the logger level at the lowest level so the global level can
	// be changed at runtime without mutating log.Logger.
	log.Logger = log.Logger.Output(baseLogWriter()).Level(zerolog.TraceLevel)
	log.Logger = log.Logger.With().Str("version", lm.version).Logger()
}

// Apply updates the log level and file logging from the loaded config.
// Safe to call on every config reload.
func (lm *LogManager) Apply(level, logPath string, maxSize, maxBackups int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	setLogLevel(level)

	writer := baseLogWriter()
	var rotator io.Closer
	if logPath != "" {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		if maxSize <= 0 {
			maxSize = 50
		}
		if maxBackups < 0 {
			maxBackups = 0
		}
		lj := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		writer = io.MultiWriter(writer, lj)
		rotator = lj
	}

	log.Logger = log.Logger.Output(writer)

	if lm.rotator != nil {
		if closeErr := lm.rotator.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Failed to close old log rotator")
		}
	}
	lm.rotator = rotator
	return nil
}

func baseLogWriter() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return os.Stderr
}

func setLogLevel(level string) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
