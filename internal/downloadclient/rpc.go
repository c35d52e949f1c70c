// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadclient owns one connection to a download client, the
// items it carries and the operations that mutate item location and
// lifecycle, plus the client's free-space bookkeeping.
package downloadclient

import (
	"context"

	"github.com/rpatterson/prunerr/internal/downloads"
)

// Session is the subset of download-client session settings the engine
// consumes.
type Session struct {
	DownloadDir          string
	IncompleteDir        string
	IncompleteDirEnabled bool

	// SpeedLimitDown is in KiB/s, Transmission's native unit.
	SpeedLimitDown        int64
	SpeedLimitDownEnabled bool
}

// SessionUpdate mutates session settings. Nil fields are left unchanged.
type SessionUpdate struct {
	SpeedLimitDown        *int64
	SpeedLimitDownEnabled *bool
}

// RPC is the narrow download-client surface the adapter is built on.
// The production implementation wraps Transmission's RPC protocol.
type RPC interface {
	Session(ctx context.Context) (Session, error)
	UpdateSession(ctx context.Context, update SessionUpdate) error

	Items(ctx context.Context) ([]downloads.Fields, error)
	Item(ctx context.Context, id int64) (downloads.Fields, bool, error)

	Start(ctx context.Context, ids ...int64) error
	Stop(ctx context.Context, ids ...int64) error
	Verify(ctx context.Context, ids ...int64) error

	// Remove takes items out of the client, optionally deleting data.
	Remove(ctx context.Context, deleteData bool, ids ...int64) error

	// Move asks the client to relocate an item's data to a new base
	// directory. Acknowledgment only; the move may finish later.
	Move(ctx context.Context, id int64, dir string) error

	SetBandwidthPriority(ctx context.Context, priority int64, ids ...int64) error

	// FreeSpace reports free bytes on the filesystem holding path.
	FreeSpace(ctx context.Context, path string) (int64, error)
}
