// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hekmon/cunits/v2"
	"github.com/hekmon/transmissionrpc/v3"

	"github.com/rpatterson/prunerr/internal/downloads"
)

// itemFields is the field set requested for every item refresh.
var itemFields = []string{
	"id", "hashString", "name", "status",
	"error", "errorString", "downloadDir",
	"totalSize", "leftUntilDone", "sizeWhenDone", "downloadedEver",
	"bandwidthPriority", "uploadRatio",
	"files", "fileStats", "trackers",
	"addedDate", "startDate", "doneDate",
}

// transmissionRPC adapts hekmon's Transmission client to the RPC surface.
type transmissionRPC struct {
	client *transmissionrpc.Client
}

// NewTransmissionRPC connects to a Transmission RPC endpoint. Credentials
// are taken from the URL's userinfo.
func NewTransmissionRPC(endpoint *url.URL) (RPC, error) {
	client, err := transmissionrpc.New(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", endpoint.Redacted(), err)
	}
	return &transmissionRPC{client: client}, nil
}

func (t *transmissionRPC) Session(ctx context.Context) (Session, error) {
	args, err := t.client.SessionArgumentsGet(ctx, []string{
		"download-dir", "incomplete-dir", "incomplete-dir-enabled",
		"speed-limit-down", "speed-limit-down-enabled",
	})
	if err != nil {
		return Session{}, fmt.Errorf("fetching session: %w", err)
	}

	session := Session{}
	if args.DownloadDir != nil {
		session.DownloadDir = *args.DownloadDir
	}
	if args.IncompleteDir != nil {
		session.IncompleteDir = *args.IncompleteDir
	}
	if args.IncompleteDirEnabled != nil {
		session.IncompleteDirEnabled = *args.IncompleteDirEnabled
	}
	if args.SpeedLimitDown != nil {
		session.SpeedLimitDown = *args.SpeedLimitDown
	}
	if args.SpeedLimitDownEnabled != nil {
		session.SpeedLimitDownEnabled = *args.SpeedLimitDownEnabled
	}
	return session, nil
}

func (t *transmissionRPC) UpdateSession(ctx context.Context, update SessionUpdate) error {
	if err := t.client.SessionArgumentsSet(ctx, transmissionrpc.SessionArguments{
		SpeedLimitDown:        update.SpeedLimitDown,
		SpeedLimitDownEnabled: update.SpeedLimitDownEnabled,
	}); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

func (t *transmissionRPC) Items(ctx context.Context) ([]downloads.Fields, error) {
	torrents, err := t.client.TorrentGet(ctx, itemFields, nil)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	fields := make([]downloads.Fields, 0, len(torrents))
	for i := range torrents {
		fields = append(fields, torrentFields(&torrents[i]))
	}
	return fields, nil
}

func (t *transmissionRPC) Item(ctx context.Context, id int64) (downloads.Fields, bool, error) {
	torrents, err := t.client.TorrentGet(ctx, itemFields, []int64{id})
	if err != nil {
		return downloads.Fields{}, false, fmt.Errorf("fetching item %d: %w", id, err)
	}
	if len(torrents) == 0 {
		return downloads.Fields{}, false, nil
	}
	return torrentFields(&torrents[0]), true, nil
}

func (t *transmissionRPC) Start(ctx context.Context, ids ...int64) error {
	return t.client.TorrentStartIDs(ctx, ids)
}

func (t *transmissionRPC) Stop(ctx context.Context, ids ...int64) error {
	return t.client.TorrentStopIDs(ctx, ids)
}

func (t *transmissionRPC) Verify(ctx context.Context, ids ...int64) error {
	return t.client.TorrentVerifyIDs(ctx, ids)
}

func (t *transmissionRPC) Remove(ctx context.Context, deleteData bool, ids ...int64) error {
	return t.client.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{
		IDs:             ids,
		DeleteLocalData: deleteData,
	})
}

func (t *transmissionRPC) Move(ctx context.Context, id int64, dir string) error {
	return t.client.TorrentSetLocation(ctx, id, dir, true)
}

func (t *transmissionRPC) SetBandwidthPriority(ctx context.Context, priority int64, ids ...int64) error {
	return t.client.TorrentSet(ctx, transmissionrpc.TorrentSetPayload{
		IDs:               ids,
		BandwidthPriority: &priority,
	})
}

func (t *transmissionRPC) FreeSpace(ctx context.Context, path string) (int64, error) {
	free, _, err := t.client.FreeSpace(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("querying free space for %q: %w", path, err)
	}
	return int64(free.Byte()), nil
}

func torrentFields(tr *transmissionrpc.Torrent) downloads.Fields {
	fields := downloads.Fields{
		ID:                deref(tr.ID),
		HashString:        deref(tr.HashString),
		Name:              deref(tr.Name),
		Status:            mapStatus(tr.Status),
		ErrorCode:         deref(tr.Error),
		ErrorMessage:      deref(tr.ErrorString),
		DownloadDir:       deref(tr.DownloadDir),
		TotalSize:         bitsToBytes(tr.TotalSize),
		LeftUntilDone:     deref(tr.LeftUntilDone),
		SizeWhenDone:      bitsToBytes(tr.SizeWhenDone),
		DownloadedEver:    deref(tr.DownloadedEver),
		BandwidthPriority: deref(tr.BandwidthPriority),
		Ratio:             deref(tr.UploadRatio),
		AddedDate:         derefTime(tr.AddedDate),
		StartDate:         derefTime(tr.StartDate),
		DoneDate:          derefTime(tr.DoneDate),
	}

	for i, file := range tr.Files {
		wanted := true
		if i < len(tr.FileStats) {
			wanted = tr.FileStats[i].Wanted
		}
		fields.Files = append(fields.Files, downloads.File{
			Name:      file.Name,
			Size:      file.Length,
			Completed: file.BytesCompleted,
			Wanted:    wanted,
		})
	}

	for _, tracker := range tr.Trackers {
		fields.Trackers = append(fields.Trackers, downloads.Tracker{
			Announce: tracker.Announce,
			Scrape:   tracker.Scrape,
		})
	}
	return fields
}

func mapStatus(status *transmissionrpc.TorrentStatus) downloads.Status {
	if status == nil {
		return downloads.StatusStopped
	}
	switch *status {
	case transmissionrpc.TorrentStatusCheckWait:
		return downloads.StatusCheckPending
	case transmissionrpc.TorrentStatusCheck:
		return downloads.StatusChecking
	case transmissionrpc.TorrentStatusDownloadWait, transmissionrpc.TorrentStatusDownload:
		return downloads.StatusDownloading
	case transmissionrpc.TorrentStatusSeedWait, transmissionrpc.TorrentStatusSeed:
		return downloads.StatusSeeding
	default:
		return downloads.StatusStopped
	}
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

func derefTime(v *time.Time) time.Time {
	if v == nil {
		return time.Time{}
	}
	return *v
}

func bitsToBytes(v *cunits.Bits) int64 {
	if v == nil {
		return 0
	}
	return int64(v.Byte())
}
