// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"testing"
	"time"

	"github.com/hekmon/cunits/v2"
	"github.com/hekmon/transmissionrpc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/prunerr/internal/downloads"
)

func ptr[T any](v T) *T { return &v }

func TestTorrentFields(t *testing.T) {
	total := cunits.ImportInByte(2048)
	whenDone := cunits.ImportInByte(1024)
	status := transmissionrpc.TorrentStatusSeed
	added := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	fields := torrentFields(&transmissionrpc.Torrent{
		ID:            ptr(int64(7)),
		HashString:    ptr("AA11BB22"),
		Name:          ptr("Example.S01E01"),
		Status:        &status,
		Error:         ptr(int64(0)),
		ErrorString:   ptr(""),
		DownloadDir:   ptr("/base/downloads"),
		TotalSize:     &total,
		SizeWhenDone:  &whenDone,
		LeftUntilDone: ptr(int64(0)),
		UploadRatio:   ptr(1.5),
		AddedDate:     &added,
		Files: []transmissionrpc.TorrentFile{
			{Name: "Example.S01E01/ep.mkv", Length: 2000, BytesCompleted: 2000},
			{Name: "Example.S01E01/sample.mkv", Length: 48, BytesCompleted: 0},
		},
		FileStats: []transmissionrpc.TorrentFileStat{
			{Wanted: true},
			{Wanted: false},
		},
		Trackers: []transmissionrpc.Tracker{
			{Announce: "https://tracker.example.com/announce", Scrape: "https://tracker.example.com/scrape"},
		},
	})

	assert.Equal(t, int64(7), fields.ID)
	assert.Equal(t, "AA11BB22", fields.HashString)
	assert.Equal(t, int64(2048), fields.TotalSize)
	assert.Equal(t, int64(1024), fields.SizeWhenDone)
	assert.Equal(t, downloads.StatusSeeding, fields.Status)
	assert.Equal(t, 1.5, fields.Ratio)
	assert.Equal(t, added, fields.AddedDate)

	require.Len(t, fields.Files, 2)
	assert.Equal(t, "Example.S01E01/ep.mkv", fields.Files[0].Name)
	assert.True(t, fields.Files[0].Wanted)
	assert.False(t, fields.Files[1].Wanted)

	require.Len(t, fields.Trackers, 1)
	assert.Equal(t, "https://tracker.example.com/announce", fields.Trackers[0].Announce)
}

func TestTorrentFieldsSparse(t *testing.T) {
	// Torrents fetched with a narrow field set leave most pointers nil and
	// may carry files without matching file stats.
	fields := torrentFields(&transmissionrpc.Torrent{
		HashString: ptr("cc33dd44"),
		Files: []transmissionrpc.TorrentFile{
			{Name: "stray/only.mkv", Length: 10},
		},
	})

	assert.Equal(t, "cc33dd44", fields.HashString)
	assert.Equal(t, int64(0), fields.TotalSize)
	assert.Equal(t, downloads.StatusStopped, fields.Status)
	assert.True(t, fields.AddedDate.IsZero())
	require.Len(t, fields.Files, 1)
	assert.True(t, fields.Files[0].Wanted, "missing file stats default to wanted")
}
