// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package statesync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/prunerr/internal/servarr"
)

func TestMergeStampsFirstSeenOnce(t *testing.T) {
	record := &servarr.HistoryRecord{
		ID:        1,
		EventType: servarr.EventGrabbed,
		Date:      syncBase,
	}

	metadata := &Metadata{}
	firstPass := syncBase.Add(time.Minute)
	metadata.Merge([]*servarr.HistoryRecord{record}, firstPass)

	entries := metadata.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, firstPass, entries[0].FirstSeen)

	// Seeing the same record again keeps the original stamp.
	metadata.Merge([]*servarr.HistoryRecord{record}, syncBase.Add(time.Hour))
	entries = metadata.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, firstPass, entries[0].FirstSeen)
}

func TestEntriesNewestFirst(t *testing.T) {
	records := []*servarr.HistoryRecord{
		{ID: 1, EventType: servarr.EventGrabbed, Date: syncBase},
		{ID: 3, EventType: servarr.EventFileDeleted, Date: syncBase.Add(2 * time.Hour)},
		{ID: 2, EventType: servarr.EventImported, Date: syncBase.Add(time.Hour)},
	}

	metadata := &Metadata{}
	metadata.Merge(records, syncBase.Add(3*time.Hour))

	entries := metadata.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Record.ID)
	assert.Equal(t, int64(2), entries[1].Record.ID)
	assert.Equal(t, int64(1), entries[2].Record.ID)
}

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.prunerr.json")

	synced := syncBase.Add(time.Minute)
	metadata := &Metadata{
		DirID:   7,
		Indexer: "ExampleIndexer",
		Queue:   &servarr.QueueRecord{ID: 1, DownloadID: "AA11", DirID: 7},
	}
	metadata.Merge([]*servarr.HistoryRecord{
		{ID: 1, EventType: servarr.EventGrabbed, Date: syncBase},
	}, syncBase)
	metadata.Entries()[0].Synced = &synced

	require.NoError(t, metadata.Save(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.DirID)
	assert.Equal(t, "ExampleIndexer", loaded.Indexer)
	require.NotNil(t, loaded.Queue)
	assert.Equal(t, "AA11", loaded.Queue.DownloadID)

	entries := loaded.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, servarr.EventGrabbed, entries[0].Record.EventType)
	assert.True(t, entries[0].FirstSeen.Equal(syncBase))
	require.NotNil(t, entries[0].Synced)
	assert.True(t, entries[0].Synced.Equal(synced))
}

func TestLoadMetadataMissing(t *testing.T) {
	metadata, err := LoadMetadata(filepath.Join(t.TempDir(), "absent.prunerr.json"))
	require.NoError(t, err)
	assert.Zero(t, metadata.DirID)
	assert.Empty(t, metadata.Entries())
}
