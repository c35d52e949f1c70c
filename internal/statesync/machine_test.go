// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package statesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/prunerr/internal/downloadclient"
	"github.com/rpatterson/prunerr/internal/downloads"
	"github.com/rpatterson/prunerr/internal/servarr"
)

var syncBase = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// fakeMover relocates items on disk the way the download client would,
// recording each destination.
type fakeMover struct {
	t        *testing.T
	roots    []downloadclient.ManagedRoot
	bindings []*downloadclient.ServarrBinding
	moves    []string
}

func (f *fakeMover) ManagedRoots() []downloadclient.ManagedRoot {
	return f.roots
}

func (f *fakeMover) Bindings() []*downloadclient.ServarrBinding {
	return f.bindings
}

func (f *fakeMover) MoveItem(_ context.Context, item *downloads.Item, destDir string) error {
	require.NoError(f.t, os.MkdirAll(destDir, 0o755))
	require.NoError(f.t, os.Rename(item.Path(), filepath.Join(destDir, item.RootName())))

	fields := item.Fields
	fields.DownloadDir = destDir
	item.Update(fields)
	f.moves = append(f.moves, destDir)
	return nil
}

// servarrFixture is the canned manager state one test server exposes.
// Fields may be filled in after the binding is created; the handler reads
// them per request.
type servarrFixture struct {
	queue      []map[string]any
	history    []map[string]any
	dirHistory []map[string]any
}

func newServarrAdapter(t *testing.T, fx *servarrFixture, name string) *servarr.Adapter {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any
		switch r.URL.Path {
		case "/api/v3/queue":
			body = map[string]any{
				"page":         1,
				"pageSize":     250,
				"totalRecords": len(fx.queue),
				"records":      fx.queue,
			}
		case "/api/v3/history":
			body = map[string]any{
				"page":         1,
				"pageSize":     250,
				"totalRecords": len(fx.history),
				"records":      fx.history,
			}
		case "/api/v3/history/series":
			if fx.dirHistory == nil {
				body = []map[string]any{}
			} else {
				body = fx.dirHistory
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	return servarr.NewAdapter(servarr.Config{
		Name:   name,
		Type:   servarr.TypeSonarr,
		URL:    srv.URL,
		APIKey: "test-key",
	}, 5)
}

func newBindingFor(t *testing.T, adapter *servarr.Adapter, base string) *downloadclient.ServarrBinding {
	t.Helper()
	binding := &downloadclient.ServarrBinding{
		Servarr:     adapter,
		DownloadDir: filepath.Join(base, "downloads"),
		SeedingDir:  filepath.Join(base, "seeding", adapter.Name),
		DeletedDir:  filepath.Join(base, "deleted", adapter.Name),
	}
	for _, root := range binding.Roots() {
		require.NoError(t, os.MkdirAll(root.Path, 0o755))
	}
	return binding
}

func newTestBinding(t *testing.T, fx *servarrFixture) (*downloadclient.ServarrBinding, *fakeMover) {
	t.Helper()
	binding := newBindingFor(t, newServarrAdapter(t, fx, "sonarr-main"), t.TempDir())
	mover := &fakeMover{
		t:        t,
		roots:    binding.Roots(),
		bindings: []*downloadclient.ServarrBinding{binding},
	}
	return binding, mover
}

// newTestItem lays the item's directory and one payload file out on disk.
func newTestItem(t *testing.T, hash, name, downloadDir string) *downloads.Item {
	t.Helper()
	dir := filepath.Join(downloadDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".mkv"), []byte("payload"), 0o644))

	return downloads.NewItem(downloads.Fields{
		ID:          1,
		HashString:  hash,
		Name:        name,
		Status:      downloads.StatusSeeding,
		DownloadDir: downloadDir,
		Files: []downloads.File{
			{Name: name + "/" + name + ".mkv", Size: 7, Completed: 7, Wanted: true},
		},
	}, downloads.Options{})
}

func historyJSON(id int64, event string, date time.Time, hash string, data map[string]string) map[string]any {
	return map[string]any{
		"id":         id,
		"eventType":  event,
		"date":       date.Format(time.RFC3339Nano),
		"downloadId": hash,
		"seriesId":   7,
		"data":       data,
	}
}

func queueJSON(id int64, hash string) map[string]any {
	return map[string]any{
		"id":         id,
		"downloadId": hash,
		"title":      "Example Item",
		"indexer":    "ExampleIndexer",
		"seriesId":   7,
	}
}

func TestSyncItemUnmanaged(t *testing.T) {
	_, mover := newTestBinding(t, &servarrFixture{})
	item := newTestItem(t, "aa11", "Example.S01E01", t.TempDir())

	machine := NewMachine(mover, Options{Now: func() time.Time { return syncBase }})
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, StateUnmanaged, result.State)
	assert.NoFileExists(t, downloads.MetadataPath(item))
}

func TestSyncItemUnidentified(t *testing.T) {
	// The global history mentions only some other download.
	fx := &servarrFixture{
		history: []map[string]any{
			historyJSON(1, "grabbed", syncBase, "ffff", map[string]string{"indexer": "Other"}),
		},
	}
	binding, mover := newTestBinding(t, fx)
	item := newTestItem(t, "aa11", "Example.S01E01", binding.DownloadDir)

	machine := NewMachine(mover, Options{Now: func() time.Time { return syncBase }})
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, StateUnidentified, result.State)
	assert.NoFileExists(t, downloads.MetadataPath(item))
}

func TestSyncItemPendingHistory(t *testing.T) {
	fx := &servarrFixture{
		queue: []map[string]any{queueJSON(1, "AA11")},
	}
	binding, mover := newTestBinding(t, fx)
	item := newTestItem(t, "aa11", "Example.S01E01", binding.DownloadDir)

	machine := NewMachine(mover, Options{Now: func() time.Time { return syncBase }})
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, StatePendingHistory, result.State)

	// The directory id from the queue is persisted for later passes.
	metadata, err := LoadMetadata(downloads.MetadataPath(item))
	require.NoError(t, err)
	assert.Equal(t, int64(7), metadata.DirID)
	assert.Equal(t, "ExampleIndexer", metadata.Indexer)
	require.NotNil(t, metadata.Queue)
	assert.Equal(t, "AA11", metadata.Queue.DownloadID)
}

func TestSyncItemImportMovesToSeeding(t *testing.T) {
	fx := &servarrFixture{queue: []map[string]any{queueJSON(1, "AA11")}}
	binding, mover := newTestBinding(t, fx)
	item := newTestItem(t, "aa11", "Example.S01E01", binding.DownloadDir)

	droppedPath := filepath.Join(item.Path(), "Example.S01E01.mkv")
	importedPath := filepath.Join(t.TempDir(), "library", "Example", "Season 01", "Example.S01E01.mkv")
	fx.dirHistory = []map[string]any{
		historyJSON(2, "downloadFolderImported", syncBase.Add(time.Minute), "AA11", map[string]string{
			"droppedPath":  droppedPath,
			"importedPath": importedPath,
		}),
		historyJSON(1, "grabbed", syncBase, "AA11", map[string]string{"indexer": "ExampleIndexer"}),
	}

	now := syncBase.Add(2 * time.Minute)
	machine := NewMachine(mover, Options{Now: func() time.Time { return now }})

	// First pass: the import was just observed, so the move waits out
	// the grace interval.
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, StateProcessingEvents, result.State)
	assert.Equal(t, 0, result.Synced)
	assert.False(t, result.Moved)
	assert.Empty(t, mover.moves)
	assert.Contains(t, item.Path(), binding.DownloadDir)

	// Second pass after the grace interval: the item moves to the
	// seeding root and its metadata follows.
	now = now.Add(3 * time.Minute)
	result, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.True(t, result.Moved)
	assert.Equal(t, []string{binding.SeedingDir}, mover.moves)
	assert.Equal(t, filepath.Join(binding.SeedingDir, "Example.S01E01"), item.Path())
	assert.FileExists(t, downloads.MetadataPath(item))

	// The import link inside the item dir points at the library copy.
	link := filepath.Join(item.Path(), "Example.S01E01"+downloads.ImportLinkSuffix)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, importedPath, target)

	// Third pass: nothing left to do, and the metadata file is not
	// rewritten.
	before, err := os.Stat(downloads.MetadataPath(item))
	require.NoError(t, err)
	result, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)
	assert.False(t, result.Moved)
	assert.Len(t, mover.moves, 1)
	after, err := os.Stat(downloads.MetadataPath(item))
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))

	// Replay re-runs every entry. The newest event still governs the
	// item's location, so it stays put in the seeding root.
	replay := NewMachine(mover, Options{Replay: true, Now: func() time.Time { return now }})
	result, err = replay.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Len(t, mover.moves, 1)
	assert.Equal(t, filepath.Join(binding.SeedingDir, "Example.S01E01"), item.Path())
}

func TestSyncItemRepairsStaleImportLink(t *testing.T) {
	fx := &servarrFixture{queue: []map[string]any{queueJSON(1, "AA11")}}
	binding, mover := newTestBinding(t, fx)
	item := newTestItem(t, "aa11", "Example.S01E01", binding.SeedingDir)

	importedPath := filepath.Join(t.TempDir(), "library", "Example.S01E01.mkv")
	fx.dirHistory = []map[string]any{
		historyJSON(1, "downloadFolderImported", syncBase, "AA11", map[string]string{
			"droppedPath":  "Example.S01E01/Example.S01E01.mkv",
			"importedPath": importedPath,
		}),
	}

	link := filepath.Join(item.Path(), "Example.S01E01"+downloads.ImportLinkSuffix)
	require.NoError(t, os.Symlink(filepath.Join(t.TempDir(), "stale"), link))

	now := syncBase
	machine := NewMachine(mover, Options{Now: func() time.Time { return now }})

	// First sight of the import defers for the grace interval.
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)

	now = now.Add(3 * time.Minute)
	result, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.False(t, result.Moved)
	assert.Empty(t, mover.moves)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, importedPath, target)
}

func TestSyncItemOwnedBySecondServarr(t *testing.T) {
	// Two managers share the client's download directory. Only the
	// second one knows this download, so identification must probe past
	// the first manager and route the item through the claimant's dirs.
	base := t.TempDir()
	first := newBindingFor(t, newServarrAdapter(t, &servarrFixture{}, "sonarr-main"), base)
	fx := &servarrFixture{queue: []map[string]any{queueJSON(1, "AA11")}}
	second := newBindingFor(t, newServarrAdapter(t, fx, "sonarr-4k"), base)

	mover := &fakeMover{
		t:        t,
		roots:    append(first.Roots(), second.Roots()...),
		bindings: []*downloadclient.ServarrBinding{first, second},
	}
	item := newTestItem(t, "aa11", "Example.S01E01", first.DownloadDir)

	droppedPath := filepath.Join(item.Path(), "Example.S01E01.mkv")
	importedPath := filepath.Join(t.TempDir(), "library", "Example.S01E01.mkv")
	fx.dirHistory = []map[string]any{
		historyJSON(2, "downloadFolderImported", syncBase.Add(time.Minute), "AA11", map[string]string{
			"droppedPath":  droppedPath,
			"importedPath": importedPath,
		}),
		historyJSON(1, "grabbed", syncBase, "AA11", map[string]string{"indexer": "ExampleIndexer"}),
	}

	now := syncBase.Add(2 * time.Minute)
	machine := NewMachine(mover, Options{Now: func() time.Time { return now }})

	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, StateProcessingEvents, result.State)

	// The claiming manager is recorded for later passes.
	metadata, err := LoadMetadata(downloads.MetadataPath(item))
	require.NoError(t, err)
	assert.Equal(t, "sonarr-4k", metadata.Servarr)
	assert.Equal(t, int64(7), metadata.DirID)

	// After the grace interval the item moves into the claiming
	// manager's seeding dir, not the first manager's.
	now = now.Add(3 * time.Minute)
	result, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.True(t, result.Moved)
	assert.Equal(t, []string{second.SeedingDir}, mover.moves)
	assert.Equal(t, filepath.Join(second.SeedingDir, "Example.S01E01"), item.Path())
}

func TestSyncItemRepeatPassLeavesMetadataUntouched(t *testing.T) {
	fx := &servarrFixture{queue: []map[string]any{queueJSON(1, "AA11")}}
	binding, mover := newTestBinding(t, fx)
	item := newTestItem(t, "aa11", "Example.S01E01", binding.DownloadDir)

	machine := NewMachine(mover, Options{Now: func() time.Time { return syncBase }})
	result, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, StatePendingHistory, result.State)

	before, err := os.Stat(downloads.MetadataPath(item))
	require.NoError(t, err)

	// A second pass with no new upstream data must not rewrite the
	// metadata file, not even an equivalent re-save.
	result, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, StatePendingHistory, result.State)

	after, err := os.Stat(downloads.MetadataPath(item))
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "metadata file was rewritten on a no-op pass")
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestSyncItemQuietSuppressesRepeatedComplaints(t *testing.T) {
	binding, mover := newTestBinding(t, &servarrFixture{})
	item := newTestItem(t, "aa11", "Example.S01E01", binding.DownloadDir)

	logged := make(map[string]struct{})
	machine := NewMachine(mover, Options{
		Quiet:  true,
		Logged: logged,
		Now:    func() time.Time { return syncBase },
	})

	_, err := machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Len(t, logged, 1)

	// A later pass with the same set keeps the entry, not a duplicate.
	_, err = machine.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}
