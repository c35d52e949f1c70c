// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/prunerr/internal/config"
	"github.com/rpatterson/prunerr/internal/downloadclient"
	"github.com/rpatterson/prunerr/internal/downloads"
	"github.com/rpatterson/prunerr/internal/statesync"
)

// fakeRPC is an in-memory download client whose free-space figure steps
// through freeSpaceValues, one per query, holding the last.
type fakeRPC struct {
	session         downloadclient.Session
	fields          []downloads.Fields
	freeSpaceValues []int64

	freeSpaceQueries int
	removed          []int64
	stopped          []int64
	started          []int64
	verified         []int64
	sessionUpdates   []downloadclient.SessionUpdate
}

func (f *fakeRPC) Session(context.Context) (downloadclient.Session, error) {
	return f.session, nil
}

func (f *fakeRPC) UpdateSession(_ context.Context, update downloadclient.SessionUpdate) error {
	f.sessionUpdates = append(f.sessionUpdates, update)
	if update.SpeedLimitDown != nil {
		f.session.SpeedLimitDown = *update.SpeedLimitDown
	}
	if update.SpeedLimitDownEnabled != nil {
		f.session.SpeedLimitDownEnabled = *update.SpeedLimitDownEnabled
	}
	return nil
}

func (f *fakeRPC) Items(context.Context) ([]downloads.Fields, error) { return f.fields, nil }

func (f *fakeRPC) Item(_ context.Context, id int64) (downloads.Fields, bool, error) {
	for _, fields := range f.fields {
		if fields.ID == id {
			return fields, true, nil
		}
	}
	return downloads.Fields{}, false, nil
}

func (f *fakeRPC) Start(_ context.Context, ids ...int64) error {
	f.started = append(f.started, ids...)
	return nil
}

func (f *fakeRPC) Stop(_ context.Context, ids ...int64) error {
	f.stopped = append(f.stopped, ids...)
	return nil
}

func (f *fakeRPC) Verify(_ context.Context, ids ...int64) error {
	f.verified = append(f.verified, ids...)
	return nil
}

func (f *fakeRPC) Remove(_ context.Context, deleteData bool, ids ...int64) error {
	if deleteData {
		panic("engine must delete data itself")
	}
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeRPC) Move(context.Context, int64, string) error { return nil }

func (f *fakeRPC) SetBandwidthPriority(context.Context, int64, ...int64) error { return nil }

func (f *fakeRPC) FreeSpace(context.Context, string) (int64, error) {
	idx := f.freeSpaceQueries
	f.freeSpaceQueries++
	if idx >= len(f.freeSpaceValues) {
		idx = len(f.freeSpaceValues) - 1
	}
	return f.freeSpaceValues[idx], nil
}

// newServarrServer serves the minimal manager API surface a pass touches:
// an enabled download-client entry for host "transmission" and empty
// queue and history.
func newServarrServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any
		switch r.URL.Path {
		case "/api/v3/downloadclient":
			body = []map[string]any{{
				"id":     1,
				"name":   "transmission",
				"enable": true,
				"fields": []map[string]any{{"name": "host", "value": "transmission"}},
			}}
		case "/api/v3/queue", "/api/v3/history":
			body = map[string]any{
				"page": 1, "pageSize": 250, "totalRecords": 0,
				"records": []map[string]any{},
			}
		case "/api/v3/history/series", "/api/v3/history/movie":
			body = []map[string]any{}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRunnerConfig(t *testing.T, servarrURL string, extra string) *config.AppConfig {
	t.Helper()
	body := fmt.Sprintf(`download-clients:
  - url: http://transmission:9091/transmission/rpc
    max-download-bandwidth: 100
    min-download-time-margin: 600

servarrs:
  sonarr-main:
    url: %s
    type: sonarr
    api-key: test-key
%s`, servarrURL, extra)

	path := filepath.Join(t.TempDir(), "prunerr.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	app, err := config.New(path)
	require.NoError(t, err)
	return app
}

func newTestRunner(t *testing.T, app *config.AppConfig, rpc *fakeRPC) *Runner {
	t.Helper()
	r, err := New(app, Options{
		Now:   time.Now,
		Sleep: func(context.Context, time.Duration) {},
		Dial:  func(*url.URL) (downloadclient.RPC, error) { return rpc, nil },
	})
	require.NoError(t, err)
	return r
}

func writeItemDir(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".bin"), []byte("data"), 0o644))
}

func TestFreeSpaceDeletesTiersInOrder(t *testing.T) {
	srv := newServarrServer(t)

	base := t.TempDir()
	downloadDir := filepath.Join(base, "downloads")
	seedingDir := filepath.Join(base, "seeding", "sonarr-main")
	writeItemDir(t, downloadDir, "Unregistered.Item")
	writeItemDir(t, seedingDir, "Seeding.Item")

	// An old stray directory nothing claims.
	orphanDir := filepath.Join(downloadDir, "stray-extract")
	writeItemDir(t, downloadDir, "stray-extract")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(orphanDir, "stray-extract.bin"), old, old))
	require.NoError(t, os.Chtimes(orphanDir, old, old))

	// 100 Mb/s over 600 s: the threshold is 7.3 GiB.
	threshold := int64(100.0 / 8 * 1024 * 1024 * 600)
	rpc := &fakeRPC{
		session: downloadclient.Session{DownloadDir: downloadDir},
		fields: []downloads.Fields{
			{
				ID: 1, HashString: "feed01", Name: "Unregistered.Item",
				Status: downloads.StatusDownloading, DownloadDir: downloadDir,
				ErrorMessage: "Unregistered torrent", TotalSize: 100,
				Files: []downloads.File{{Name: "Unregistered.Item/Unregistered.Item.bin", Size: 100, Wanted: true}},
			},
			{
				ID: 2, HashString: "feed02", Name: "Seeding.Item",
				Status: downloads.StatusSeeding, DownloadDir: seedingDir,
				TotalSize: 200, Ratio: 1.5,
				Files: []downloads.File{{Name: "Seeding.Item/Seeding.Item.bin", Size: 200, Wanted: true}},
			},
		},
		// Below threshold until the final deletion lands.
		freeSpaceValues: []int64{1, 1, 1, threshold + 1},
	}

	r := newTestRunner(t, writeRunnerConfig(t, srv.URL, ""), rpc)
	ctx := context.Background()
	require.NoError(t, r.Update(ctx))

	summary, err := r.FreeSpace(ctx)
	require.NoError(t, err)

	require.Len(t, summary.Deletions, 3)
	assert.Equal(t, TierUnregistered, summary.Deletions[0].Tier)
	assert.Equal(t, "Unregistered.Item", summary.Deletions[0].Name)
	assert.Equal(t, TierOrphan, summary.Deletions[1].Tier)
	assert.Equal(t, orphanDir, summary.Deletions[1].Name)
	assert.Equal(t, TierSeeding, summary.Deletions[2].Tier)
	assert.Equal(t, "Seeding.Item", summary.Deletions[2].Name)

	assert.False(t, summary.Insufficient)
	assert.Empty(t, summary.Stopped)
	assert.Equal(t, []int64{1, 2}, rpc.removed)
	assert.NoDirExists(t, filepath.Join(downloadDir, "Unregistered.Item"))
	assert.NoDirExists(t, orphanDir)
	assert.NoDirExists(t, filepath.Join(seedingDir, "Seeding.Item"))
}

func TestFreeSpaceDeletesSmallestOrphanFirst(t *testing.T) {
	srv := newServarrServer(t)
	downloadDir := filepath.Join(t.TempDir(), "downloads")
	require.NoError(t, os.MkdirAll(downloadDir, 0o755))

	// Three stray directories whose sizes deliberately disagree with
	// their lexical order.
	old := time.Now().Add(-time.Hour)
	sizes := map[string]int{"stray-a": 300, "stray-b": 100, "stray-c": 200}
	for name, size := range sizes {
		dir := filepath.Join(downloadDir, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		file := filepath.Join(dir, name+".bin")
		require.NoError(t, os.WriteFile(file, make([]byte, size), 0o644))
		require.NoError(t, os.Chtimes(file, old, old))
		require.NoError(t, os.Chtimes(dir, old, old))
	}

	rpc := &fakeRPC{
		session: downloadclient.Session{DownloadDir: downloadDir},
		// Still short after the first two deletions, satisfied after
		// the third.
		freeSpaceValues: []int64{1, 1, 1, 1 << 40},
	}

	r := newTestRunner(t, writeRunnerConfig(t, srv.URL, ""), rpc)
	ctx := context.Background()
	require.NoError(t, r.Update(ctx))

	summary, err := r.FreeSpace(ctx)
	require.NoError(t, err)

	require.Len(t, summary.Deletions, 3)
	var names []string
	for _, deletion := range summary.Deletions {
		assert.Equal(t, TierOrphan, deletion.Tier)
		names = append(names, filepath.Base(deletion.Name))
	}
	assert.Equal(t, []string{"stray-b", "stray-c", "stray-a"}, names)
	assert.Equal(t,
		[]int64{int64(sizes["stray-b"]), int64(sizes["stray-c"]), int64(sizes["stray-a"])},
		[]int64{summary.Deletions[0].Size, summary.Deletions[1].Size, summary.Deletions[2].Size})
	assert.False(t, summary.Insufficient)
	assert.Empty(t, rpc.removed, "orphans are deleted from disk, not through the client")
}

func TestFreeSpaceStopsWhenNothingDeletable(t *testing.T) {
	srv := newServarrServer(t)
	downloadDir := filepath.Join(t.TempDir(), "downloads")
	require.NoError(t, os.MkdirAll(downloadDir, 0o755))

	rpc := &fakeRPC{
		session:         downloadclient.Session{DownloadDir: downloadDir},
		freeSpaceValues: []int64{1},
	}

	r := newTestRunner(t, writeRunnerConfig(t, srv.URL, ""), rpc)
	ctx := context.Background()
	require.NoError(t, r.Update(ctx))

	summary, err := r.FreeSpace(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Insufficient)
	assert.Len(t, summary.Stopped, 1)
	assert.Empty(t, summary.Deletions)

	// Downloading was capped at zero.
	require.NotEmpty(t, rpc.sessionUpdates)
	last := rpc.sessionUpdates[len(rpc.sessionUpdates)-1]
	require.NotNil(t, last.SpeedLimitDown)
	assert.Zero(t, *last.SpeedLimitDown)
	require.NotNil(t, last.SpeedLimitDownEnabled)
	assert.True(t, *last.SpeedLimitDownEnabled)
}

func TestExecRunsFullPass(t *testing.T) {
	srv := newServarrServer(t)
	downloadDir := filepath.Join(t.TempDir(), "downloads")
	writeItemDir(t, downloadDir, "Nameless.Item")

	rpc := &fakeRPC{
		session: downloadclient.Session{DownloadDir: downloadDir},
		fields: []downloads.Fields{
			{
				ID: 1, HashString: "abcd01", Name: "Nameless.Item",
				Status: downloads.StatusSeeding, DownloadDir: downloadDir,
				Files: []downloads.File{{Name: "Nameless.Item/Nameless.Item.bin", Size: 4, Wanted: true}},
			},
		},
		freeSpaceValues: []int64{1 << 40},
	}

	r := newTestRunner(t, writeRunnerConfig(t, srv.URL, ""), rpc)
	summary, err := r.Exec(context.Background())
	require.NoError(t, err)

	// The manager has no history for the item, so sync cannot place it.
	assert.Equal(t, 1, summary.Sync.Items)
	assert.Equal(t, 1, summary.Sync.States[statesync.StateUnidentified])
	assert.Empty(t, summary.Reviews)
	assert.Zero(t, summary.Verify.Started)
	require.NotNil(t, summary.FreeSpace)
	assert.Empty(t, summary.FreeSpace.Deletions)
}

func TestRetryTransient(t *testing.T) {
	srv := newServarrServer(t)
	sleeps := 0
	r, err := New(writeRunnerConfig(t, srv.URL, ""), Options{
		Sleep: func(context.Context, time.Duration) { sleeps++ },
		Dial:  func(*url.URL) (downloadclient.RPC, error) { return &fakeRPC{}, nil },
	})
	require.NoError(t, err)

	attempts := 0
	err = r.retryTransient(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, sleeps)

	// Configuration problems are fatal, not retried.
	verr := &config.ValidationError{Reason: "bad"}
	err = r.retryTransient(context.Background(), "test", func() error { return verr })
	assert.ErrorIs(t, err, verr)
	assert.Equal(t, 2, sleeps)
}

func TestAdaptersForFiltersByURL(t *testing.T) {
	srv := newServarrServer(t)
	srv2 := newServarrServer(t)
	extra := fmt.Sprintf(`  radarr-main:
    url: %s
    type: radarr
    api-key: test-key
`, srv2.URL)

	r := newTestRunner(t, writeRunnerConfig(t, srv.URL, extra), &fakeRPC{})
	require.Len(t, r.adapters, 2)

	// The trailing slash in the filter URL does not defeat the match.
	selected, err := r.adaptersFor(config.DownloadClientConfig{
		Servarrs: []string{srv2.URL + "/"},
	})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "radarr-main", selected[0].Name)

	_, err = r.adaptersFor(config.DownloadClientConfig{
		Servarrs: []string{"http://nowhere.example.com"},
	})
	assert.True(t, config.IsValidationError(err))

	all, err := r.adaptersFor(config.DownloadClientConfig{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
