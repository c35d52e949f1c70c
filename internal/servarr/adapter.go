// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package servarr

import (
	"context"
	"fmt"
	"strings"
)

// Config is the operator-supplied definition of one media-manager
// instance.
type Config struct {
	Name   string `mapstructure:"name"`
	Type   Type   `mapstructure:"type"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api-key"`

	// Optional overrides for the directories this manager's items are
	// moved through. Defaults derive from the download client's
	// download directory.
	SeedingDir string `mapstructure:"seeding-dir"`
	DeletedDir string `mapstructure:"deleted-dir"`
}

// Adapter wraps a media-manager API client with the caches one run (or
// one daemon iteration) works against: the collated history index, the
// incrementally-paged global history cursor, per-directory histories and
// the download queue.
type Adapter struct {
	Config

	client *Client

	index            *HistoryIndex
	historyPage      int
	historyExhausted bool

	dirHistories map[int64][]*HistoryRecord
	queue        map[string]QueueRecord
	queueLoaded  bool

	downloadClients []DownloadClientSettings
}

// NewAdapter creates an adapter for one configured media manager.
func NewAdapter(cfg Config, timeoutSeconds int) *Adapter {
	a := &Adapter{
		Config: cfg,
		client: NewClient(cfg.URL, cfg.APIKey, cfg.Type, timeoutSeconds),
	}
	a.DropCaches()
	return a
}

// Ping tests connectivity to the manager.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// DropCaches discards all cached manager state so the next access
// re-fetches. Called between daemon iterations.
func (a *Adapter) DropCaches() {
	a.index = NewHistoryIndex()
	a.historyPage = 0
	a.historyExhausted = false
	a.dirHistories = make(map[int64][]*HistoryRecord)
	a.queue = make(map[string]QueueRecord)
	a.queueLoaded = false
	a.downloadClients = nil
}

// History returns the collated history index for direct lookups against
// already-fetched pages.
func (a *Adapter) History() *HistoryIndex {
	return a.index
}

// fetchNextHistoryPage pulls one more page of global history into the
// index. Returns false once history is exhausted.
func (a *Adapter) fetchNextHistoryPage(ctx context.Context) (bool, error) {
	if a.historyExhausted {
		return false, nil
	}
	a.historyPage++
	records, more, err := a.client.History(ctx, a.historyPage)
	if err != nil {
		a.historyPage--
		return false, fmt.Errorf("fetching history page %d from %q: %w", a.historyPage+1, a.Name, err)
	}
	a.index.Collate(records)
	if !more || len(records) == 0 {
		a.historyExhausted = true
	}
	return true, nil
}

// FindLatestHistory pages through global history until the item's bucket
// contains a record carrying an indexer name, then returns the item's
// most recent record. Returns nil once history is exhausted without a
// match for the hash at all.
func (a *Adapter) FindLatestHistory(ctx context.Context, hash string) (*HistoryRecord, error) {
	for {
		bucket := a.index.ByDownloadID(hash)
		for _, record := range bucket {
			if record.Indexer() != "" {
				return bucket[0], nil
			}
		}
		fetched, err := a.fetchNextHistoryPage(ctx)
		if err != nil {
			return nil, err
		}
		if !fetched {
			if len(bucket) > 0 {
				return bucket[0], nil
			}
			return nil, nil
		}
	}
}

// DirHistory returns the full event history for one managed directory,
// most recent first, fetching and collating it on first access.
func (a *Adapter) DirHistory(ctx context.Context, dirID int64) ([]*HistoryRecord, error) {
	if records, ok := a.dirHistories[dirID]; ok {
		return records, nil
	}
	records, err := a.client.DirHistory(ctx, dirID)
	if err != nil {
		return nil, fmt.Errorf("fetching dir %d history from %q: %w", dirID, a.Name, err)
	}
	a.index.Collate(records)
	a.dirHistories[dirID] = records
	return records, nil
}

// QueueRecord returns the queue entry for a download hash, fetching the
// queue on first access. Queue downloadIds are matched case-insensitively.
func (a *Adapter) QueueRecord(ctx context.Context, hash string) (QueueRecord, bool, error) {
	if !a.queueLoaded {
		records, err := a.client.Queue(ctx)
		if err != nil {
			return QueueRecord{}, false, fmt.Errorf("fetching queue from %q: %w", a.Name, err)
		}
		for _, record := range records {
			if record.DownloadID == "" {
				continue
			}
			a.queue[strings.ToUpper(record.DownloadID)] = record
		}
		a.queueLoaded = true
	}
	record, ok := a.queue[strings.ToUpper(hash)]
	return record, ok, nil
}

// DownloadClients returns the manager's download-client configuration,
// fetching it on first access.
func (a *Adapter) DownloadClients(ctx context.Context) ([]DownloadClientSettings, error) {
	if a.downloadClients == nil {
		settings, err := a.client.DownloadClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching download clients from %q: %w", a.Name, err)
		}
		a.downloadClients = settings
	}
	return a.downloadClients, nil
}
