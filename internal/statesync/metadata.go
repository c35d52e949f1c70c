// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package statesync reconciles each download item's on-disk location with
// the lifecycle its media manager's event history records, persisting
// per-item progress in a metadata document kept next to the item's files.
package statesync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rpatterson/prunerr/internal/servarr"
)

// HistoryEntry is one manager history record tracked in item metadata,
// with the sync bookkeeping the engine stamps onto it.
type HistoryEntry struct {
	Record *servarr.HistoryRecord `json:"record"`

	// FirstSeen is when this record first appeared in the metadata,
	// used for grace intervals (imports wait for the manager's copy to
	// finish).
	FirstSeen time.Time `json:"firstSeen"`

	// Synced is stamped once the record's handler completed.
	Synced *time.Time `json:"synced,omitempty"`
}

// Metadata is the per-item document persisted alongside the item's files.
type Metadata struct {
	Servarr string                   `json:"servarr,omitempty"`
	DirID   int64                    `json:"dirId,omitempty"`
	Indexer string                   `json:"indexer,omitempty"`
	Queue   *servarr.QueueRecord     `json:"queue,omitempty"`
	History map[string]*HistoryEntry `json:"history,omitempty"`

	// dirty tracks whether the document changed since load. A clean
	// document is never rewritten, so repeat passes with no new
	// upstream data leave the file untouched.
	dirty bool
}

func historyKey(record *servarr.HistoryRecord) string {
	return record.Date.UTC().Format(time.RFC3339Nano)
}

// Merge folds history records into the document, stamping FirstSeen on
// new entries. Existing entries keep their bookkeeping.
func (m *Metadata) Merge(records []*servarr.HistoryRecord, now time.Time) {
	if m.History == nil {
		m.History = make(map[string]*HistoryEntry, len(records))
	}
	for _, record := range records {
		key := historyKey(record)
		if _, ok := m.History[key]; ok {
			continue
		}
		m.History[key] = &HistoryEntry{
			Record:    record,
			FirstSeen: now,
		}
		m.dirty = true
	}
}

// Entries returns the tracked history entries, most recent first.
func (m *Metadata) Entries() []*HistoryEntry {
	entries := make([]*HistoryEntry, 0, len(m.History))
	for _, entry := range m.History {
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Record.Date.After(entries[j].Record.Date)
	})
	return entries
}

// LoadMetadata reads an item's metadata document. A missing file yields
// an empty document.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Metadata{}, nil
		}
		return nil, fmt.Errorf("reading metadata %q: %w", path, err)
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding metadata %q: %w", path, err)
	}
	return m, nil
}

// Save writes the document atomically: temp file, sync, rename.
func (m *Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating metadata temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing metadata: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming metadata into place: %w", err)
	}
	m.dirty = false
	return nil
}
