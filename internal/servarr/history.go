// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package servarr

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// HistoryIndex cross-references media-manager history records by download
// hash and by source title so events that lost their downloadId (imports
// recorded against a library path, file deletions, renames) can still be
// attributed to the download item they came from.
//
// Records must be collated most recent first. Buckets preserve that order.
type HistoryIndex struct {
	downloadIDs  map[string][]*HistoryRecord
	sourceTitles map[string][]*HistoryRecord

	// splicedInto remembers which downloadId consumed a source-title
	// bucket so a second downloadId claiming the same imported path is
	// flagged instead of double-counted.
	splicedInto map[string]string
}

// NewHistoryIndex returns an empty index.
func NewHistoryIndex() *HistoryIndex {
	return &HistoryIndex{
		downloadIDs:  make(map[string][]*HistoryRecord),
		sourceTitles: make(map[string][]*HistoryRecord),
		splicedInto:  make(map[string]string),
	}
}

// Collate folds a batch of records, given most recent first, into the
// index. Safe to call repeatedly with successive (older) history pages.
func (ix *HistoryIndex) Collate(records []*HistoryRecord) {
	for _, record := range records {
		ix.collate(record)
	}
}

func (ix *HistoryIndex) collate(record *HistoryRecord) {
	if hash := strings.ToLower(record.DownloadID); hash != "" {
		// An import event carries both the downloadId and the library
		// path later events (deletions, renames) are recorded against.
		// Splice those already-seen newer events into this item's bucket.
		if imported := record.ImportedPath(); imported != "" {
			ix.splice(hash, imported)
		}
		ix.downloadIDs[hash] = append(ix.downloadIDs[hash], record)
	}

	title := record.SourceTitle
	if title == "" {
		title = record.ImportedPath()
	}
	if title != "" {
		ix.sourceTitles[title] = append(ix.sourceTitles[title], record)
		// The bucket may have been consumed before this record arrived
		// under the same title. Keep the item's bucket complete.
		if hash, ok := ix.splicedInto[title]; ok && record.DownloadID == "" {
			ix.mergeIntoDownloadID(hash, record)
		}
	}
}

func (ix *HistoryIndex) splice(hash, title string) {
	if prior, ok := ix.splicedInto[title]; ok {
		if prior != hash {
			log.Debug().
				Str("title", title).
				Str("downloadId", hash).
				Str("priorDownloadId", prior).
				Msg("servarr: imported path claimed by multiple downloads, keeping first")
		}
		return
	}
	ix.splicedInto[title] = hash

	for _, record := range ix.sourceTitles[title] {
		if record.DownloadID != "" {
			continue
		}
		ix.mergeIntoDownloadID(hash, record)
	}
}

// mergeIntoDownloadID inserts a record into an item bucket keeping the
// most-recent-first ordering.
func (ix *HistoryIndex) mergeIntoDownloadID(hash string, record *HistoryRecord) {
	bucket := ix.downloadIDs[hash]
	for _, existing := range bucket {
		if existing == record || existing.ID == record.ID {
			return
		}
	}
	bucket = append(bucket, record)
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].Date.After(bucket[j].Date)
	})
	ix.downloadIDs[hash] = bucket
}

// ByDownloadID returns the collated records for a download hash, most
// recent first.
func (ix *HistoryIndex) ByDownloadID(hash string) []*HistoryRecord {
	return ix.downloadIDs[strings.ToLower(hash)]
}

// BySourceTitle returns the records indexed under a source title or
// imported path, most recent first.
func (ix *HistoryIndex) BySourceTitle(title string) []*HistoryRecord {
	return ix.sourceTitles[title]
}
