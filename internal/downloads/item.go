// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloads models one download-client item decorated with the
// derived, memoized attributes the reconciliation engine needs. Items are
// rebuilt on every client refresh; derived values are cached until the next
// Update, never invalidated piecemeal.
package downloads

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/internal/operations"
	"github.com/rpatterson/prunerr/pkg/pathutil"
)

// Status is the download client's lifecycle state for an item.
type Status int

const (
	StatusStopped Status = iota
	StatusCheckPending
	StatusChecking
	StatusDownloading
	StatusSeeding
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusCheckPending:
		return "check-pending"
	case StatusChecking:
		return "checking"
	case StatusDownloading:
		return "downloading"
	case StatusSeeding:
		return "seeding"
	default:
		return "unknown"
	}
}

// File is one file descriptor within an item, relative to the download dir.
type File struct {
	Name      string
	Size      int64
	Completed int64
	Wanted    bool
}

// Tracker holds one tracker's announce and scrape URLs.
type Tracker struct {
	Announce string
	Scrape   string
}

// IndexerHostname maps a tracker hostname suffix to an indexer name.
// Mappings are matched in order; the first match wins.
type IndexerHostname struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	Indexer  string `mapstructure:"indexer" yaml:"indexer"`
}

// Fields are the raw item fields fetched from the download client.
type Fields struct {
	ID                int64
	HashString        string
	Name              string
	Status            Status
	ErrorCode         int64
	ErrorMessage      string
	DownloadDir       string
	TotalSize         int64
	LeftUntilDone     int64
	SizeWhenDone      int64
	DownloadedEver    int64
	BandwidthPriority int64
	Ratio             float64
	Files             []File
	Trackers          []Tracker
	AddedDate         time.Time
	StartDate         time.Time
	DoneDate          time.Time
}

// Options configure derived-attribute computation for items of one client.
type Options struct {
	// IncompleteDir is the client's incomplete-download directory; items
	// still downloading may live there instead of under DownloadDir.
	IncompleteDir        string
	IncompleteDirEnabled bool

	// Now overrides the clock for age computations. Nil means time.Now.
	Now func() time.Time

	// Exists overrides path existence checks. Nil means os.Stat.
	Exists func(path string) bool
}

// Item wraps one raw download-client item with memoized derived attributes.
type Item struct {
	Fields

	opts Options

	memo struct {
		rootName     *string
		path         *string
		filesParent  *string
		trackerHosts []string
		opFiles      []operations.FileInfo
	}
	warned map[string]struct{}
}

// NewItem creates an item from raw client fields. Hash comparison is
// case-insensitive throughout the engine, so the hash is lower-cased here.
func NewItem(fields Fields, opts Options) *Item {
	fields.HashString = strings.ToLower(fields.HashString)
	return &Item{
		Fields: fields,
		opts:   opts,
		warned: make(map[string]struct{}),
	}
}

// Update replaces the raw fields after a mutating client operation and
// drops every memoized derived value.
func (i *Item) Update(fields Fields) {
	fields.HashString = strings.ToLower(fields.HashString)
	i.Fields = fields
	i.memo.rootName = nil
	i.memo.path = nil
	i.memo.filesParent = nil
	i.memo.trackerHosts = nil
	i.memo.opFiles = nil
}

func (i *Item) now() time.Time {
	if i.opts.Now != nil {
		return i.opts.Now()
	}
	return time.Now()
}

func (i *Item) pathExists(path string) bool {
	if i.opts.Exists != nil {
		return i.opts.Exists(path)
	}
	return defaultExists(path)
}

// RootName returns the first path segment shared by all of the item's files.
// Multi-root items are tolerated: the first file's segment wins and the
// disagreement is logged once. An item with no files falls back to its name.
func (i *Item) RootName() string {
	if i.memo.rootName != nil {
		return *i.memo.rootName
	}

	root := i.Name
	if len(i.Fields.Files) > 0 {
		root = pathutil.FirstSegment(i.Fields.Files[0].Name)
		for _, f := range i.Fields.Files[1:] {
			if pathutil.FirstSegment(f.Name) != root {
				i.warnOnce("multi-root", func() {
					log.Error().
						Str("hash", i.HashString).
						Str("name", i.Name).
						Str("root", root).
						Msg("downloads: files disagree on root segment, using first")
				})
				break
			}
		}
	}

	i.memo.rootName = &root
	return root
}

// Path returns the item's resolved on-disk location, DownloadDir joined
// with the root name.
func (i *Item) Path() string {
	if i.memo.path != nil {
		return *i.memo.path
	}
	path := filepath.Clean(filepath.Join(i.DownloadDir, i.RootName()))
	i.memo.path = &path
	return path
}

// FilesParent returns the directory the item's files actually live under:
// Path when it exists, else the equivalent location under the client's
// incomplete directory when incomplete-dir handling is enabled.
func (i *Item) FilesParent() string {
	if i.memo.filesParent != nil {
		return *i.memo.filesParent
	}

	parent := i.Path()
	if !i.pathExists(parent) && i.opts.IncompleteDirEnabled && i.opts.IncompleteDir != "" {
		incomplete := filepath.Clean(filepath.Join(i.opts.IncompleteDir, i.RootName()))
		if i.pathExists(incomplete) {
			parent = incomplete
		}
	}

	i.memo.filesParent = &parent
	return parent
}

// Hash implements operations.Item, returning the lower-cased stable
// content identifier.
func (i *Item) Hash() string {
	return i.HashString
}

// Age returns the seconds since the item was added to the client.
func (i *Item) Age() float64 {
	return i.now().Sub(i.AddedDate).Seconds()
}

// SecondsSinceDone returns the seconds since the item finished downloading.
// When the done date is missing or nonsensical it falls back through the
// start and added dates with a warning, never failing hard.
func (i *Item) SecondsSinceDone() float64 {
	ref := i.DoneDate
	if ref.IsZero() || ref.Before(i.AddedDate) {
		i.warnOnce("done-date", func() {
			log.Warn().
				Str("hash", i.HashString).
				Time("doneDate", i.DoneDate).
				Msg("downloads: done date missing or before added date, falling back")
		})
		ref = i.StartDate
		if ref.IsZero() {
			ref = i.AddedDate
		}
	}
	return i.now().Sub(ref).Seconds()
}

// SecondsDownloading returns how long the item spent (or has spent)
// downloading. May be non-positive for items with degenerate timestamps.
func (i *Item) SecondsDownloading() float64 {
	start := i.StartDate
	if start.IsZero() {
		start = i.AddedDate
	}
	end := i.DoneDate
	if end.IsZero() {
		end = i.now()
	}
	return end.Sub(start).Seconds()
}

// RateTotal returns the item's average download throughput in bytes per
// second. The second return is false when the downloading duration is
// non-positive.
func (i *Item) RateTotal() (float64, bool) {
	duration := i.SecondsDownloading()
	if duration <= 0 {
		return 0, false
	}
	downloaded := i.DownloadedEver
	if downloaded <= 0 {
		downloaded = i.TotalSize - i.LeftUntilDone
	}
	return float64(downloaded) / duration, true
}

// Done reports whether the item has no bytes left to download.
func (i *Item) Done() bool {
	return i.LeftUntilDone == 0 && i.SizeWhenDone > 0
}

// IsChecking reports whether the client is verifying (or queued to verify)
// the item's data.
func (i *Item) IsChecking() bool {
	return i.Status == StatusChecking || i.Status == StatusCheckPending
}

// TrackerHosts returns the deduplicated, lower-cased hostnames of the
// item's tracker announce and scrape URLs.
func (i *Item) TrackerHosts() []string {
	if i.memo.trackerHosts != nil {
		return i.memo.trackerHosts
	}

	seen := make(map[string]struct{})
	hosts := make([]string, 0, len(i.Trackers))
	for _, tracker := range i.Trackers {
		for _, raw := range []string{tracker.Announce, tracker.Scrape} {
			if raw == "" {
				continue
			}
			u, err := url.Parse(raw)
			if err != nil || u.Hostname() == "" {
				continue
			}
			host := strings.ToLower(u.Hostname())
			if _, dup := seen[host]; dup {
				continue
			}
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}

	i.memo.trackerHosts = hosts
	return hosts
}

// MatchIndexer scans the tracker hostnames against the configured
// hostname-to-indexer mappings and returns the first matching indexer name.
func (i *Item) MatchIndexer(mappings []IndexerHostname) (string, bool) {
	hosts := i.TrackerHosts()
	for _, mapping := range mappings {
		if operations.MatchHostnames(hosts, []string{mapping.Hostname}) {
			return mapping.Indexer, true
		}
	}
	return "", false
}

// Attribute implements operations.Item. Numeric values are float64.
func (i *Item) Attribute(name string) (any, bool) {
	switch name {
	case "name":
		return i.Name, true
	case "status":
		return i.Status.String(), true
	case "age":
		return i.Age(), true
	case "seconds_since_done":
		return i.SecondsSinceDone(), true
	case "seconds_downloading":
		return i.SecondsDownloading(), true
	case "rate_total":
		rate, ok := i.RateTotal()
		if !ok {
			return nil, false
		}
		return rate, true
	case "ratio":
		return i.Ratio, true
	case "size_when_done":
		return float64(i.SizeWhenDone), true
	case "total_size":
		return float64(i.TotalSize), true
	case "left_until_done":
		return float64(i.LeftUntilDone), true
	case "downloaded":
		return float64(i.DownloadedEver), true
	case "bandwidth_priority":
		return float64(i.BandwidthPriority), true
	case "path":
		return i.Path(), true
	case "error_message":
		return i.ErrorMessage, true
	default:
		return nil, false
	}
}

// Files implements operations.Item.
func (i *Item) Files() []operations.FileInfo {
	if i.memo.opFiles != nil {
		return i.memo.opFiles
	}
	files := make([]operations.FileInfo, len(i.Fields.Files))
	for idx, f := range i.Fields.Files {
		files[idx] = operations.FileInfo{
			Name:      f.Name,
			Size:      f.Size,
			Completed: f.Completed,
			Wanted:    f.Wanted,
		}
	}
	i.memo.opFiles = files
	return files
}

func (i *Item) warnOnce(reason string, emit func()) {
	if _, done := i.warned[reason]; done {
		return
	}
	i.warned[reason] = struct{}{}
	emit()
}
