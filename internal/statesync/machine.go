// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package statesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/internal/downloadclient"
	"github.com/rpatterson/prunerr/internal/downloads"
	"github.com/rpatterson/prunerr/internal/servarr"
	"github.com/rpatterson/prunerr/pkg/hardlink"
	"github.com/rpatterson/prunerr/pkg/pathutil"
)

// defaultImportGrace gives the manager's copy/hardlink of an imported
// file time to finish before the item is moved out from under it.
const defaultImportGrace = 120 * time.Second

// State labels the outcome of one item's sync pass.
type State string

const (
	StateUnmanaged        State = "unmanaged"
	StateUnidentified     State = "unidentified"
	StatePendingHistory   State = "pending-history"
	StateProcessingEvents State = "processing-events"
)

// Result summarizes one item's pass.
type Result struct {
	Hash   string
	Name   string
	State  State
	Synced int
	Moved  bool
}

// Options tune a Machine.
type Options struct {
	// Replay re-runs handlers for records already marked synced.
	Replay bool

	// Quiet suppresses repeated per-item complaints across daemon
	// passes. The same Logged set must be passed back in for the
	// suppression to hold.
	Quiet  bool
	Logged map[string]struct{}

	ImportGrace time.Duration
	Now         func() time.Time
}

// ItemMover is the slice of the download client the sync machine needs:
// the managed directory layout, the manager bindings routed through the
// client and the ability to relocate an item.
type ItemMover interface {
	ManagedRoots() []downloadclient.ManagedRoot
	Bindings() []*downloadclient.ServarrBinding
	MoveItem(ctx context.Context, item *downloads.Item, destDir string) error
}

// Machine drives the per-item state sync for one download client.
type Machine struct {
	client ItemMover
	opts   Options
}

// NewMachine creates a sync machine over one client's items and bindings.
func NewMachine(client ItemMover, opts Options) *Machine {
	if opts.ImportGrace <= 0 {
		opts.ImportGrace = defaultImportGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logged == nil {
		opts.Logged = make(map[string]struct{})
	}
	return &Machine{client: client, opts: opts}
}

// SyncItem runs one item through the state machine. Transitions are
// idempotent: a repeated pass with no new upstream data changes nothing.
func (m *Machine) SyncItem(ctx context.Context, item *downloads.Item) (*Result, error) {
	result := &Result{Hash: item.Hash(), Name: item.Name}

	root := m.containingRoot(item)
	if root == nil {
		result.State = StateUnmanaged
		return result, nil
	}

	metadataPath := downloads.MetadataPath(item)
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	binding, err := m.identify(ctx, item, m.candidateBindings(root), metadata)
	if err != nil {
		return nil, err
	}
	if binding == nil || metadata.DirID == 0 {
		result.State = StateUnidentified
		m.logOnce(item.Hash(), "unidentified", func() {
			log.Error().
				Str("name", item.Name).
				Msg("sync: no manager claims this item")
		})
		return result, nil
	}

	records, err := m.itemHistory(ctx, item, binding, metadata.DirID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 && len(metadata.History) == 0 {
		result.State = StatePendingHistory
		if metadata.dirty {
			if err := metadata.Save(metadataPath); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	result.State = StateProcessingEvents
	metadata.Merge(records, m.opts.Now())

	entries := metadata.Entries()
	pending := make([]*HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Synced == nil || m.opts.Replay {
			pending = append(pending, entry)
		}
	}

	if len(pending) > 0 {
		moved, err := m.applyEntries(ctx, item, binding, entries[0], pending, result)
		if err != nil {
			// Persist progress so far before surfacing the error.
			if metadata.dirty {
				if saveErr := metadata.Save(downloads.MetadataPath(item)); saveErr != nil {
					log.Error().Err(saveErr).
						Str("name", item.Name).
						Msg("sync: could not persist metadata after handler error")
				}
			}
			return nil, err
		}
		result.Moved = moved
		if result.Synced > 0 {
			metadata.dirty = true
		}
	}

	// The item may have moved; persist next to its current location. A
	// pass that changed nothing leaves the file untouched.
	if metadata.dirty {
		if err := metadata.Save(downloads.MetadataPath(item)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// applyEntries enforces the location the newest event calls for, then
// replays deferred side effects and marks the pending entries synced.
// Older events never move the item: the latest event alone decides where
// it belongs, so a re-run cannot drag an imported item back into the
// download root.
func (m *Machine) applyEntries(ctx context.Context, item *downloads.Item, binding *downloadclient.ServarrBinding, latest *HistoryEntry, pending []*HistoryEntry, result *Result) (bool, error) {
	if latest.Record.EventType == servarr.EventImported &&
		m.opts.Now().Sub(latest.FirstSeen) < m.opts.ImportGrace {
		// Give the manager's copy of the imported files time to
		// finish before moving them out from under it.
		return false, nil
	}

	done, moved, err := m.locationSync(ctx, item, binding, routeFor(latest.Record.EventType))
	if err != nil || !done {
		return moved, err
	}

	imports := false
	for _, entry := range pending {
		if entry.Record.EventType != servarr.EventImported {
			continue
		}
		imports = true
		if imported := entry.Record.ImportedPath(); imported != "" {
			m.repairImportLink(item, entry.Record.DroppedPath(), imported)
		}
	}
	if imports {
		m.noteHardlinks(item)
	}

	syncedAt := m.opts.Now()
	for _, entry := range pending {
		entry.Synced = &syncedAt
		result.Synced++
	}
	return moved, nil
}

// candidateBindings lists the manager bindings that may own an item
// found under the given root. The download root is shared between every
// binding, so an item there must be checked against all of them; the
// per-manager seeding and deleted roots are unambiguous.
func (m *Machine) candidateBindings(root *downloadclient.ManagedRoot) []*downloadclient.ServarrBinding {
	if root.Kind != downloadclient.KindDownload {
		return []*downloadclient.ServarrBinding{root.Binding}
	}
	var candidates []*downloadclient.ServarrBinding
	for _, binding := range m.client.Bindings() {
		if binding.DownloadDir == root.Path {
			candidates = append(candidates, binding)
		}
	}
	return candidates
}

// identify resolves which manager owns the item and its managed
// directory id, cheapest source first: cached metadata, then each
// candidate manager's queue, then a global history search per manager
// as a last resort. The claiming binding is recorded in the metadata so
// later passes skip the probing.
func (m *Machine) identify(ctx context.Context, item *downloads.Item, candidates []*downloadclient.ServarrBinding, metadata *Metadata) (*downloadclient.ServarrBinding, error) {
	if metadata.DirID != 0 {
		for _, binding := range candidates {
			if binding.Servarr.Name == metadata.Servarr {
				return binding, nil
			}
		}
		if len(candidates) > 0 {
			return candidates[0], nil
		}
		return nil, nil
	}

	for _, binding := range candidates {
		queued, ok, err := binding.Servarr.QueueRecord(ctx, item.Hash())
		if err != nil {
			return nil, err
		}
		if ok && queued.DirID != 0 {
			metadata.Servarr = binding.Servarr.Name
			metadata.DirID = queued.DirID
			metadata.Queue = &queued
			if metadata.Indexer == "" {
				metadata.Indexer = queued.Indexer
			}
			metadata.dirty = true
			return binding, nil
		}
	}

	for _, binding := range candidates {
		record, err := binding.Servarr.FindLatestHistory(ctx, item.Hash())
		if err != nil {
			return nil, err
		}
		if record != nil {
			metadata.Servarr = binding.Servarr.Name
			metadata.DirID = record.DirID
			if metadata.Indexer == "" {
				metadata.Indexer = record.Indexer()
			}
			metadata.dirty = true
			return binding, nil
		}
	}
	return nil, nil
}

// itemHistory returns the directory history records belonging to this
// item, including records correlated transitively through imported
// paths.
func (m *Machine) itemHistory(ctx context.Context, item *downloads.Item, binding *downloadclient.ServarrBinding, dirID int64) ([]*servarr.HistoryRecord, error) {
	if _, err := binding.Servarr.DirHistory(ctx, dirID); err != nil {
		return nil, err
	}
	return binding.Servarr.History().ByDownloadID(item.Hash()), nil
}

type route struct {
	src downloadclient.ManagedKind
	dst downloadclient.ManagedKind
}

// eventRoutes maps each handled event type to the logical roots the item
// is expected to move between. Unlisted events sync in place.
var eventRoutes = map[servarr.EventType]route{
	servarr.EventGrabbed:     {src: downloadclient.KindDownload, dst: downloadclient.KindDownload},
	servarr.EventImported:    {src: downloadclient.KindDownload, dst: downloadclient.KindSeeding},
	servarr.EventFileDeleted: {src: downloadclient.KindSeeding, dst: downloadclient.KindSeeding},
	servarr.EventFileRenamed: {src: downloadclient.KindSeeding, dst: downloadclient.KindSeeding},
}

func routeFor(event servarr.EventType) route {
	if r, ok := eventRoutes[event]; ok {
		return r
	}
	return route{src: downloadclient.KindDownload, dst: downloadclient.KindDownload}
}

// locationSync is the default handler and the core invariant enforcer:
// the item must live under the event's destination root.
func (m *Machine) locationSync(ctx context.Context, item *downloads.Item, binding *downloadclient.ServarrBinding, r route) (done, moved bool, err error) {
	dstRoot := rootPath(binding, r.dst)
	if pathutil.HasPrefix(item.Path(), dstRoot) {
		return true, false, nil
	}

	if len(item.Fields.Files) == 0 {
		// Nothing on disk yet to move.
		return false, false, nil
	}

	srcRoot := rootPath(binding, r.src)
	if !pathutil.HasPrefix(item.Path(), srcRoot) {
		actual := pathutil.ContainingRoot(item.Path(), m.allRootPaths())
		if actual == "" {
			return false, false, nil
		}
		m.logOnce(item.Hash(), "drifted:"+actual, func() {
			log.Warn().
				Str("name", item.Name).
				Str("expected", srcRoot).
				Str("actual", actual).
				Msg("sync: item drifted outside its expected root")
		})
		srcRoot = actual
	}

	// Preserve the item's directory structure beneath the old root.
	destDir, err := pathutil.SwapRoot(item.DownloadDir, srcRoot, dstRoot)
	if err != nil {
		return false, false, fmt.Errorf("relocating %q: %w", item.Name, err)
	}

	oldMetadata := downloads.MetadataPath(item)
	if err := m.client.MoveItem(ctx, item, destDir); err != nil {
		return false, false, err
	}
	moveMetadata(oldMetadata, downloads.MetadataPath(item))
	return true, true, nil
}

// repairImportLink maintains a symlink inside the item's directory
// pointing at the manager's library copy of the dropped file.
func (m *Machine) repairImportLink(item *downloads.Item, droppedPath, importedPath string) {
	name := filepath.Base(droppedPath)
	if name == "." || name == string(filepath.Separator) {
		name = filepath.Base(importedPath)
	}
	name = pathutil.SanitizePathSegment(pathutil.Stem(name))
	linkPath := filepath.Join(item.Path(), name+downloads.ImportLinkSuffix)

	if target, err := os.Readlink(linkPath); err == nil {
		if target == importedPath {
			return
		}
		if err := os.Remove(linkPath); err != nil {
			log.Warn().Err(err).
				Str("link", linkPath).
				Msg("sync: could not replace stale import link")
			return
		}
	}
	if err := os.Symlink(importedPath, linkPath); err != nil {
		m.logOnce(item.Hash(), "importlink:"+linkPath, func() {
			log.Warn().Err(err).
				Str("link", linkPath).
				Str("target", importedPath).
				Msg("sync: could not create import link")
		})
		return
	}
	log.Debug().
		Str("link", linkPath).
		Str("target", importedPath).
		Msg("sync: repaired import link")
}

// noteHardlinks records whether the manager imported the item's files by
// hardlinking. Hardlinked items share storage with the library copy, so
// deleting them later frees nothing.
func (m *Machine) noteHardlinks(item *downloads.Item) {
	names := make([]string, 0, len(item.Fields.Files))
	for _, file := range item.Fields.Files {
		names = append(names, file.Name)
	}
	if hardlink.IsAnyHardlinked(item.DownloadDir, names) {
		log.Debug().
			Str("item", item.Name).
			Msg("sync: imported files are hardlinked into the library")
	}
}

func (m *Machine) containingRoot(item *downloads.Item) *downloadclient.ManagedRoot {
	roots := m.client.ManagedRoots()
	var best *downloadclient.ManagedRoot
	for i := range roots {
		root := &roots[i]
		if !pathutil.HasPrefix(item.Path(), root.Path) {
			continue
		}
		if best == nil || len(root.Path) > len(best.Path) {
			best = root
		}
	}
	return best
}

func (m *Machine) allRootPaths() []string {
	roots := m.client.ManagedRoots()
	paths := make([]string, 0, len(roots))
	for _, root := range roots {
		paths = append(paths, root.Path)
	}
	return paths
}

func rootPath(binding *downloadclient.ServarrBinding, kind downloadclient.ManagedKind) string {
	switch kind {
	case downloadclient.KindSeeding:
		return binding.SeedingDir
	case downloadclient.KindDeleted:
		return binding.DeletedDir
	default:
		return binding.DownloadDir
	}
}

func moveMetadata(oldPath, newPath string) {
	if oldPath == newPath {
		return
	}
	if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).
			Str("from", oldPath).
			Str("to", newPath).
			Msg("sync: could not relocate metadata with item")
	}
}

// logOnce emits a condition's log line the first time it is seen while
// quiet mode holds the suppression set.
func (m *Machine) logOnce(hash, condition string, emit func()) {
	key := hash + "\x00" + condition
	if m.opts.Quiet {
		if _, seen := m.opts.Logged[key]; seen {
			return
		}
	}
	m.opts.Logged[key] = struct{}{}
	emit()
}
