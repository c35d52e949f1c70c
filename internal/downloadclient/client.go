// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/internal/downloads"
	"github.com/rpatterson/prunerr/internal/operations"
	"github.com/rpatterson/prunerr/internal/servarr"
	"github.com/rpatterson/prunerr/pkg/fsutil"
	"github.com/rpatterson/prunerr/pkg/pathutil"
	"github.com/rpatterson/prunerr/pkg/redact"
)

const (
	defaultMoveTimeout               = 5 * time.Minute
	defaultDownloadTimeMarginSeconds = 600
)

// ErrMoveTimeout reports that an item's files did not leave their old
// location within the move timeout. The caller stops the item instead of
// waiting forever.
var ErrMoveTimeout = errors.New("timed out waiting for item move")

// Tracker error messages have no structured codes, so lifecycle problems
// are recognized by message, case-insensitively. The corruption pattern
// tolerates a known upstream misspelling.
var (
	unregisteredRE = regexp.MustCompile(`(?i)unregistered|not registered`)
	corruptRE      = regexp.MustCompile(`(?i)verif|c[ou]rr?upt`)
)

// Config is the per-client connection and threshold configuration.
type Config struct {
	URL *url.URL

	// MaxDownloadBandwidth in megabits per second. Zero falls back to
	// the client's own download speed limit.
	MaxDownloadBandwidth float64

	// MinDownloadTimeMargin is how many seconds of full-bandwidth
	// downloading the free-space threshold must cover.
	MinDownloadTimeMargin int

	// Dial overrides the RPC transport. Nil means Transmission.
	Dial func(*url.URL) (RPC, error)
}

// Policy carries the indexer mappings and rule-set evaluator shared by
// all clients in one run.
type Policy struct {
	Hostnames []downloads.IndexerHostname
	Evaluator *operations.Evaluator
}

// ReviewChange records one bandwidth-priority adjustment applied during
// review, for summaries.
type ReviewChange struct {
	Hash     string
	Name     string
	RuleSet  string
	Priority int64
}

// Orphan is a filesystem entry under a managed root that no known item
// accounts for.
type Orphan struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Client owns one download-client connection, its current item list and
// its free-space bookkeeping. All state is rebuilt wholesale on Update.
type Client struct {
	cfg    Config
	policy Policy

	dial func(*url.URL) (RPC, error)
	rpc  RPC

	session      Session
	minFreeSpace int64
	freeSpace    int64

	items    map[string]*downloads.Item
	bindings []*ServarrBinding

	// peers returns every known client, self included, for the
	// shared-filesystem free-space refresh after deletions.
	peers func() []*Client

	exists      func(string) bool
	now         func() time.Time
	sleep       func(time.Duration)
	moveTimeout time.Duration
}

// NewClient creates a client for one configured connection URL. No I/O
// happens until Update.
func NewClient(cfg Config, policy Policy) *Client {
	dial := cfg.Dial
	if dial == nil {
		dial = NewTransmissionRPC
	}
	c := &Client{
		cfg:         cfg,
		policy:      policy,
		dial:        dial,
		exists:      pathExists,
		now:         time.Now,
		sleep:       time.Sleep,
		moveTimeout: defaultMoveTimeout,
	}
	c.peers = func() []*Client { return []*Client{c} }
	return c
}

// URL returns the configured connection URL.
func (c *Client) URL() *url.URL {
	return c.cfg.URL
}

// SetPeers installs the all-clients view used to propagate free-space
// refreshes after filesystem deletions.
func (c *Client) SetPeers(peers func() []*Client) {
	c.peers = peers
}

// NormalizeURL produces the stable identity key clients are reconciled
// by: lowercased scheme and host, credentials and trailing slash dropped.
func NormalizeURL(u *url.URL) string {
	normalized := &url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Host),
		Path:   strings.TrimRight(u.Path, "/"),
	}
	return normalized.String()
}

// Update (re)connects, refreshes session settings, recomputes the derived
// free-space threshold, rebuilds the item list and rebinds the given
// media managers to this client.
func (c *Client) Update(ctx context.Context, adapters []*servarr.Adapter) error {
	if c.rpc == nil {
		rpc, err := c.dial(c.cfg.URL)
		if err != nil {
			return redact.URLError(err)
		}
		c.rpc = rpc
	}

	session, err := c.rpc.Session(ctx)
	if err != nil {
		return fmt.Errorf("refreshing session for %q: %w", c.cfg.URL.Redacted(), err)
	}
	c.session = session
	c.computeMinFreeSpace()

	fields, err := c.rpc.Items(ctx)
	if err != nil {
		return fmt.Errorf("refreshing items for %q: %w", c.cfg.URL.Redacted(), err)
	}
	opts := c.itemOptions()
	c.items = make(map[string]*downloads.Item, len(fields))
	for _, f := range fields {
		item := downloads.NewItem(f, opts)
		c.items[item.Hash()] = item
	}

	c.bindings = c.bindings[:0]
	for _, adapter := range adapters {
		if !servesClient(ctx, adapter, c.cfg.URL) {
			log.Warn().
				Str("servarr", adapter.Name).
				Str("client", c.cfg.URL.Redacted()).
				Msg("downloadclient: manager does not list this client, skipping binding")
			continue
		}
		c.bindings = append(c.bindings, newBinding(adapter, c.session.DownloadDir))
	}

	return c.RefreshFreeSpace(ctx)
}

func (c *Client) itemOptions() downloads.Options {
	return downloads.Options{
		IncompleteDir:        c.session.IncompleteDir,
		IncompleteDirEnabled: c.session.IncompleteDirEnabled,
		Now:                  c.now,
		Exists:               c.exists,
	}
}

func (c *Client) computeMinFreeSpace() {
	margin := c.cfg.MinDownloadTimeMargin
	if margin <= 0 {
		margin = defaultDownloadTimeMarginSeconds
	}
	var bytesPerSecond float64
	switch {
	case c.cfg.MaxDownloadBandwidth > 0:
		bytesPerSecond = c.cfg.MaxDownloadBandwidth / 8 * 1024 * 1024
	case c.session.SpeedLimitDownEnabled && c.session.SpeedLimitDown > 0:
		bytesPerSecond = float64(c.session.SpeedLimitDown) * 1024
	default:
		log.Debug().
			Str("client", c.cfg.URL.Redacted()).
			Msg("downloadclient: no download bandwidth known, free-space threshold disabled")
	}
	c.minFreeSpace = int64(bytesPerSecond * float64(margin))
}

// MinFreeSpace returns the derived free-space threshold in bytes.
func (c *Client) MinFreeSpace() int64 {
	return c.minFreeSpace
}

// FreeSpace returns the last observed free space in bytes.
func (c *Client) FreeSpace() int64 {
	return c.freeSpace
}

// Session returns the last refreshed session settings.
func (c *Client) Session() Session {
	return c.session
}

// Bindings returns the media-manager bindings routed through this client.
func (c *Client) Bindings() []*ServarrBinding {
	return c.bindings
}

// Items returns the current items sorted by name for deterministic
// iteration.
func (c *Client) Items() []*downloads.Item {
	items := make([]*downloads.Item, 0, len(c.items))
	for _, item := range c.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// ItemByHash looks an item up by its case-insensitive hash.
func (c *Client) ItemByHash(hash string) (*downloads.Item, bool) {
	item, ok := c.items[strings.ToLower(hash)]
	return item, ok
}

// ManagedRoots returns every managed directory root of this client's
// bindings, deduplicated, download roots first.
func (c *Client) ManagedRoots() []ManagedRoot {
	seen := make(map[string]struct{})
	var roots []ManagedRoot
	for _, binding := range c.bindings {
		for _, root := range binding.Roots() {
			if _, dup := seen[root.Path]; dup {
				continue
			}
			seen[root.Path] = struct{}{}
			roots = append(roots, root)
		}
	}
	return roots
}

func (c *Client) managedRootPaths() []string {
	roots := c.ManagedRoots()
	paths := make([]string, 0, len(roots))
	for _, root := range roots {
		paths = append(paths, root.Path)
	}
	return paths
}

// RefreshFreeSpace re-queries free space for the client's download dir.
func (c *Client) RefreshFreeSpace(ctx context.Context) error {
	free, err := c.rpc.FreeSpace(ctx, c.session.DownloadDir)
	if err != nil {
		return fmt.Errorf("refreshing free space for %q: %w", c.cfg.URL.Redacted(), err)
	}
	c.freeSpace = free
	return nil
}

func (c *Client) refreshAllFreeSpace(ctx context.Context) error {
	// Co-located clients may share a filesystem, so one client's
	// deletion changes every client's figure.
	for _, peer := range c.peers() {
		if peer != c && peer.session.DownloadDir != "" && c.session.DownloadDir != "" {
			same, err := fsutil.SameFilesystem(c.session.DownloadDir, peer.session.DownloadDir)
			if err == nil && !same {
				continue
			}
		}
		if err := peer.RefreshFreeSpace(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FreeSpaceMaybeResume reports whether free space meets the threshold,
// clearing any previously applied download speed cap when it does.
func (c *Client) FreeSpaceMaybeResume(ctx context.Context) (bool, error) {
	if c.minFreeSpace > 0 && c.freeSpace < c.minFreeSpace {
		return false, nil
	}
	if c.session.SpeedLimitDownEnabled && c.session.SpeedLimitDown == 0 {
		enabled := false
		if err := c.rpc.UpdateSession(ctx, SessionUpdate{SpeedLimitDownEnabled: &enabled}); err != nil {
			return true, fmt.Errorf("clearing download cap for %q: %w", c.cfg.URL.Redacted(), err)
		}
		c.session.SpeedLimitDownEnabled = false
		log.Info().
			Str("client", c.cfg.URL.Redacted()).
			Msg("freespace: sufficient again, resumed downloading")
	}
	return true, nil
}

// StopDownloading caps the download speed at zero. Applied when the
// threshold cannot be met by any deletion.
func (c *Client) StopDownloading(ctx context.Context) error {
	var zero int64
	enabled := true
	if err := c.rpc.UpdateSession(ctx, SessionUpdate{
		SpeedLimitDown:        &zero,
		SpeedLimitDownEnabled: &enabled,
	}); err != nil {
		return fmt.Errorf("capping download speed for %q: %w", c.cfg.URL.Redacted(), err)
	}
	c.session.SpeedLimitDown = 0
	c.session.SpeedLimitDownEnabled = true
	return nil
}

// FindUnregistered returns items whose tracker reports them unregistered
// and which are still downloading or already under a seeding root, best
// deletion candidate first.
func (c *Client) FindUnregistered() ([]*downloads.Item, error) {
	var candidates []*downloads.Item
	for _, item := range c.Items() {
		if !unregisteredRE.MatchString(item.ErrorMessage) {
			continue
		}
		if item.Status != downloads.StatusDownloading && !c.underSeedingRoot(item) {
			continue
		}
		candidates = append(candidates, item)
	}
	return c.sortCandidates(candidates, false)
}

// FindSeeding returns seeding items under a managed seeding root that
// pass the priorities filter, best deletion candidate first.
func (c *Client) FindSeeding() ([]*downloads.Item, error) {
	var candidates []*downloads.Item
	for _, item := range c.Items() {
		if item.Status != downloads.StatusSeeding || !c.underSeedingRoot(item) {
			continue
		}
		candidates = append(candidates, item)
	}
	return c.sortCandidates(candidates, true)
}

func (c *Client) underSeedingRoot(item *downloads.Item) bool {
	for _, root := range c.ManagedRoots() {
		if root.Kind == KindSeeding && pathutil.HasPrefix(item.Path(), root.Path) {
			return true
		}
	}
	return false
}

// sortCandidates orders items by their priorities sort key, ascending,
// so the least-priority item comes first. When filter is set, items the
// rule sets exclude are dropped.
func (c *Client) sortCandidates(items []*downloads.Item, filter bool) ([]*downloads.Item, error) {
	type keyed struct {
		item *downloads.Item
		key  operations.SortKey
	}
	keyedItems := make([]keyed, 0, len(items))
	for _, item := range items {
		include, key, err := c.policy.Evaluator.ExecIndexerOperations(item, operations.KindPriorities)
		if err != nil {
			return nil, err
		}
		if filter && !include {
			continue
		}
		keyedItems = append(keyedItems, keyed{item: item, key: key})
	}
	sort.SliceStable(keyedItems, func(i, j int) bool {
		return operations.Less(keyedItems[i].key, keyedItems[j].key)
	})
	sorted := make([]*downloads.Item, 0, len(keyedItems))
	for _, k := range keyedItems {
		sorted = append(sorted, k.item)
	}
	return sorted, nil
}

// Review applies each reviews rule set's bandwidth-priority adjustment to
// the items it matches and includes.
func (c *Client) Review(ctx context.Context) ([]ReviewChange, error) {
	var changes []ReviewChange
	for _, item := range c.Items() {
		ruleSet, _ := c.policy.Evaluator.MatchRuleSet(item, operations.KindReviews)
		if ruleSet == nil || ruleSet.BandwidthPriority == nil {
			continue
		}
		include, _, err := c.policy.Evaluator.ExecOperations(ruleSet.Operations, item)
		if err != nil {
			return nil, err
		}
		if !include || item.BandwidthPriority == *ruleSet.BandwidthPriority {
			continue
		}
		if err := c.rpc.SetBandwidthPriority(ctx, *ruleSet.BandwidthPriority, item.ID); err != nil {
			return nil, fmt.Errorf("setting bandwidth priority on %q: %w", item.Name, err)
		}
		fields := item.Fields
		fields.BandwidthPriority = *ruleSet.BandwidthPriority
		item.Update(fields)
		changes = append(changes, ReviewChange{
			Hash:     item.Hash(),
			Name:     item.Name,
			RuleSet:  ruleSet.Name,
			Priority: *ruleSet.BandwidthPriority,
		})
	}
	return changes, nil
}

// DeleteItemFiles removes an item from the client without the client's
// own data deletion, deletes the files directly tolerating per-entry
// errors, prunes empty parents and refreshes every client's free space.
func (c *Client) DeleteItemFiles(ctx context.Context, item *downloads.Item) error {
	// The client's own delete can hang on large items, so data removal
	// stays on our side.
	if err := c.rpc.Remove(ctx, false, item.ID); err != nil {
		return fmt.Errorf("removing %q from client: %w", item.Name, err)
	}
	delete(c.items, item.Hash())

	path := item.Path()
	for _, file := range item.Fields.Files {
		target := filepath.Join(item.DownloadDir, filepath.FromSlash(file.Name))
		if !pathutil.HasPrefix(target, item.DownloadDir) {
			log.Error().
				Str("name", item.Name).
				Str("file", file.Name).
				Msg("downloadclient: file escapes download dir, skipping")
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).
				Str("file", target).
				Msg("downloadclient: could not delete file, continuing")
		}
	}
	if err := os.Remove(downloads.MetadataPath(item)); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).
			Str("file", downloads.MetadataPath(item)).
			Msg("downloadclient: could not delete metadata, continuing")
	}
	// Leftovers: import links, partial files, the directory itself.
	if err := os.RemoveAll(path); err != nil {
		log.Error().Err(err).
			Str("path", path).
			Msg("downloadclient: could not delete item directory, continuing")
	}
	c.pruneEmptyParents(filepath.Dir(path))

	log.Info().
		Str("name", item.Name).
		Str("path", path).
		Msg("freespace: deleted item files")
	return c.refreshAllFreeSpace(ctx)
}

// DeleteOrphan deletes a filesystem entry no item accounts for, then
// refreshes every client's free space.
func (c *Client) DeleteOrphan(ctx context.Context, orphan Orphan) error {
	if root := pathutil.ContainingRoot(orphan.Path, c.managedRootPaths()); root == "" {
		return fmt.Errorf("refusing to delete %q: outside managed roots", orphan.Path)
	}
	if err := os.RemoveAll(orphan.Path); err != nil {
		return fmt.Errorf("deleting orphan %q: %w", orphan.Path, err)
	}
	c.pruneEmptyParents(filepath.Dir(orphan.Path))
	log.Info().
		Str("path", orphan.Path).
		Int64("size", orphan.Size).
		Msg("freespace: deleted orphan")
	return c.refreshAllFreeSpace(ctx)
}

// pruneEmptyParents removes now-empty directories from start up to, not
// including, the containing managed root.
func (c *Client) pruneEmptyParents(start string) {
	root := pathutil.ContainingRoot(start, c.managedRootPaths())
	if root == "" {
		return
	}
	dir := filepath.Clean(start)
	for dir != root && dir != "." && dir != string(filepath.Separator) {
		// os.Remove on a directory only succeeds when it is empty.
		if err := os.Remove(dir); err != nil {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// FindOrphans scans every managed root's top-level entries for ones no
// known item accounts for. Entries modified within grace are left alone
// to protect additions still being written.
func (c *Client) FindOrphans(ctx context.Context, grace time.Duration) ([]Orphan, error) {
	claimed := make(map[string]struct{}, len(c.items)*3)
	for _, item := range c.items {
		claimed[filepath.Clean(item.Path())] = struct{}{}
		claimed[filepath.Clean(item.FilesParent())] = struct{}{}
		claimed[filepath.Clean(downloads.MetadataPath(item))] = struct{}{}
	}

	var orphans []Orphan
	for _, root := range c.ManagedRoots() {
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scanning %q: %w", root.Path, err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path := filepath.Join(root.Path, entry.Name())
			if _, ok := claimed[path]; ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			size := info.Size()
			modTime := info.ModTime()
			if entry.IsDir() {
				size, modTime, err = fsutil.DirStat(path)
				if err != nil {
					log.Debug().Err(err).
						Str("path", path).
						Msg("freespace: could not size orphan, skipping")
					continue
				}
			}
			if c.now().Sub(modTime) < grace {
				continue
			}
			orphans = append(orphans, Orphan{Path: path, Size: size, ModTime: modTime})
		}
	}
	return orphans, nil
}

// MoveItem relocates an item, polling until its files leave the old
// location. On timeout the item is stopped and ErrMoveTimeout returned.
func (c *Client) MoveItem(ctx context.Context, item *downloads.Item, destDir string) error {
	oldPath := item.Path()
	if err := c.rpc.Move(ctx, item.ID, destDir); err != nil {
		return fmt.Errorf("moving %q to %q: %w", item.Name, destDir, err)
	}

	deadline := c.now().Add(c.moveTimeout)
	for c.exists(oldPath) {
		if c.now().After(deadline) {
			if stopErr := c.rpc.Stop(ctx, item.ID); stopErr != nil {
				log.Error().Err(stopErr).
					Str("name", item.Name).
					Msg("downloadclient: could not stop item after move timeout")
			}
			return fmt.Errorf("%w: %q still at %q", ErrMoveTimeout, item.Name, oldPath)
		}
		c.sleep(time.Second)
	}

	fields, found, err := c.rpc.Item(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("refreshing %q after move: %w", item.Name, err)
	}
	if found {
		item.Update(fields)
	}
	log.Info().
		Str("name", item.Name).
		Str("from", oldPath).
		Str("to", destDir).
		Msg("sync: moved item")
	return nil
}

// VerifyCorruptItems triggers verification for items whose error message
// indicates local data corruption and which are not already checking or
// tracked in verifying. Started hashes are added to verifying.
func (c *Client) VerifyCorruptItems(ctx context.Context, verifying map[string]struct{}) ([]*downloads.Item, error) {
	var started []*downloads.Item
	var ids []int64
	for _, item := range c.Items() {
		if item.ErrorCode == 0 || !corruptRE.MatchString(item.ErrorMessage) {
			continue
		}
		if item.IsChecking() {
			continue
		}
		if _, tracked := verifying[item.Hash()]; tracked {
			continue
		}
		started = append(started, item)
		ids = append(ids, item.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := c.rpc.Verify(ctx, ids...); err != nil {
		return nil, fmt.Errorf("verifying corrupt items: %w", err)
	}
	for _, item := range started {
		verifying[item.Hash()] = struct{}{}
		log.Info().
			Str("name", item.Name).
			Str("error", item.ErrorMessage).
			Msg("verify: started verification of corrupt item")
	}
	return started, nil
}

// ResumeVerifiedItems starts previously-verifying items that are no
// longer checking and drops them from verifying.
func (c *Client) ResumeVerifiedItems(ctx context.Context, verifying map[string]struct{}) ([]*downloads.Item, error) {
	var resumed []*downloads.Item
	for hash := range verifying {
		item, ok := c.items[hash]
		if !ok {
			delete(verifying, hash)
			continue
		}
		if item.IsChecking() {
			continue
		}
		if err := c.rpc.Start(ctx, item.ID); err != nil {
			return resumed, fmt.Errorf("resuming %q: %w", item.Name, err)
		}
		delete(verifying, hash)
		resumed = append(resumed, item)
		log.Info().
			Str("name", item.Name).
			Msg("verify: resumed verified item")
	}
	return resumed, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
