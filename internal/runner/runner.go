// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package runner wires the configured media managers and download clients
// together and drives the top-level operations: verify, review, sync and
// free-space reclamation, one-shot or as a daemon.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/internal/config"
	"github.com/rpatterson/prunerr/internal/downloadclient"
	"github.com/rpatterson/prunerr/internal/downloads"
	"github.com/rpatterson/prunerr/internal/operations"
	"github.com/rpatterson/prunerr/internal/servarr"
	"github.com/rpatterson/prunerr/internal/statesync"
)

const servarrTimeoutSeconds = 30

// Reclamation tiers, least valuable data first.
const (
	TierUnregistered = "unregistered"
	TierOrphan       = "orphan"
	TierSeeding      = "seeding"
)

// Deletion records one reclaimed entry for summaries.
type Deletion struct {
	ClientURL string
	Tier      string
	Name      string
	Size      int64
}

// FreeSpaceSummary reports what one reclamation pass deleted and whether
// any client was left below its threshold with nothing left to delete.
type FreeSpaceSummary struct {
	Deletions    []Deletion
	Stopped      []string
	Insufficient bool
}

// SyncSummary aggregates per-item sync results.
type SyncSummary struct {
	Items  int
	Moved  int
	Synced int
	States map[statesync.State]int
}

// VerifySummary counts corruption handling in one pass.
type VerifySummary struct {
	Started int
	Resumed int
}

// ExecSummary is the combined result of one full pass.
type ExecSummary struct {
	Verify    VerifySummary
	Reviews   []downloadclient.ReviewChange
	Sync      *SyncSummary
	FreeSpace *FreeSpaceSummary
}

// Options tune a Runner beyond the configuration file.
type Options struct {
	// Replay re-runs sync handlers for already-synced history events.
	Replay bool

	// Quiet suppresses repeated per-item complaints across passes, for
	// daemon mode.
	Quiet bool

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration)

	// Dial overrides the download-client RPC transport. Nil means
	// Transmission.
	Dial func(*url.URL) (downloadclient.RPC, error)
}

// Runner owns the configured adapters and clients plus the state that
// must survive from one pass to the next.
type Runner struct {
	app  *config.AppConfig
	opts Options

	adapters      []*servarr.Adapter
	adaptersByURL map[string]*servarr.Adapter
	clients       []*downloadclient.Client

	// verifying tracks items sent off to re-verify so a later pass can
	// resume them, keyed by hash.
	verifying map[string]struct{}

	// logged backs the sync machines' complaint suppression.
	logged map[string]struct{}
}

// New builds a runner from loaded configuration.
func New(app *config.AppConfig, opts Options) (*Runner, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	r := &Runner{
		app:       app,
		opts:      opts,
		verifying: make(map[string]struct{}),
		logged:    make(map[string]struct{}),
	}
	if err := r.build(); err != nil {
		return nil, err
	}
	return r, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// build (re)creates the adapters and clients from the current
// configuration, preserving cross-pass state.
func (r *Runner) build() error {
	cfg := r.app.Config

	names := make([]string, 0, len(cfg.Servarrs))
	for name := range cfg.Servarrs {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]*servarr.Adapter, 0, len(names))
	adaptersByURL := make(map[string]*servarr.Adapter, len(names))
	for _, name := range names {
		adapter := servarr.NewAdapter(cfg.Servarrs[name], servarrTimeoutSeconds)
		adapters = append(adapters, adapter)
		normalized, err := normalizeURLString(adapter.URL)
		if err != nil {
			return &config.ValidationError{
				Reason: fmt.Sprintf("servarr %q url: %v", name, err),
			}
		}
		adaptersByURL[normalized] = adapter
	}

	evaluator := operations.NewEvaluator(cfg.Indexers.Priorities, cfg.Indexers.Reviews)
	policy := downloadclient.Policy{
		Hostnames: cfg.Indexers.Hostnames,
		Evaluator: evaluator,
	}

	clients := make([]*downloadclient.Client, 0, len(cfg.DownloadClients))
	for i, clientCfg := range cfg.DownloadClients {
		endpoint, err := url.Parse(clientCfg.URL)
		if err != nil {
			return &config.ValidationError{
				Reason: fmt.Sprintf("download client %d url: %v", i, err),
			}
		}
		clients = append(clients, downloadclient.NewClient(downloadclient.Config{
			URL:                   endpoint,
			MaxDownloadBandwidth:  clientCfg.MaxDownloadBandwidth,
			MinDownloadTimeMargin: clientCfg.MinDownloadTimeMargin,
			Dial:                  r.opts.Dial,
		}, policy))
	}

	peers := func() []*downloadclient.Client { return clients }
	for _, client := range clients {
		client.SetPeers(peers)
	}

	r.adapters = adapters
	r.clients = clients
	r.adaptersByURL = adaptersByURL
	return nil
}

// adaptersFor returns the managers a client serves per its configured
// filter. An empty filter means every configured manager.
func (r *Runner) adaptersFor(clientCfg config.DownloadClientConfig) ([]*servarr.Adapter, error) {
	if len(clientCfg.Servarrs) == 0 {
		return r.adapters, nil
	}
	selected := make([]*servarr.Adapter, 0, len(clientCfg.Servarrs))
	for _, raw := range clientCfg.Servarrs {
		normalized, err := normalizeURLString(raw)
		if err != nil {
			return nil, &config.ValidationError{
				Reason: fmt.Sprintf("download client servarr filter %q: %v", raw, err),
			}
		}
		adapter, ok := r.adaptersByURL[normalized]
		if !ok {
			return nil, &config.ValidationError{
				Reason: fmt.Sprintf("download client references unconfigured servarr %q", raw),
			}
		}
		selected = append(selected, adapter)
	}
	return selected, nil
}

func normalizeURLString(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return downloadclient.NormalizeURL(u), nil
}

// Update connects every client and refreshes its session, items and
// manager bindings, retrying transient failures until ctx is cancelled.
func (r *Runner) Update(ctx context.Context) error {
	return r.retryTransient(ctx, "update", func() error {
		for i, client := range r.clients {
			adapters, err := r.adaptersFor(r.app.Config.DownloadClients[i])
			if err != nil {
				return err
			}
			if err := client.Update(ctx, adapters); err != nil {
				return err
			}
		}
		return nil
	})
}

// retryTransient runs fn until it succeeds, retrying after a short pause.
// Configuration problems and cancellation are fatal and returned as-is.
func (r *Runner) retryTransient(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if config.IsValidationError(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("runner: transient failure, retrying")
		r.opts.Sleep(ctx, time.Second)
		if ctx.Err() != nil {
			return err
		}
	}
}

// Verify sends corrupt items off to re-verify and resumes the ones whose
// verification finished since the last pass.
func (r *Runner) Verify(ctx context.Context) (VerifySummary, error) {
	var summary VerifySummary
	for _, client := range r.clients {
		resumed, err := client.ResumeVerifiedItems(ctx, r.verifying)
		if err != nil {
			return summary, err
		}
		summary.Resumed += len(resumed)

		started, err := client.VerifyCorruptItems(ctx, r.verifying)
		if err != nil {
			return summary, err
		}
		summary.Started += len(started)
	}
	return summary, nil
}

// Review applies the configured review rule sets to every item.
func (r *Runner) Review(ctx context.Context) ([]downloadclient.ReviewChange, error) {
	var changes []downloadclient.ReviewChange
	for _, client := range r.clients {
		clientChanges, err := client.Review(ctx)
		if err != nil {
			return nil, err
		}
		changes = append(changes, clientChanges...)
	}
	return changes, nil
}

// Sync reconciles every item's location and metadata with its manager's
// history. A move that times out is reported and skipped; the next pass
// picks the item up again.
func (r *Runner) Sync(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{States: make(map[statesync.State]int)}
	for _, client := range r.clients {
		machine := statesync.NewMachine(client, statesync.Options{
			Replay: r.opts.Replay,
			Quiet:  r.opts.Quiet,
			Logged: r.logged,
			Now:    r.opts.Now,
		})
		for _, item := range client.Items() {
			result, err := machine.SyncItem(ctx, item)
			if err != nil {
				if errors.Is(err, downloadclient.ErrMoveTimeout) {
					log.Error().Err(err).
						Str("name", item.Name).
						Msg("sync: move timed out, will retry next pass")
					continue
				}
				return summary, err
			}
			summary.Items++
			summary.States[result.State]++
			summary.Synced += result.Synced
			if result.Moved {
				summary.Moved++
			}
		}
	}
	return summary, nil
}

// FreeSpace reclaims disk space on every client below its free-space
// threshold, deleting the least valuable data first and re-checking all
// clients after every deletion. When a client stays below threshold with
// nothing left to delete, its downloading is stopped.
func (r *Runner) FreeSpace(ctx context.Context) (*FreeSpaceSummary, error) {
	summary := &FreeSpaceSummary{}
	for {
		needy, err := r.insufficientClients(ctx)
		if err != nil {
			return summary, err
		}
		if len(needy) == 0 {
			return summary, nil
		}

		deleted, err := r.reclaimOne(ctx, needy, summary)
		if err != nil {
			return summary, err
		}
		if deleted {
			continue
		}

		summary.Insufficient = true
		for _, client := range needy {
			log.Error().
				Str("client", client.URL().Redacted()).
				Int64("freeSpace", client.FreeSpace()).
				Int64("minFreeSpace", client.MinFreeSpace()).
				Msg("freespace: below threshold with nothing left to delete, stopping downloads")
			if err := client.StopDownloading(ctx); err != nil {
				return summary, err
			}
			summary.Stopped = append(summary.Stopped, client.URL().Redacted())
		}
		return summary, nil
	}
}

func (r *Runner) insufficientClients(ctx context.Context) ([]*downloadclient.Client, error) {
	var needy []*downloadclient.Client
	for _, client := range r.clients {
		sufficient, err := client.FreeSpaceMaybeResume(ctx)
		if err != nil {
			return nil, err
		}
		if !sufficient {
			needy = append(needy, client)
		}
	}
	return needy, nil
}

// reclaimOne deletes the single least valuable entry across the needy
// clients: an unregistered item, failing that the smallest orphan,
// failing that the lowest-priority seeding item.
func (r *Runner) reclaimOne(ctx context.Context, needy []*downloadclient.Client, summary *FreeSpaceSummary) (bool, error) {
	for _, client := range needy {
		items, err := client.FindUnregistered()
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			continue
		}
		item := items[0]
		if err := client.DeleteItemFiles(ctx, item); err != nil {
			return false, err
		}
		summary.Deletions = append(summary.Deletions, Deletion{
			ClientURL: client.URL().Redacted(),
			Tier:      TierUnregistered,
			Name:      item.Name,
			Size:      item.TotalSize,
		})
		return true, nil
	}

	grace := r.orphanGrace()
	var (
		smallest       downloadclient.Orphan
		smallestClient *downloadclient.Client
	)
	for _, client := range needy {
		orphans, err := client.FindOrphans(ctx, grace)
		if err != nil {
			return false, err
		}
		for _, orphan := range orphans {
			if smallestClient == nil || orphan.Size < smallest.Size {
				smallest = orphan
				smallestClient = client
			}
		}
	}
	if smallestClient != nil {
		if err := smallestClient.DeleteOrphan(ctx, smallest); err != nil {
			return false, err
		}
		summary.Deletions = append(summary.Deletions, Deletion{
			ClientURL: smallestClient.URL().Redacted(),
			Tier:      TierOrphan,
			Name:      smallest.Path,
			Size:      smallest.Size,
		})
		return true, nil
	}

	for _, client := range needy {
		items, err := client.FindSeeding()
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			continue
		}
		item := items[0]
		if err := client.DeleteItemFiles(ctx, item); err != nil {
			return false, err
		}
		summary.Deletions = append(summary.Deletions, Deletion{
			ClientURL: client.URL().Redacted(),
			Tier:      TierSeeding,
			Name:      item.Name,
			Size:      item.TotalSize,
		})
		return true, nil
	}

	return false, nil
}

// ClientPlan is one client's reclamation outlook, for dry runs: its
// free-space standing and the candidates each tier would delete, in
// deletion order.
type ClientPlan struct {
	ClientURL    string
	FreeSpace    int64
	MinFreeSpace int64
	Sufficient   bool
	Unregistered []*downloads.Item
	Orphans      []downloadclient.Orphan
	Seeding      []*downloads.Item
}

// Plan reports what FreeSpace would delete without deleting anything.
func (r *Runner) Plan(ctx context.Context) ([]ClientPlan, error) {
	plans := make([]ClientPlan, 0, len(r.clients))
	grace := r.orphanGrace()
	for _, client := range r.clients {
		plan := ClientPlan{
			ClientURL:    client.URL().Redacted(),
			FreeSpace:    client.FreeSpace(),
			MinFreeSpace: client.MinFreeSpace(),
		}
		plan.Sufficient = plan.MinFreeSpace == 0 || plan.FreeSpace >= plan.MinFreeSpace

		var err error
		if plan.Unregistered, err = client.FindUnregistered(); err != nil {
			return nil, err
		}
		if plan.Orphans, err = client.FindOrphans(ctx, grace); err != nil {
			return nil, err
		}
		sort.Slice(plan.Orphans, func(i, j int) bool {
			return plan.Orphans[i].Size < plan.Orphans[j].Size
		})
		if plan.Seeding, err = client.FindSeeding(); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (r *Runner) orphanGrace() time.Duration {
	return time.Duration(r.app.Config.OrphanGraceSeconds) * time.Second
}

// Exec runs one full pass: update, verify, review, sync, free space.
func (r *Runner) Exec(ctx context.Context) (*ExecSummary, error) {
	if err := r.Update(ctx); err != nil {
		return nil, err
	}
	summary := &ExecSummary{}

	var err error
	if summary.Verify, err = r.Verify(ctx); err != nil {
		return summary, err
	}
	if summary.Reviews, err = r.Review(ctx); err != nil {
		return summary, err
	}
	if summary.Sync, err = r.Sync(ctx); err != nil {
		return summary, err
	}
	if summary.FreeSpace, err = r.FreeSpace(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

// Daemon runs full passes until ctx is cancelled, reloading the
// configuration and dropping per-pass caches between iterations. Work
// time counts against the poll interval.
func (r *Runner) Daemon(ctx context.Context) error {
	for iteration := 1; ; iteration++ {
		start := r.opts.Now()

		err := r.retryTransient(ctx, "exec", func() error {
			if iteration > 1 {
				if err := r.refresh(); err != nil {
					return err
				}
			}
			_, execErr := r.Exec(ctx)
			return execErr
		})
		if err != nil {
			if ctx.Err() != nil && !config.IsValidationError(err) {
				return nil
			}
			return err
		}

		poll := time.Duration(r.app.Config.Daemon.Poll) * time.Second
		elapsed := r.opts.Now().Sub(start)
		if remaining := poll - elapsed; remaining > 0 {
			r.opts.Sleep(ctx, remaining)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// refresh reloads the configuration and rebuilds adapters and clients for
// the next pass. Cross-pass state (verifying, logged) survives.
func (r *Runner) refresh() error {
	if err := r.app.Reload(); err != nil {
		return err
	}
	return r.build()
}
