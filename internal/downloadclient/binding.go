// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/internal/servarr"
)

// ManagedKind classifies a managed directory root.
type ManagedKind int

const (
	KindDownload ManagedKind = iota
	KindSeeding
	KindDeleted
)

func (k ManagedKind) String() string {
	switch k {
	case KindSeeding:
		return "seeding"
	case KindDeleted:
		return "deleted"
	default:
		return "download"
	}
}

// ManagedRoot is one directory whose contents belong to a media manager
// routed through this download client.
type ManagedRoot struct {
	Path    string
	Kind    ManagedKind
	Binding *ServarrBinding
}

// ServarrBinding ties one media-manager instance to this download client
// and records the directory roots its items move through: the client's
// download dir, a per-manager seeding dir items move to after import, and
// a per-manager deleted dir.
type ServarrBinding struct {
	Servarr *servarr.Adapter

	DownloadDir string
	SeedingDir  string
	DeletedDir  string
}

// Roots returns the binding's managed roots, download root first.
func (b *ServarrBinding) Roots() []ManagedRoot {
	return []ManagedRoot{
		{Path: b.DownloadDir, Kind: KindDownload, Binding: b},
		{Path: b.SeedingDir, Kind: KindSeeding, Binding: b},
		{Path: b.DeletedDir, Kind: KindDeleted, Binding: b},
	}
}

// newBinding derives a binding's directory roots from the client session's
// download dir, honoring per-manager overrides. Seeding and deleted dirs
// default to siblings of the download dir, one subdirectory per manager,
// so one client can serve several managers without collisions.
func newBinding(adapter *servarr.Adapter, downloadDir string) *ServarrBinding {
	base := filepath.Dir(filepath.Clean(downloadDir))
	binding := &ServarrBinding{
		Servarr:     adapter,
		DownloadDir: filepath.Clean(downloadDir),
		SeedingDir:  adapter.SeedingDir,
		DeletedDir:  adapter.DeletedDir,
	}
	if binding.SeedingDir == "" {
		binding.SeedingDir = filepath.Join(base, "seeding", adapter.Name)
	}
	if binding.DeletedDir == "" {
		binding.DeletedDir = filepath.Join(base, "deleted", adapter.Name)
	}
	return binding
}

// servesClient checks the manager's download-client configuration for an
// enabled entry pointing at this client's host.
func servesClient(ctx context.Context, adapter *servarr.Adapter, clientURL *url.URL) bool {
	settings, err := adapter.DownloadClients(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("servarr", adapter.Name).
			Msg("downloadclient: could not list manager download clients, assuming binding")
		return true
	}
	for i := range settings {
		s := &settings[i]
		if !s.Enable {
			continue
		}
		if strings.EqualFold(s.StringField("host"), clientURL.Hostname()) {
			return true
		}
	}
	return false
}
