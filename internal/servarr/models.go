// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package servarr talks to Sonarr/Radarr v3 APIs and maintains the cached,
// cross-referenced event-history index used to correlate download items
// with the media manager's records.
package servarr

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the media-manager flavor.
type Type string

const (
	TypeSonarr Type = "sonarr"
	TypeRadarr Type = "radarr"
)

// DirectoryField returns the download-client settings field naming the
// managed content directory for this manager type.
func (t Type) DirectoryField() string {
	if t == TypeRadarr {
		return "movieDirectory"
	}
	return "tvDirectory"
}

// EventType is a normalized media-manager history event type. Servarr
// type-specific prefixes (episodeFile, movieFile) are stripped during
// normalization so one handler set covers both manager types.
type EventType string

const (
	EventUnknown     EventType = "unknown"
	EventGrabbed     EventType = "grabbed"
	EventImported    EventType = "downloadFolderImported"
	EventIgnored     EventType = "downloadIgnored"
	EventFailed      EventType = "downloadFailed"
	EventFileDeleted EventType = "fileDeleted"
	EventFileRenamed EventType = "fileRenamed"
)

// NormalizeEventType folds Servarr type-specific event names onto the
// shared set.
func NormalizeEventType(raw string) EventType {
	switch raw {
	case "grabbed":
		return EventGrabbed
	case "downloadFolderImported", "seriesFolderImported", "movieFolderImported":
		return EventImported
	case "downloadIgnored":
		return EventIgnored
	case "downloadFailed":
		return EventFailed
	case "episodeFileDeleted", "movieFileDeleted", "fileDeleted":
		return EventFileDeleted
	case "episodeFileRenamed", "movieFileRenamed", "fileRenamed":
		return EventFileRenamed
	case "":
		return EventUnknown
	default:
		return EventType(raw)
	}
}

// HistoryRecord is one normalized media-manager history event.
type HistoryRecord struct {
	ID          int64             `json:"id"`
	EventType   EventType         `json:"eventType"`
	Date        time.Time         `json:"date"`
	DownloadID  string            `json:"downloadId,omitempty"`
	SourceTitle string            `json:"sourceTitle,omitempty"`
	DirID       int64             `json:"dirId,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Indexer returns the indexer name carried in the event payload, if any.
func (r *HistoryRecord) Indexer() string {
	if r.Data == nil {
		return ""
	}
	return r.Data["indexer"]
}

// ImportedPath returns the event's imported library path, if any.
func (r *HistoryRecord) ImportedPath() string {
	if r.Data == nil {
		return ""
	}
	return r.Data["importedPath"]
}

// DroppedPath returns the event's download-client source path, if any.
func (r *HistoryRecord) DroppedPath() string {
	if r.Data == nil {
		return ""
	}
	return r.Data["droppedPath"]
}

// rawHistoryRecord is the wire shape before normalization.
type rawHistoryRecord struct {
	ID          int64             `json:"id"`
	EventType   string            `json:"eventType"`
	Date        time.Time         `json:"date"`
	DownloadID  string            `json:"downloadId"`
	SourceTitle string            `json:"sourceTitle"`
	SeriesID    int64             `json:"seriesId"`
	MovieID     int64             `json:"movieId"`
	Data        map[string]string `json:"data"`
}

func (raw *rawHistoryRecord) normalize() *HistoryRecord {
	dirID := raw.SeriesID
	if dirID == 0 {
		dirID = raw.MovieID
	}
	return &HistoryRecord{
		ID:          raw.ID,
		EventType:   NormalizeEventType(raw.EventType),
		Date:        raw.Date,
		DownloadID:  raw.DownloadID,
		SourceTitle: raw.SourceTitle,
		DirID:       dirID,
		Data:        normalizeDataKeys(raw.Data),
	}
}

// normalizeDataKeys strips the episodeFile/movieFile prefixes from
// event-payload field names so both manager types index identically.
func normalizeDataKeys(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for key, value := range data {
		for _, prefix := range []string{"episodeFile", "movieFile"} {
			if rest, found := strings.CutPrefix(key, prefix); found && rest != "" {
				key = "file" + rest
				break
			}
		}
		out[key] = value
	}
	return out
}

// historyPage is the paged /history envelope.
type historyPage struct {
	Page         int                 `json:"page"`
	PageSize     int                 `json:"pageSize"`
	TotalRecords int                 `json:"totalRecords"`
	Records      []*rawHistoryRecord `json:"records"`
}

// QueueRecord correlates an in-flight download with its managed directory.
// Persisted inside per-item metadata, so the JSON shape is stable.
type QueueRecord struct {
	ID         int64  `json:"id"`
	DownloadID string `json:"downloadId,omitempty"`
	Title      string `json:"title,omitempty"`
	Indexer    string `json:"indexer,omitempty"`
	DirID      int64  `json:"dirId,omitempty"`
}

type rawQueueRecord struct {
	ID         int64  `json:"id"`
	DownloadID string `json:"downloadId"`
	Title      string `json:"title"`
	Indexer    string `json:"indexer"`
	SeriesID   int64  `json:"seriesId"`
	MovieID    int64  `json:"movieId"`
}

func (raw *rawQueueRecord) normalize() QueueRecord {
	dirID := raw.SeriesID
	if dirID == 0 {
		dirID = raw.MovieID
	}
	return QueueRecord{
		ID:         raw.ID,
		DownloadID: raw.DownloadID,
		Title:      raw.Title,
		Indexer:    raw.Indexer,
		DirID:      dirID,
	}
}

type queuePage struct {
	Page         int               `json:"page"`
	PageSize     int               `json:"pageSize"`
	TotalRecords int               `json:"totalRecords"`
	Records      []*rawQueueRecord `json:"records"`
}

// DownloadClientSettings is one entry from the manager's download-client
// configuration listing.
type DownloadClientSettings struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Enable         bool   `json:"enable"`
	Protocol       string `json:"protocol"`
	Implementation string `json:"implementation"`

	Fields map[string]any `json:"-"`
}

type rawClientField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type rawDownloadClientSettings struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	Enable         bool             `json:"enable"`
	Protocol       string           `json:"protocol"`
	Implementation string           `json:"implementation"`
	Fields         []rawClientField `json:"fields"`
}

func (raw *rawDownloadClientSettings) normalize() DownloadClientSettings {
	settings := DownloadClientSettings{
		ID:             raw.ID,
		Name:           raw.Name,
		Enable:         raw.Enable,
		Protocol:       raw.Protocol,
		Implementation: raw.Implementation,
		Fields:         make(map[string]any, len(raw.Fields)),
	}
	for _, f := range raw.Fields {
		var value any
		if err := json.Unmarshal(f.Value, &value); err == nil {
			settings.Fields[f.Name] = value
		}
	}
	return settings
}

// StringField returns a named settings field as a string.
func (s *DownloadClientSettings) StringField(name string) string {
	if v, ok := s.Fields[name].(string); ok {
		return v
	}
	return ""
}

// Directory returns the managed-content directory configured for the given
// manager type, if any.
func (s *DownloadClientSettings) Directory(t Type) string {
	return s.StringField(t.DirectoryField())
}
