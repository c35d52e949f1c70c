// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package servarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/rpatterson/prunerr/pkg/httphelpers"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "prunerr/1.0"

	// historyPageSize matches the manager UI default and keeps incremental
	// paging cheap when only recent events are needed.
	historyPageSize = 250
	queuePageSize   = 250
)

// Client is an HTTP client for the Sonarr/Radarr v3 API.
type Client struct {
	managerType Type
	baseURL     string
	apiKey      string
	httpClient  *http.Client
}

// NewClient creates a new media-manager API client.
func NewClient(baseURL, apiKey string, managerType Type, timeoutSeconds int) *Client {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	return &Client{
		managerType: managerType,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
}

// getJSON performs a GET against an API path with bounded retries on
// transport failures and decodes the response body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var resp *http.Response
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
		}
		c.setHeaders(req)

		resp, err = c.httpClient.Do(req) //nolint:bodyclose // closed by DrainAndClose
		if err != nil {
			if ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			httphelpers.DrainAndClose(resp)
			return retry.Unrecoverable(fmt.Errorf("authentication failed: invalid API key"))
		case resp.StatusCode >= 500:
			httphelpers.DrainAndClose(resp)
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxJitter(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Uint("attempt", n).
				Str("endpoint", path).
				Msg("servarr: retrying request")
		}),
	)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ping tests connectivity via GET /api/v3/system/status.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		AppName string `json:"appName"`
	}
	if err := c.getJSON(ctx, "/api/v3/system/status", nil, &status); err != nil {
		return err
	}
	if status.AppName == "" {
		return fmt.Errorf("invalid response: missing appName")
	}
	return nil
}

// History fetches one page of global event history, most recent first.
// Pages are 1-based. The second return value reports whether further
// pages remain.
func (c *Client) History(ctx context.Context, page int) ([]*HistoryRecord, bool, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(historyPageSize))
	query.Set("sortKey", "date")
	query.Set("sortDirection", "descending")

	var envelope historyPage
	if err := c.getJSON(ctx, "/api/v3/history", query, &envelope); err != nil {
		return nil, false, err
	}

	records := make([]*HistoryRecord, 0, len(envelope.Records))
	for _, raw := range envelope.Records {
		records = append(records, raw.normalize())
	}
	more := page*envelope.PageSize < envelope.TotalRecords
	return records, more, nil
}

// DirHistory fetches the complete event history for one managed directory
// (a Sonarr series or Radarr movie), most recent first.
func (c *Client) DirHistory(ctx context.Context, dirID int64) ([]*HistoryRecord, error) {
	var path string
	query := url.Values{}
	if c.managerType == TypeRadarr {
		path = "/api/v3/history/movie"
		query.Set("movieId", strconv.FormatInt(dirID, 10))
	} else {
		path = "/api/v3/history/series"
		query.Set("seriesId", strconv.FormatInt(dirID, 10))
	}

	var raws []*rawHistoryRecord
	if err := c.getJSON(ctx, path, query, &raws); err != nil {
		return nil, err
	}

	records := make([]*HistoryRecord, 0, len(raws))
	for _, raw := range raws {
		records = append(records, raw.normalize())
	}
	return records, nil
}

// Queue fetches the full download queue, paging until exhausted.
func (c *Client) Queue(ctx context.Context) ([]QueueRecord, error) {
	var records []QueueRecord
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(queuePageSize))

		var envelope queuePage
		if err := c.getJSON(ctx, "/api/v3/queue", query, &envelope); err != nil {
			return nil, err
		}
		for _, raw := range envelope.Records {
			records = append(records, raw.normalize())
		}
		if page*envelope.PageSize >= envelope.TotalRecords || len(envelope.Records) == 0 {
			break
		}
	}
	return records, nil
}

// DownloadClients fetches the manager's download-client configuration
// listing.
func (c *Client) DownloadClients(ctx context.Context) ([]DownloadClientSettings, error) {
	var raws []*rawDownloadClientSettings
	if err := c.getJSON(ctx, "/api/v3/downloadclient", nil, &raws); err != nil {
		return nil, err
	}

	settings := make([]DownloadClientSettings, 0, len(raws))
	for _, raw := range raws {
		settings = append(settings, raw.normalize())
	}
	return settings, nil
}
