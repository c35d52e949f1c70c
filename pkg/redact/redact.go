// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact strips credentials from URLs and error messages before
// they reach logs or command output. Download client URLs carry basic
// auth and manager URLs may carry API keys in query parameters.
package redact

import (
	"errors"
	"net/url"
	"regexp"
)

// sensitiveParamRegex matches credential-bearing query parameters,
// case-insensitively. Used directly on strings that may not parse as
// URLs.
var sensitiveParamRegex = regexp.MustCompile(`(?i)(apikey|api_key|passkey|token|password)=([^&\s]*)`)

// userinfoPasswordRegex matches user:password@ userinfo in URLs.
var userinfoPasswordRegex = regexp.MustCompile(`(://[^/:@\s]+):([^@\s]+)@`)

// URLString redacts the password and sensitive query parameter values in
// a URL string. Unparseable input falls back to regex redaction.
func URLString(raw string) string {
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return String(raw)
	}

	modified := false
	if parsed.User != nil {
		if _, hasPass := parsed.User.Password(); hasPass {
			parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
			modified = true
		}
	}

	query := parsed.Query()
	for name := range query {
		if !sensitiveParamRegex.MatchString(name + "=") {
			continue
		}
		query.Set(name, "REDACTED")
		modified = true
	}
	if !modified {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// URLError clones a wrapped *url.Error with its URL redacted. Other
// errors pass through unchanged.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{
			Op:  urlErr.Op,
			URL: URLString(urlErr.URL),
			Err: urlErr.Err,
		}
	}

	return err
}

// String redacts credentials in any string via regex, for sanitizing
// error messages that embed URLs or URL fragments.
func String(s string) string {
	if s == "" {
		return s
	}
	result := sensitiveParamRegex.ReplaceAllString(s, "${1}=REDACTED")
	return userinfoPasswordRegex.ReplaceAllString(result, "${1}:REDACTED@")
}
