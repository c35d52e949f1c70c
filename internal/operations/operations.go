// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package operations evaluates the declarative indexer rule sets that decide
// deletion priority and review eligibility for download items. The rule
// language is deliberately small: a fixed set of typed operations folded over
// an item, producing an inclusion flag and an ordered sort key.
package operations

import (
	"fmt"
	"strings"
)

// Kind selects which configured rule-set list to evaluate.
type Kind string

const (
	KindPriorities Kind = "priorities"
	KindReviews    Kind = "reviews"
)

// Operation types.
const (
	TypeValue = "value"
	TypeFiles = "files"
	TypeAnd   = "and"
	TypeOr    = "or"
)

// Files aggregation modes.
const (
	AggregationCount   = "count"
	AggregationSum     = "sum"
	AggregationPortion = "portion"
)

// FileInfo is the per-file view the files executor aggregates over.
type FileInfo struct {
	Name      string
	Size      int64
	Completed int64
	Wanted    bool
}

// Item is the view of a download item the evaluator needs. Implemented by
// downloads.Item.
type Item interface {
	// Hash returns the item's stable content identifier, used to log
	// per-item warnings only once.
	Hash() string
	// Attribute returns a named attribute or derived property. Numeric
	// values are float64. The second return is false when the attribute
	// does not exist or cannot be computed.
	Attribute(name string) (any, bool)
	// Files returns the item's file descriptors, possibly empty.
	Files() []FileInfo
	// TrackerHosts returns the lower-cased hostnames of the item's tracker
	// announce and scrape URLs.
	TrackerHosts() []string
}

// Operation is one typed step in a rule set.
type Operation struct {
	Type        string      `mapstructure:"type" yaml:"type"`
	Name        string      `mapstructure:"name" yaml:"name,omitempty"`
	Aggregation string      `mapstructure:"aggregation" yaml:"aggregation,omitempty"`
	Patterns    []string    `mapstructure:"patterns" yaml:"patterns,omitempty"`
	Total       string      `mapstructure:"total" yaml:"total,omitempty"`
	Operations  []Operation `mapstructure:"operations" yaml:"operations,omitempty"`

	Equals   any      `mapstructure:"equals" yaml:"equals,omitempty"`
	Minimum  *float64 `mapstructure:"minimum" yaml:"minimum,omitempty"`
	Maximum  *float64 `mapstructure:"maximum" yaml:"maximum,omitempty"`
	Filter   bool     `mapstructure:"filter" yaml:"filter,omitempty"`
	Reversed bool     `mapstructure:"reversed" yaml:"reversed,omitempty"`
}

// RuleSet names an indexer-matching hostname set and its ordered operations.
type RuleSet struct {
	Name       string      `mapstructure:"name" yaml:"name"`
	Hostnames  []string    `mapstructure:"hostnames" yaml:"hostnames"`
	Operations []Operation `mapstructure:"operations" yaml:"operations"`

	// BandwidthPriority, when set on a reviews rule set, is applied to
	// matched items during review.
	BandwidthPriority *int64 `mapstructure:"bandwidth-priority" yaml:"bandwidth-priority,omitempty"`
}

// ConfigError marks a rule-set configuration mistake surfaced at evaluation
// time. It is fatal, never retried.
type ConfigError struct {
	Op     string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("operation %q configuration error: %s", e.Op, e.Reason)
}

// MatchHostnames reports whether any tracker host matches any configured
// hostname suffix. A suffix matches the whole host or any dot-separated
// parent domain.
func MatchHostnames(hosts, suffixes []string) bool {
	for _, host := range hosts {
		host = strings.ToLower(host)
		for _, suffix := range suffixes {
			suffix = strings.ToLower(suffix)
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}
