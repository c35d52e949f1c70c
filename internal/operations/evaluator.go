// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package operations

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// Evaluator executes the configured rule sets against items. Evaluation is a
// pure function of (item, config); the evaluator only carries compiled
// pattern and warn-once caches.
type Evaluator struct {
	priorities []RuleSet
	reviews    []RuleSet

	patterns map[string]*regexp.Regexp
	warned   map[string]struct{}
}

// NewEvaluator creates an evaluator over immutable rule-set config.
func NewEvaluator(priorities, reviews []RuleSet) *Evaluator {
	return &Evaluator{
		priorities: priorities,
		reviews:    reviews,
		patterns:   make(map[string]*regexp.Regexp),
		warned:     make(map[string]struct{}),
	}
}

// RuleSets returns the configured rule sets for kind.
func (e *Evaluator) RuleSets(kind Kind) []RuleSet {
	if kind == KindReviews {
		return e.reviews
	}
	return e.priorities
}

// MatchRuleSet returns the first rule set whose hostname suffixes match the
// item's trackers, along with its index. Items matching no rule set get the
// synthetic index len(sets) so they order last.
func (e *Evaluator) MatchRuleSet(item Item, kind Kind) (*RuleSet, int) {
	sets := e.RuleSets(kind)
	hosts := item.TrackerHosts()
	for i := range sets {
		if MatchHostnames(hosts, sets[i].Hostnames) {
			return &sets[i], i
		}
	}
	return nil, len(sets)
}

// ExecIndexerOperations matches the item against the configured rule sets of
// the given kind and evaluates the matched set's operations. The returned
// key starts with the matched rule-set index so that higher-priority
// indexers order first and unmatched items order last.
func (e *Evaluator) ExecIndexerOperations(item Item, kind Kind) (bool, SortKey, error) {
	matched, idx := e.MatchRuleSet(item, kind)

	include := true
	key := SortKey{float64(idx)}
	if matched != nil {
		inc, opKey, err := e.ExecOperations(matched.Operations, item)
		if err != nil {
			return false, nil, err
		}
		include = inc
		key = append(key, opKey...)
	}
	return include, key, nil
}

// ExecOperations folds over the operation list, AND-combining the running
// include flag and accumulating one sort-key component per operation. A
// value operation naming a missing attribute stops the fold and returns
// what was accumulated so far.
func (e *Evaluator) ExecOperations(ops []Operation, item Item) (bool, SortKey, error) {
	include := true
	key := SortKey{}

	for i := range ops {
		op := &ops[i]

		value, ok, err := e.execOperation(op, item)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return include, key, nil
		}

		value, err = applySortValue(op, value)
		if err != nil {
			return false, nil, err
		}

		if op.Filter && include {
			include = Truthy(value)
		}
		key = append(key, value)
	}

	return include, key, nil
}

func (e *Evaluator) execOperation(op *Operation, item Item) (any, bool, error) {
	switch op.Type {
	case TypeValue:
		value, ok := item.Attribute(op.Name)
		return value, ok, nil
	case TypeFiles:
		value, err := e.execFiles(op, item)
		return value, true, err
	case TypeAnd:
		value, err := e.execAnd(op, item)
		return value, true, err
	case TypeOr:
		value, err := e.execOr(op, item)
		return value, true, err
	default:
		return nil, false, &ConfigError{Op: op.Type, Reason: "unknown operation type"}
	}
}

// execFiles aggregates over the item's files, optionally filtered by regex
// patterns against the file name. An item with no files yields false, logged
// once per item to avoid spamming every pass.
func (e *Evaluator) execFiles(op *Operation, item Item) (any, error) {
	files := item.Files()
	if len(files) == 0 {
		e.warnOnce(item.Hash(), "files-empty", func() {
			log.Debug().
				Str("hash", item.Hash()).
				Msg("operations: files operation on item with no files")
		})
		return false, nil
	}

	matched := files
	if len(op.Patterns) > 0 {
		patterns, err := e.compilePatterns(op)
		if err != nil {
			return nil, err
		}
		matched = matched[:0:0]
		for _, f := range files {
			for _, p := range patterns {
				if p.MatchString(f.Name) {
					matched = append(matched, f)
					break
				}
			}
		}
	}

	switch op.Aggregation {
	case AggregationCount:
		return float64(len(matched)), nil
	case AggregationSum, AggregationPortion, "":
		attr := op.Name
		if attr == "" {
			attr = "size"
		}
		var sum float64
		for _, f := range matched {
			v, err := fileAttribute(f, attr)
			if err != nil {
				return nil, err
			}
			sum += v
		}
		if op.Aggregation == AggregationPortion {
			totalName := op.Total
			if totalName == "" {
				totalName = "size_when_done"
			}
			total, ok := item.Attribute(totalName)
			totalN, isNum := total.(float64)
			if !ok || !isNum || totalN == 0 {
				return false, nil
			}
			return sum / totalN, nil
		}
		return sum, nil
	default:
		return nil, &ConfigError{Op: op.Type, Reason: "unknown files aggregation " + op.Aggregation}
	}
}

// execAnd evaluates the nested operation list, returning false at the first
// falsy value, else the last value. A missing nested attribute counts as
// falsy.
func (e *Evaluator) execAnd(op *Operation, item Item) (any, error) {
	var last any = true
	for i := range op.Operations {
		nested := &op.Operations[i]
		value, ok, err := e.execOperation(nested, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		value, err = applySortValue(nested, value)
		if err != nil {
			return nil, err
		}
		if !Truthy(value) {
			return false, nil
		}
		last = value
	}
	return last, nil
}

// execOr evaluates the nested operation list, returning the first truthy
// value, else the last evaluated value, or false for an empty list.
func (e *Evaluator) execOr(op *Operation, item Item) (any, error) {
	var last any = false
	for i := range op.Operations {
		nested := &op.Operations[i]
		value, ok, err := e.execOperation(nested, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			last = false
			continue
		}
		value, err = applySortValue(nested, value)
		if err != nil {
			return nil, err
		}
		if Truthy(value) {
			return value, nil
		}
		last = value
	}
	return last, nil
}

func (e *Evaluator) compilePatterns(op *Operation) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(op.Patterns))
	for _, raw := range op.Patterns {
		compiled, ok := e.patterns[raw]
		if !ok {
			var err error
			compiled, err = regexp.Compile(raw)
			if err != nil {
				return nil, &ConfigError{Op: op.Type, Reason: "invalid pattern " + raw + ": " + err.Error()}
			}
			e.patterns[raw] = compiled
		}
		patterns = append(patterns, compiled)
	}
	return patterns, nil
}

func (e *Evaluator) warnOnce(hash, reason string, emit func()) {
	key := hash + ":" + reason
	if _, done := e.warned[key]; done {
		return
	}
	e.warned[key] = struct{}{}
	emit()
}

func fileAttribute(f FileInfo, name string) (float64, error) {
	switch name {
	case "size":
		return float64(f.Size), nil
	case "completed":
		return float64(f.Completed), nil
	default:
		return 0, &ConfigError{Op: TypeFiles, Reason: "unknown file attribute " + name}
	}
}

// applySortValue applies the equals/minimum/maximum/reversed modifiers to a
// raw executor value. Combining equals with a threshold is a configuration
// error, as is reversing a value with no defined reversal.
func applySortValue(op *Operation, value any) (any, error) {
	if op.Equals != nil && (op.Minimum != nil || op.Maximum != nil) {
		return nil, &ConfigError{Op: op.Type, Reason: "equals is mutually exclusive with minimum/maximum"}
	}

	if op.Equals != nil {
		value = valuesEqual(value, op.Equals)
	} else if op.Minimum != nil || op.Maximum != nil {
		n, ok := toFloat(value)
		if !ok {
			return nil, &ConfigError{Op: op.Type, Reason: "minimum/maximum on non-numeric value"}
		}
		pass := true
		if op.Minimum != nil && n < *op.Minimum {
			pass = false
		}
		if op.Maximum != nil && n > *op.Maximum {
			pass = false
		}
		value = pass
	}

	if op.Reversed {
		reversed, err := reverseValue(value)
		if err != nil {
			return nil, err
		}
		value = reversed
	}

	return value, nil
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func reverseValue(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return !t, nil
	case float64:
		return -t, nil
	case string:
		runes := []rune(t)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	default:
		return nil, &ConfigError{Op: "reversed", Reason: "value type has no defined reversal"}
	}
}
