// Package rules compiles detection rules from YAML and evaluates them
// against events. Rules are compiled once at load time; evaluation is
// a pure function of the active rule set and the event.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mailsentry/pkg/models"
)

// Rule kinds. regex matches one pattern; multi_regex scales score by
// the number of matched sub-patterns; field_present fires on any
// non-empty value; numeric_threshold fires when the field parses as a
// number >= min.
const (
	KindRegex            = "regex"
	KindMultiRegex       = "multi_regex"
	KindFieldPresent     = "field_present"
	KindNumericThreshold = "numeric_threshold"
)

// RuleConfig is the YAML shape of one detection rule.
type RuleConfig struct {
	ID       string   `yaml:"id"`
	Type     string   `yaml:"type"`
	Field    string   `yaml:"field"`
	Pattern  string   `yaml:"pattern"`
	Patterns []string `yaml:"patterns"`
	Min      float64  `yaml:"min"`
	Score    int      `yaml:"score"`
	MaxScore int      `yaml:"max_score"`
	Severity string   `yaml:"severity"`
	Priority int      `yaml:"priority"`
	Enabled  *bool    `yaml:"enabled"`
}

type ruleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadError aborts a rule load. Loading is all-or-nothing: one bad
// rule rejects the whole file so the engine never runs a silently
// reduced set.
type LoadError struct {
	RuleID string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Reason)
}

// LoadStats summarizes a successful load.
type LoadStats struct {
	Total    int
	Loaded   int
	Disabled int
}

type compiledRule struct {
	id       string
	field    string
	priority int
	score    int
	maxScore int
	severity models.Severity

	kind     string
	pattern  *regexp.Regexp
	patterns []*regexp.Regexp
	min      float64
}

// evaluate applies the rule to one field value. It reports whether the
// rule fired, the matched text and the resulting score.
func (r *compiledRule) evaluate(value string) (bool, string, int) {
	switch r.kind {
	case KindRegex:
		m := r.pattern.FindString(value)
		if m == "" && !r.pattern.MatchString(value) {
			return false, "", 0
		}
		if m == "" {
			m = value
		}
		return true, m, r.score
	case KindMultiRegex:
		matched := 0
		first := ""
		for _, p := range r.patterns {
			if m := p.FindString(value); m != "" || p.MatchString(value) {
				matched++
				if first == "" {
					first = m
				}
			}
		}
		if matched == 0 {
			return false, "", 0
		}
		score := r.score * matched
		if score > r.maxScore {
			score = r.maxScore
		}
		return true, first, score
	case KindFieldPresent:
		if strings.TrimSpace(value) == "" {
			return false, "", 0
		}
		return true, value, r.score
	case KindNumericThreshold:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || n < r.min {
			return false, "", 0
		}
		return true, value, r.score
	default:
		return false, "", 0
	}
}

func compile(cfg RuleConfig) (*compiledRule, error) {
	fail := func(format string, args ...interface{}) (*compiledRule, error) {
		return nil, &LoadError{RuleID: cfg.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(cfg.ID) == "" {
		return fail("id is required")
	}
	if strings.TrimSpace(cfg.Field) == "" {
		return fail("field is required")
	}
	if cfg.Score <= 0 || cfg.Score > 100 {
		return fail("score must be in 1..100, got %d", cfg.Score)
	}

	r := &compiledRule{
		id:       cfg.ID,
		field:    cfg.Field,
		priority: cfg.Priority,
		score:    cfg.Score,
		maxScore: cfg.MaxScore,
		kind:     cfg.Type,
	}
	if r.kind == "" {
		r.kind = KindRegex
	}
	if cfg.Severity != "" {
		sev, ok := models.ParseSeverity(cfg.Severity)
		if !ok {
			return fail("unknown severity %q", cfg.Severity)
		}
		r.severity = sev
	}

	switch r.kind {
	case KindRegex:
		if cfg.Pattern == "" {
			return fail("pattern is required for regex rules")
		}
		p, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return fail("invalid pattern: %v", err)
		}
		r.pattern = p
	case KindMultiRegex:
		if len(cfg.Patterns) == 0 {
			return fail("patterns is required for multi_regex rules")
		}
		for _, raw := range cfg.Patterns {
			p, err := regexp.Compile(raw)
			if err != nil {
				return fail("invalid pattern %q: %v", raw, err)
			}
			r.patterns = append(r.patterns, p)
		}
		if r.maxScore <= 0 {
			r.maxScore = r.score * len(r.patterns)
		}
		if r.maxScore > 100 {
			r.maxScore = 100
		}
	case KindFieldPresent:
	case KindNumericThreshold:
	default:
		return fail("unknown rule type %q", r.kind)
	}

	return r, nil
}

// loadFile parses and compiles a rule file. Rules come back sorted by
// priority then id so evaluation order is deterministic.
func loadFile(path string) ([]*compiledRule, LoadStats, error) {
	var stats LoadStats

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, stats, fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, stats, fmt.Errorf("parse rules file: %w", err)
	}

	stats.Total = len(file.Rules)
	seen := make(map[string]struct{}, len(file.Rules))
	compiled := make([]*compiledRule, 0, len(file.Rules))
	for _, cfg := range file.Rules {
		if cfg.Enabled != nil && !*cfg.Enabled {
			stats.Disabled++
			continue
		}
		r, err := compile(cfg)
		if err != nil {
			return nil, stats, err
		}
		if _, dup := seen[r.id]; dup {
			return nil, stats, &LoadError{RuleID: r.id, Reason: "duplicate rule id"}
		}
		seen[r.id] = struct{}{}
		compiled = append(compiled, r)
	}
	stats.Loaded = len(compiled)

	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].priority != compiled[j].priority {
			return compiled[i].priority > compiled[j].priority
		}
		return compiled[i].id < compiled[j].id
	})

	return compiled, stats, nil
}
