package rules

import (
	"sync/atomic"

	"mailsentry/pkg/models"
)

type ruleSet struct {
	rules []*compiledRule
}

// Engine evaluates the active detection rule set against events. The
// set is swapped atomically on reload; in-flight evaluations keep the
// snapshot they started with.
type Engine struct {
	path   string
	active atomic.Pointer[ruleSet]
}

// NewEngine loads the rule file at path and fails loudly on any
// malformed rule.
func NewEngine(path string) (*Engine, LoadStats, error) {
	rules, stats, err := loadFile(path)
	if err != nil {
		return nil, stats, err
	}
	e := &Engine{path: path}
	e.active.Store(&ruleSet{rules: rules})
	return e, stats, nil
}

// Reload re-reads the rule file and swaps the active set. On any load
// error the previous set stays active.
func (e *Engine) Reload() (LoadStats, error) {
	rules, stats, err := loadFile(e.path)
	if err != nil {
		return stats, err
	}
	e.active.Store(&ruleSet{rules: rules})
	return stats, nil
}

// Len returns the number of active rules.
func (e *Engine) Len() int {
	return len(e.active.Load().rules)
}

// Evaluate applies every active rule to the event and returns all
// findings, ordered by rule priority then rule id. It never mutates
// shared state.
func (e *Engine) Evaluate(event *models.Event) []models.Finding {
	if e == nil || event == nil {
		return nil
	}
	snapshot := e.active.Load()

	var out []models.Finding
	for _, r := range snapshot.rules {
		matched, text, score := r.evaluate(event.Field(r.field))
		if !matched {
			continue
		}
		out = append(out, models.Finding{
			RuleID:       r.id,
			EventID:      event.ID,
			MatchedText:  text,
			Score:        score,
			SeverityHint: r.severity,
		})
	}
	return out
}
