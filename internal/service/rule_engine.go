// Package service contains the engine's application services.
package service

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/rule"
)

// RuleEngine scans enabled rules against events. The enabled-rule set is
// published as an immutable snapshot in an atomic.Value, so Evaluate never
// takes a lock: any number of concurrent evaluations proceed in parallel
// while mutations rebuild and swap the snapshot.
type RuleEngine struct {
	store    rule.Store
	snapshot atomic.Value // stores []rule.Rule (enabled only, store order)
	mu       sync.Mutex   // serializes mutation + snapshot publish
	logger   *slog.Logger
	onChange []func()
}

// NewRuleEngine creates a rule engine over the given store and publishes the
// initial snapshot.
func NewRuleEngine(store rule.Store, logger *slog.Logger) *RuleEngine {
	e := &RuleEngine{store: store, logger: logger}
	e.snapshot.Store(buildSnapshot(store.GetAll()))
	return e
}

// OnChange registers a callback invoked after every successful mutation.
// The permission façade uses it to drop its decision cache.
func (e *RuleEngine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// AddRule inserts a rule into the store and republishes the snapshot.
func (e *RuleEngine) AddRule(r rule.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Add(r); err != nil {
		return err
	}
	e.publishLocked()
	e.logger.Debug("rule added", "rule_id", r.ID, "enabled", r.Enabled)
	return nil
}

// ReplaceRule swaps a rule wholesale by ID.
func (e *RuleEngine) ReplaceRule(r rule.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Replace(r); err != nil {
		return err
	}
	e.publishLocked()
	e.logger.Debug("rule replaced", "rule_id", r.ID)
	return nil
}

// RemoveRule deletes a rule by ID. Removing an unknown ID is a no-op.
func (e *RuleEngine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := e.store.Remove(id)
	if removed {
		e.publishLocked()
		e.logger.Debug("rule removed", "rule_id", id)
	}
	return removed
}

// SetRuleEnabled toggles a rule by ID.
func (e *RuleEngine) SetRuleEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok := e.store.SetEnabled(id, enabled)
	if ok {
		e.publishLocked()
		e.logger.Debug("rule toggled", "rule_id", id, "enabled", enabled)
	}
	return ok
}

// Rules returns all stored rules (enabled and disabled) in store order.
func (e *RuleEngine) Rules() []rule.Rule {
	return e.store.GetAll()
}

// Evaluate scans all enabled rules against the event and collects every
// match; matching is not first-match-wins. The result severity is the
// maximum over matched rules, SeverityInfo when nothing matched.
// Evaluate never fails: a condition referencing facts the event does not
// carry degrades to non-match.
func (e *RuleEngine) Evaluate(ev condition.Event) rule.EvaluationResult {
	start := time.Now()
	enabled := e.snapshot.Load().([]rule.Rule)

	result := rule.EvaluationResult{Severity: rule.SeverityInfo}
	for _, r := range enabled {
		if !condition.Evaluate(r.Condition, ev) {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, r.ID)
		result.Actions = append(result.Actions, r.Action)
		result.Matches = append(result.Matches, rule.Match{
			ID:       r.ID,
			Name:     r.Name,
			Priority: r.Priority,
			Action:   r.Action,
			Severity: r.Severity,
		})
		result.Severity = rule.MaxSeverity(result.Severity, r.Severity)
	}
	result.Triggered = len(result.MatchedRules) > 0
	result.EvaluationTime = time.Since(start)
	return result
}

// publishLocked rebuilds the enabled-rule snapshot and notifies listeners.
// Must be called with e.mu held.
func (e *RuleEngine) publishLocked() {
	e.snapshot.Store(buildSnapshot(e.store.GetAll()))
	for _, fn := range e.onChange {
		fn()
	}
}

// buildSnapshot filters to enabled rules, preserving store order.
func buildSnapshot(all []rule.Rule) []rule.Rule {
	enabled := make([]rule.Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled
}
