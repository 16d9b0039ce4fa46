// Package memory provides in-memory implementations of the engine's stores.
package memory

import (
	"errors"
	"sync"

	"github.com/privarion/privarion/internal/domain/rule"
)

// Error types for rule store operations.
var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrDuplicateRule    = errors.New("duplicate rule id")
	ErrEmptyRuleName    = errors.New("rule name must not be empty")
	ErrEmptyDescription = errors.New("rule description must not be empty")
	ErrEmptyRuleID      = errors.New("rule id must not be empty")
)

// RuleStore implements rule.Store with an RWMutex-guarded map plus an
// insertion-order index, so GetAll and the matcher observe a stable order.
// Reads do not block other reads; mutation is the only exclusive section.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]rule.Rule
	order []string
}

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string]rule.Rule)}
}

// Add inserts a rule. Duplicate IDs are rejected: in this catalog an ID is
// an external handle and silent overwrite would hide configuration mistakes.
func (s *RuleStore) Add(r rule.Rule) error {
	if r.ID == "" {
		return ErrEmptyRuleID
	}
	if r.Name == "" {
		return ErrEmptyRuleName
	}
	if r.Description == "" {
		return ErrEmptyDescription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; ok {
		return ErrDuplicateRule
	}
	s.rules[r.ID] = r
	s.order = append(s.order, r.ID)
	return nil
}

// Replace swaps the stored rule with the same ID. The insertion position is
// preserved.
func (s *RuleStore) Replace(r rule.Rule) error {
	if r.Name == "" {
		return ErrEmptyRuleName
	}
	if r.Description == "" {
		return ErrEmptyDescription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	s.rules[r.ID] = r
	return nil
}

// Remove deletes a rule by ID. Removing an unknown ID is a no-op.
func (s *RuleStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return false
	}
	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// SetEnabled toggles a rule by ID.
func (s *RuleStore) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	s.rules[id] = r
	return true
}

// Get returns a rule by ID.
func (s *RuleStore) Get(id string) (rule.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	return r, ok
}

// GetAll returns all rules in insertion order.
func (s *RuleStore) GetAll() []rule.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rule.Rule, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.rules[id])
	}
	return result
}

// Compile-time interface verification.
var _ rule.Store = (*RuleStore)(nil)
