// Package rule contains domain types for the generic policy unit: a named
// condition paired with an action and severity.
package rule

import (
	"time"

	"github.com/privarion/privarion/internal/domain/condition"
)

// ActionKind identifies an action variant. The set is closed: extend the
// union, never subclass.
type ActionKind string

const (
	ActionLog                   ActionKind = "log"
	ActionAlert                 ActionKind = "alert"
	ActionIsolate               ActionKind = "isolate"
	ActionTerminate             ActionKind = "terminate"
	ActionBlock                 ActionKind = "block"
	ActionAllow                 ActionKind = "allow"
	ActionDeny                  ActionKind = "deny"
	ActionRequireUserConsent    ActionKind = "require_user_consent"
	ActionRequireAuthentication ActionKind = "require_authentication"
	ActionAllowTemporary        ActionKind = "allow_temporary"
)

// Action is the response a rule prescribes when its condition matches.
// Which payload fields are meaningful depends on Kind.
type Action struct {
	Kind ActionKind

	// Level is the log level for ActionLog.
	Level string
	// Message is the alert text for ActionAlert.
	Message string
	// PID targets ActionIsolate and ActionTerminate.
	PID int
	// Duration is the grant lifetime for ActionAllowTemporary.
	Duration time.Duration
}

// Severity orders rule outcomes: Critical > High > Medium > Low > Info.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	case SeverityLow:
		return "low"
	default:
		return "info"
	}
}

// ParseSeverity maps a severity name to its value. Unknown names map to
// SeverityInfo.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// Rule is a single enforcement rule.
type Rule struct {
	// ID is unique within a store.
	ID string
	// Name is a human-readable name. Must be non-empty.
	Name string
	// Description explains what the rule enforces. Must be non-empty.
	Description string
	// Condition selects the events the rule applies to.
	Condition condition.Condition
	// Action is taken when the condition matches.
	Action Action
	// Severity classifies matches for result aggregation.
	Severity Severity
	// Enabled rules participate in evaluation; disabled rules are skipped
	// entirely.
	Enabled bool
	// Priority breaks ties when multiple matched actions must be reduced to
	// one decision (higher wins).
	Priority int
}

// Match records one rule that fired during an evaluation.
type Match struct {
	ID       string
	Name     string
	Priority int
	Action   Action
	Severity Severity
}

// EvaluationResult is the outcome of scanning all enabled rules against one
// event. All matching rules fire; matching is not first-match-wins.
type EvaluationResult struct {
	// Triggered is true when at least one enabled rule matched.
	Triggered bool
	// MatchedRules holds the IDs of every matching rule in store iteration
	// order.
	MatchedRules []string
	// Actions holds the matched rules' actions in the same order.
	Actions []Action
	// Matches carries the full per-rule match details.
	Matches []Match
	// Severity is the maximum severity over matched rules, SeverityInfo when
	// none matched.
	Severity Severity
	// EvaluationTime is the wall-clock duration of the scan.
	EvaluationTime time.Duration
}

// Store persists rules. Implementations must be safe for concurrent use,
// with reads not blocking other reads.
type Store interface {
	// Add inserts a rule. It rejects empty names/descriptions and duplicate
	// IDs (this store type treats IDs as external handles; see Replace for
	// updates).
	Add(r Rule) error
	// Replace swaps the rule with the same ID wholesale.
	Replace(r Rule) error
	// Remove deletes by ID and reports whether the rule existed. Removing an
	// unknown ID is a no-op, not an error.
	Remove(id string) bool
	// SetEnabled toggles a rule and reports whether it existed.
	SetEnabled(id string, enabled bool) bool
	// Get returns a rule by ID.
	Get(id string) (Rule, bool)
	// GetAll returns all rules in insertion order.
	GetAll() []Rule
}
