// Package audit contains domain types for decision audit records.
package audit

import (
	"context"
	"time"
)

// Record is one decision emitted to the audit sink. Delivery is
// fire-and-forget: the engine never retries or blocks on the sink.
type Record struct {
	// EventID uniquely identifies the decision.
	EventID string `json:"event_id"`
	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Subject is the bundle identifier the decision applies to.
	Subject string `json:"subject"`
	// ServiceName is the requested service, when applicable.
	ServiceName string `json:"service_name,omitempty"`
	// Origin is the request origin, when applicable.
	Origin string `json:"origin,omitempty"`
	// MatchedPolicies lists the IDs of the rules that fired.
	MatchedPolicies []string `json:"matched_policies,omitempty"`
	// Decision is the final decision string (allow, deny, ...).
	Decision string `json:"decision"`
	// Action is the applied action kind, when a rule matched.
	Action string `json:"action,omitempty"`
	// Severity is the aggregated severity of the evaluation.
	Severity string `json:"severity"`
	// LatencyMs is the evaluation duration in milliseconds.
	LatencyMs int64 `json:"latency_ms"`
}

// Store persists audit records.
type Store interface {
	// Append stores records. Implementations must tolerate bursts; callers
	// treat failures as advisory.
	Append(ctx context.Context, records ...Record) error
	// Recent returns up to n of the most recent records, newest last.
	Recent(n int) []Record
}
