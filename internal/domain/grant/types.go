// Package grant contains domain types for time-bounded permission grants.
package grant

import (
	"context"
	"time"
)

// Grant is a time-bounded authorization for a bundle to use a named service.
type Grant struct {
	ID               string    `json:"id"`
	BundleIdentifier string    `json:"bundle_identifier"`
	ServiceName      string    `json:"service_name"`
	Reason           string    `json:"reason"`
	GrantedBy        string    `json:"granted_by"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// IsExpired reports whether the grant has lapsed at the given instant.
// Expiry is derived, never stored: now >= ExpiresAt.
func (g Grant) IsExpired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// RemainingTime returns the time left before expiry, floored at zero.
func (g Grant) RemainingTime(now time.Time) time.Duration {
	remaining := g.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Key returns the rate-window key for a (bundle, service) pair.
func Key(bundleIdentifier, serviceName string) string {
	return bundleIdentifier + "\x00" + serviceName
}

// Status classifies the outcome of a grant request.
type Status string

const (
	// StatusGranted means a fresh grant was materialized.
	StatusGranted Status = "granted"
	// StatusInvalidRequest means the request was structurally invalid
	// (non-positive duration or empty bundle identifier).
	StatusInvalidRequest Status = "invalid_request"
	// StatusRateLimited means the rate window for the key is exhausted; no
	// grant was created and existing grants were left untouched.
	StatusRateLimited Status = "rate_limited"
)

// Result is the typed outcome of a grant request. Failures are values, not
// errors, so callers branch without error handling.
type Result struct {
	Status Status
	Grant  *Grant
	Reason string
}

// CleanupStats reports a physical eviction pass over expired grants.
type CleanupStats struct {
	// Removed is the number of grants evicted.
	Removed int
	// SuccessRate is the fraction of eviction candidates fully processed
	// (including history hand-off); 1.0 when nothing failed or nothing was
	// due.
	SuccessRate float64
}

// HistorySink receives grants leaving the active set (expired or revoked)
// for bounded audit retention. Delivery failures degrade CleanupStats but
// never block the ledger.
type HistorySink interface {
	Append(ctx context.Context, g Grant, reason string) error
}
