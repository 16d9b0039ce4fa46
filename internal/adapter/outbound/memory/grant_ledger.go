package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privarion/privarion/internal/domain/grant"
)

// Default rate window: 5 grant requests per minute per (bundle, service).
const (
	defaultRateCeiling = 5
	defaultRateWindow  = time.Minute
)

// GrantLedger holds active temporary grants with per-key sliding-window rate
// limiting. A single mutex guards the active set and the rate windows, which
// is what makes same-key grant races observe a consistent count. Activity is
// always recomputed from the clock at query time; the background sweep is an
// optimization, not a correctness dependency.
type GrantLedger struct {
	mu      sync.Mutex
	active  map[string]grant.Grant // by grant ID
	byKey   map[string][]string    // rate-window key -> active grant IDs
	windows map[string][]time.Time // rate-window key -> request timestamps

	ceiling int
	window  time.Duration
	now     func() time.Time
	history grant.HistorySink
	logger  *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// GrantLedgerOption configures a GrantLedger.
type GrantLedgerOption func(*GrantLedger)

// WithRateLimit sets the rate-window ceiling and span.
func WithRateLimit(ceiling int, window time.Duration) GrantLedgerOption {
	return func(l *GrantLedger) {
		if ceiling > 0 {
			l.ceiling = ceiling
		}
		if window > 0 {
			l.window = window
		}
	}
}

// WithHistory attaches a sink that receives expired and revoked grants.
func WithHistory(sink grant.HistorySink) GrantLedgerOption {
	return func(l *GrantLedger) {
		l.history = sink
	}
}

// WithClock overrides the ledger's time source. Tests use it to drive expiry
// without sleeping.
func WithClock(now func() time.Time) GrantLedgerOption {
	return func(l *GrantLedger) {
		l.now = now
	}
}

// NewGrantLedger creates an empty ledger.
func NewGrantLedger(logger *slog.Logger, opts ...GrantLedgerOption) *GrantLedger {
	l := &GrantLedger{
		active:   make(map[string]grant.Grant),
		byKey:    make(map[string][]string),
		windows:  make(map[string][]time.Time),
		ceiling:  defaultRateCeiling,
		window:   defaultRateWindow,
		now:      time.Now,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Grant validates and materializes a temporary grant. A non-positive
// duration or empty bundle identifier yields an invalid-request outcome; an
// exhausted rate window yields a rate-limited outcome and leaves existing
// grants untouched. Failures are returned as values, never errors.
func (l *GrantLedger) Grant(bundleIdentifier, serviceName string, duration time.Duration, reason, grantedBy string) grant.Result {
	if bundleIdentifier == "" {
		return grant.Result{
			Status: grant.StatusInvalidRequest,
			Reason: "bundle identifier must not be empty",
		}
	}
	if duration <= 0 {
		return grant.Result{
			Status: grant.StatusInvalidRequest,
			Reason: fmt.Sprintf("duration must be positive, got %s", duration),
		}
	}

	key := grant.Key(bundleIdentifier, serviceName)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := pruneWindow(l.windows[key], now.Add(-l.window))
	if len(recent) >= l.ceiling {
		l.windows[key] = recent
		l.logger.Warn("grant request rate limited",
			"bundle_identifier", bundleIdentifier,
			"service_name", serviceName,
			"window_count", len(recent),
			"ceiling", l.ceiling)
		return grant.Result{
			Status: grant.StatusRateLimited,
			Reason: fmt.Sprintf("rate limit exceeded: %d requests in %s", len(recent), l.window),
		}
	}
	l.windows[key] = append(recent, now)

	g := grant.Grant{
		ID:               uuid.New().String(),
		BundleIdentifier: bundleIdentifier,
		ServiceName:      serviceName,
		Reason:           reason,
		GrantedBy:        grantedBy,
		CreatedAt:        now,
		ExpiresAt:        now.Add(duration),
	}
	l.active[g.ID] = g
	l.byKey[key] = append(l.byKey[key], g.ID)

	l.logger.Info("temporary grant created",
		"grant_id", g.ID,
		"bundle_identifier", bundleIdentifier,
		"service_name", serviceName,
		"expires_at", g.ExpiresAt,
		"granted_by", grantedBy)

	return grant.Result{Status: grant.StatusGranted, Grant: &g}
}

// Revoke removes a live grant by ID. Revoking an unknown, expired, or
// already-revoked ID returns false; only live grants revoke successfully,
// so a second revoke of the same ID fails.
func (l *GrantLedger) Revoke(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.active[id]
	if !ok {
		return false
	}
	if g.IsExpired(l.now()) {
		// Lapsed before the sweep got to it: evict, but report failure.
		l.evictLocked(g, "expired")
		return false
	}
	l.evictLocked(g, "revoked")
	l.logger.Info("grant revoked", "grant_id", id)
	return true
}

// Get returns an active (unexpired) grant by ID.
func (l *GrantLedger) Get(id string) (grant.Grant, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.active[id]
	if !ok || g.IsExpired(l.now()) {
		return grant.Grant{}, false
	}
	return g, true
}

// GetActive returns all unexpired grants. Expiry is recomputed against the
// clock on every call.
func (l *GrantLedger) GetActive() []grant.Grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := make([]grant.Grant, 0, len(l.active))
	for _, g := range l.active {
		if !g.IsExpired(now) {
			result = append(result, g)
		}
	}
	return result
}

// IsActive reports whether the (bundle, service) pair holds at least one
// unexpired grant. A grant or revoke that completed before this call is
// always observed.
func (l *GrantLedger) IsActive(bundleIdentifier, serviceName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, id := range l.byKey[grant.Key(bundleIdentifier, serviceName)] {
		if g, ok := l.active[id]; ok && !g.IsExpired(now) {
			return true
		}
	}
	return false
}

// CleanupExpired physically evicts expired grants and reports how many were
// removed. The success rate reflects history hand-off: an eviction whose
// history append fails still evicts but counts against the rate.
func (l *GrantLedger) CleanupExpired() grant.CleanupStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expired []grant.Grant
	for _, g := range l.active {
		if g.IsExpired(now) {
			expired = append(expired, g)
		}
	}

	succeeded := 0
	for _, g := range expired {
		if l.evictLocked(g, "expired") {
			succeeded++
		}
	}

	stats := grant.CleanupStats{Removed: len(expired), SuccessRate: 1.0}
	if len(expired) > 0 {
		stats.SuccessRate = float64(succeeded) / float64(len(expired))
	}
	if stats.Removed > 0 {
		l.logger.Debug("expired grants evicted",
			"removed", stats.Removed,
			"success_rate", stats.SuccessRate)
	}
	return stats
}

// ActiveCount returns the number of unexpired grants, for metrics gauges.
func (l *GrantLedger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	count := 0
	for _, g := range l.active {
		if !g.IsExpired(now) {
			count++
		}
	}
	return count
}

// StartSweep runs CleanupExpired on the given interval until ctx is
// cancelled or Stop is called. Purely an optimization: correctness never
// depends on the sweep cadence.
func (l *GrantLedger) StartSweep(ctx context.Context, interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.CleanupExpired()
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit. Safe to call
// multiple times.
func (l *GrantLedger) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// evictLocked removes a grant from the active set and hands it to the
// history sink. Returns false when the history append failed. Must be
// called with l.mu held.
func (l *GrantLedger) evictLocked(g grant.Grant, reason string) bool {
	delete(l.active, g.ID)

	key := grant.Key(g.BundleIdentifier, g.ServiceName)
	ids := l.byKey[key]
	for i, id := range ids {
		if id == g.ID {
			l.byKey[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(l.byKey[key]) == 0 {
		delete(l.byKey, key)
	}

	if l.history == nil {
		return true
	}
	if err := l.history.Append(context.Background(), g, reason); err != nil {
		l.logger.Warn("grant history append failed", "grant_id", g.ID, "error", err)
		return false
	}
	return true
}

// pruneWindow drops timestamps at or before the cutoff.
func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
