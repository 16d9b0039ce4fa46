// Package metrics holds the Prometheus metrics for the decision engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Privarion.
// Pass to components that need to record metrics.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	ActiveGrants       prometheus.Gauge
	RateLimitedTotal   prometheus.Counter
	AuditDropsTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "privarion",
				Name:      "decisions_total",
				Help:      "Total permission decisions by outcome",
			},
			[]string{"decision"}, // allow/deny/require_user_consent/...
		),
		EvaluationDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "privarion",
				Name:      "evaluation_duration_seconds",
				Help:      "Rule evaluation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CacheHitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "privarion",
				Name:      "cache_hits_total",
				Help:      "Total decisions served from the decision cache",
			},
		),
		ActiveGrants: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "privarion",
				Name:      "active_grants",
				Help:      "Number of active temporary grants",
			},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "privarion",
				Name:      "rate_limited_total",
				Help:      "Total grant requests rejected by rate limiting",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "privarion",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
	}
}
