package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DecisionsTotal.WithLabelValues("deny").Inc()
	m.EvaluationDuration.Observe(0.001)
	m.CacheHitsTotal.Inc()
	m.ActiveGrants.Set(3)
	m.RateLimitedTotal.Inc()
	m.AuditDropsTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	for _, name := range []string{
		"privarion_decisions_total",
		"privarion_evaluation_duration_seconds",
		"privarion_cache_hits_total",
		"privarion_active_grants",
		"privarion_rate_limited_total",
		"privarion_audit_drops_total",
	} {
		if findFamily(families, name) == nil {
			t.Errorf("metric family %s was not gathered", name)
		}
	}

	if gauge := findFamily(families, "privarion_active_grants"); gauge != nil {
		if v := gauge.GetMetric()[0].GetGauge().GetValue(); v != 3 {
			t.Errorf("active_grants = %v, want 3", v)
		}
	}
}

func TestNewMetrics_DecisionLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DecisionsTotal.WithLabelValues("deny").Inc()
	m.DecisionsTotal.WithLabelValues("deny").Inc()
	m.DecisionsTotal.WithLabelValues("allow_temporary").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	mf := findFamily(families, "privarion_decisions_total")
	if mf == nil {
		t.Fatal("privarion_decisions_total was not gathered")
	}
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("label sets = %d, want 2", len(mf.GetMetric()))
	}
	for _, metric := range mf.GetMetric() {
		value := metric.GetCounter().GetValue()
		label := metric.GetLabel()[0].GetValue()
		switch label {
		case "deny":
			if value != 2 {
				t.Errorf("deny count = %v, want 2", value)
			}
		case "allow_temporary":
			if value != 1 {
				t.Errorf("allow_temporary count = %v, want 1", value)
			}
		default:
			t.Errorf("unexpected label %q", label)
		}
	}
}
