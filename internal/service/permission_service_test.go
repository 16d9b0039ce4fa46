package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/privarion/privarion/internal/adapter/outbound/memory"
	"github.com/privarion/privarion/internal/domain/auth"
	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/grant"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/rule"
)

func actionRule(id string, cond condition.Condition, action rule.Action, priority int) rule.Rule {
	return rule.Rule{
		ID:          id,
		Name:        "rule " + id,
		Description: "test rule " + id,
		Condition:   cond,
		Action:      action,
		Severity:    rule.SeverityMedium,
		Enabled:     true,
		Priority:    priority,
	}
}

func newTestPermissionService(t *testing.T, rules []rule.Rule, opts ...PermissionOption) *PermissionService {
	t.Helper()
	engine := newTestEngine(t, rules...)
	profiles := NewProfileService(profile.Policy{ProtectionLevel: profile.ProtectionStandard}, testLogger())
	return NewPermissionService(engine, profiles, testLogger(), opts...)
}

// stubIssuer scripts grant outcomes for facade tests.
type stubIssuer struct {
	result  grant.Result
	active  bool
	revoked bool
	calls   int
}

func (s *stubIssuer) Grant(bundleIdentifier, serviceName string, duration time.Duration, reason, grantedBy string) grant.Result {
	s.calls++
	return s.result
}
func (s *stubIssuer) Revoke(id string) bool { return s.revoked }

func (s *stubIssuer) IsActive(bundleIdentifier, serviceName string) bool { return s.active }

func (s *stubIssuer) ActiveCount() int { return 0 }

func TestPermissionService_EmptyBundleIsInvalidRequest(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, nil)

	d := svc.Decide(context.Background(), PermissionRequest{ServiceName: "camera"})
	if d.Decision != DecisionInvalidRequest {
		t.Fatalf("Decision = %v, want %v", d.Decision, DecisionInvalidRequest)
	}
	if d.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", d.Confidence)
	}
}

func TestPermissionService_UnknownServiceIsInvalidRequest(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, nil,
		WithKnownServices([]string{"camera", "microphone"}))

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "location",
	})
	if d.Decision != DecisionInvalidRequest {
		t.Fatalf("Decision = %v, want %v", d.Decision, DecisionInvalidRequest)
	}

	d = svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision == DecisionInvalidRequest {
		t.Error("known service should not be invalid")
	}
}

func TestPermissionService_NoMatchDefaultsToAllow(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, nil)

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionAllow {
		t.Fatalf("Decision = %v, want allow when no rule matches", d.Decision)
	}
	if d.Reason != "no matching rules" {
		t.Errorf("Reason = %q, want %q", d.Reason, "no matching rules")
	}
	if d.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", d.Confidence)
	}
}

func TestPermissionService_DecisiveAllow(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("allow-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionAllow}, 0),
	})

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionAllow {
		t.Fatalf("Decision = %v, want allow", d.Decision)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "allow-cam" {
		t.Errorf("MatchedPolicies = %v, want [allow-cam]", d.MatchedPolicies)
	}
	if d.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", d.Confidence)
	}
}

func TestPermissionService_HighestPriorityActionDecides(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("allow-all", condition.ServiceNameMatches("*"), rule.Action{Kind: rule.ActionAllow}, 1),
		actionRule("deny-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionDeny}, 10),
	})

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionDeny {
		t.Fatalf("Decision = %v, want deny from higher-priority rule", d.Decision)
	}
	if len(d.AppliedActions) != 2 {
		t.Errorf("AppliedActions = %v, want both matched actions recorded", d.AppliedActions)
	}
}

func TestPermissionService_PriorityTieKeepsEarliestMatch(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("consent", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionRequireUserConsent}, 5),
		actionRule("allow", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionAllow}, 5),
	})

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionRequireUserConsent {
		t.Fatalf("Decision = %v, want require_user_consent (earliest at tied priority)", d.Decision)
	}
}

func TestPermissionService_PassiveOnlyMatchesAllow(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("log-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionLog, Level: "info"}, 0),
		actionRule("alert-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionAlert, Message: "camera touched"}, 0),
	})

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionAllow {
		t.Fatalf("Decision = %v, want allow for passive-only matches", d.Decision)
	}
	if len(d.AppliedActions) != 2 {
		t.Errorf("AppliedActions = %v, want both passive actions recorded", d.AppliedActions)
	}
	if d.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", d.Confidence)
	}
}

func TestPermissionService_TemporaryGrantFlow(t *testing.T) {
	t.Parallel()

	ledger := memory.NewGrantLedger(testLogger())
	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("temp-cam", condition.ServiceNameMatches("camera"),
			rule.Action{Kind: rule.ActionAllowTemporary, Duration: 10 * time.Minute}, 0),
	}, WithGrantLedger(ledger))

	req := PermissionRequest{BundleIdentifier: "com.example.app", ServiceName: "camera"}

	d := svc.Decide(context.Background(), req)
	if d.Decision != DecisionAllowTemporary {
		t.Fatalf("Decision = %v, want allow_temporary", d.Decision)
	}
	if d.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set for allow_temporary")
	}
	if !ledger.IsActive(req.BundleIdentifier, req.ServiceName) {
		t.Error("ledger should hold an active grant")
	}

	// While the grant lives, decisions short-circuit to allow.
	d = svc.Decide(context.Background(), req)
	if d.Decision != DecisionAllow {
		t.Fatalf("Decision = %v, want allow via active grant", d.Decision)
	}
	if d.Reason != "active temporary grant" {
		t.Errorf("Reason = %q, want active grant reason", d.Reason)
	}
}

func TestPermissionService_RateLimitedGrantFailsClosed(t *testing.T) {
	t.Parallel()

	issuer := &stubIssuer{result: grant.Result{
		Status: grant.StatusRateLimited,
		Reason: "rate window exhausted",
	}}
	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("temp-cam", condition.ServiceNameMatches("camera"),
			rule.Action{Kind: rule.ActionAllowTemporary}, 0),
	}, WithGrantLedger(issuer))

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionDeny {
		t.Fatalf("Decision = %v, want deny when grant is rate limited", d.Decision)
	}
	if !strings.Contains(d.Reason, "rate limited") {
		t.Errorf("Reason = %q, want rate-limit mention", d.Reason)
	}
	if issuer.calls != 1 {
		t.Errorf("issuer calls = %d, want 1", issuer.calls)
	}
}

func TestPermissionService_RateLimitedDenyIsNotCached(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ledger := memory.NewGrantLedger(testLogger(),
		memory.WithRateLimit(1, time.Hour),
		memory.WithClock(clock))
	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("temp-cam", condition.ServiceNameMatches("camera"),
			rule.Action{Kind: rule.ActionAllowTemporary, Duration: time.Second}, 0),
	}, WithGrantLedger(ledger), WithDecisionClock(clock))

	req := PermissionRequest{BundleIdentifier: "com.example.app", ServiceName: "camera"}

	if d := svc.Decide(context.Background(), req); d.Decision != DecisionAllowTemporary {
		t.Fatalf("Decision = %v, want allow_temporary on first request", d.Decision)
	}

	// The grant has lapsed but the rate window still holds the first request.
	now = now.Add(2 * time.Second)
	d := svc.Decide(context.Background(), req)
	if d.Decision != DecisionDeny || !strings.Contains(d.Reason, "rate limited") {
		t.Fatalf("decision = %v (%q), want rate-limited deny inside the window", d.Decision, d.Reason)
	}
	if svc.CacheSize() != 0 {
		t.Fatalf("CacheSize = %d, want 0; grant-path decisions must not be cached", svc.CacheSize())
	}

	// Once the window lapses a fresh grant must be minted again.
	now = now.Add(2 * time.Hour)
	if d := svc.Decide(context.Background(), req); d.Decision != DecisionAllowTemporary {
		t.Fatalf("Decision = %v (%q), want a fresh grant after the window lapsed", d.Decision, d.Reason)
	}
}

func TestPermissionService_NoLedgerDeniesTemporaryRule(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("temp-cam", condition.ServiceNameMatches("camera"),
			rule.Action{Kind: rule.ActionAllowTemporary}, 0),
	})

	d := svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
	})
	if d.Decision != DecisionDeny {
		t.Fatalf("Decision = %v, want deny without a ledger", d.Decision)
	}
}

func TestPermissionService_CacheHitAndInvalidation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t,
		actionRule("deny-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionDeny}, 0),
	)
	profiles := NewProfileService(profile.Policy{}, testLogger())
	svc := NewPermissionService(engine, profiles, testLogger())

	req := PermissionRequest{BundleIdentifier: "com.example.app", ServiceName: "camera"}
	svc.Decide(context.Background(), req)
	if svc.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d, want 1 after first decision", svc.CacheSize())
	}
	svc.Decide(context.Background(), req)
	if svc.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d, want 1 after repeat", svc.CacheSize())
	}

	// Any rule mutation drops the cache.
	if err := engine.AddRule(actionRule("allow-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionAllow}, 10)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}
	if svc.CacheSize() != 0 {
		t.Fatalf("CacheSize = %d, want 0 after rule change", svc.CacheSize())
	}

	d := svc.Decide(context.Background(), req)
	if d.Decision != DecisionAllow {
		t.Errorf("Decision = %v, want allow after higher-priority allow rule added", d.Decision)
	}
}

func TestPermissionService_ContextKeysChangeCacheIdentity(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, []rule.Rule{
		actionRule("deny-cam", condition.ServiceNameMatches("camera"), rule.Action{Kind: rule.ActionDeny}, 0),
	})

	svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
		Context:          map[string]string{"process_name": "editor"},
	})
	svc.Decide(context.Background(), PermissionRequest{
		BundleIdentifier: "com.example.app",
		ServiceName:      "camera",
		Context:          map[string]string{"process_name": "browser"},
	})
	if svc.CacheSize() != 2 {
		t.Errorf("CacheSize = %d, want 2 distinct entries", svc.CacheSize())
	}
}

func TestPermissionService_GrantTemporaryRequiresLedger(t *testing.T) {
	t.Parallel()

	svc := newTestPermissionService(t, nil)

	_, err := svc.GrantTemporary("com.example.app", "camera", time.Minute, "", "", "")
	if !errors.Is(err, ErrNoGrantLedger) {
		t.Errorf("GrantTemporary() error = %v, want %v", err, ErrNoGrantLedger)
	}
	if _, err := svc.RevokeGrant("g1", "", ""); !errors.Is(err, ErrNoGrantLedger) {
		t.Errorf("RevokeGrant() error = %v, want %v", err, ErrNoGrantLedger)
	}
}

func TestPermissionService_ManualGrantAuthenticatesOperator(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashKey("s3cret")
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}
	registry := auth.NewRegistry()
	if err := registry.Register(auth.Operator{Name: "alice", KeyHash: hash}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	ledger := memory.NewGrantLedger(testLogger())
	svc := newTestPermissionService(t, nil,
		WithGrantLedger(ledger),
		WithOperators(registry))

	if _, err := svc.GrantTemporary("com.example.app", "camera", time.Minute, "debugging", "alice", "wrong"); err == nil {
		t.Fatal("GrantTemporary() with bad key should fail")
	}

	res, err := svc.GrantTemporary("com.example.app", "camera", time.Minute, "debugging", "alice", "s3cret")
	if err != nil {
		t.Fatalf("GrantTemporary() error: %v", err)
	}
	if res.Status != grant.StatusGranted {
		t.Fatalf("Status = %v, want granted", res.Status)
	}
	if res.Grant.GrantedBy != "alice" {
		t.Errorf("GrantedBy = %q, want alice", res.Grant.GrantedBy)
	}

	revoked, err := svc.RevokeGrant(res.Grant.ID, "alice", "s3cret")
	if err != nil {
		t.Fatalf("RevokeGrant() error: %v", err)
	}
	if !revoked {
		t.Error("RevokeGrant() should report true for a live grant")
	}
}

func TestPermissionService_ResolveProfile(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	profiles := NewProfileService(profile.Policy{ProtectionLevel: profile.ProtectionBasic}, testLogger())
	profiles.AddPolicy(profile.Policy{
		Identifier:      "com.example.app",
		ProtectionLevel: profile.ProtectionParanoid,
	})
	svc := NewPermissionService(engine, profiles, testLogger())

	got := svc.ResolveProfile("com.example.app")
	if got.ProtectionLevel != profile.ProtectionParanoid {
		t.Errorf("ProtectionLevel = %v, want paranoid", got.ProtectionLevel)
	}
}
