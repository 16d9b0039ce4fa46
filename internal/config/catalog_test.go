package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/rule"
)

// truePrg is a trivial compiled predicate for catalog conversion tests.
type truePrg struct{}

func (truePrg) Eval(ev condition.Event) (bool, error) { return true, nil }

// stubCompiler accepts every expression.
type stubCompiler struct{}

func (stubCompiler) CompileCondition(expression string) (condition.Program, error) {
	return truePrg{}, nil
}

func writeCatalogFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoadRuleCatalog(t *testing.T) {
	t.Parallel()

	path := writeCatalogFile(t, "rules.yaml", `
rules:
  - id: deny-camera
    name: camera guard
    description: denies camera access for unknown bundles
    condition:
      kind: and
      children:
        - kind: service_name
          pattern: camera
        - kind: not
          children:
            - kind: bundle_identifier
              pattern: "com.example.*"
    action:
      kind: deny
    severity: high
    priority: 10
  - id: temp-mic
    name: temporary microphone
    description: short-lived microphone access
    condition:
      kind: service_name
      pattern: microphone
    action:
      kind: allow_temporary
      duration: 10m
    enabled: false
`)

	cat, err := LoadRuleCatalog(path)
	if err != nil {
		t.Fatalf("LoadRuleCatalog() error: %v", err)
	}
	if len(cat.Rules) != 2 {
		t.Fatalf("Rules len = %d, want 2", len(cat.Rules))
	}

	r, err := cat.Rules[0].ToRule(nil)
	if err != nil {
		t.Fatalf("ToRule() error: %v", err)
	}
	if r.ID != "deny-camera" || r.Severity != rule.SeverityHigh || r.Priority != 10 {
		t.Errorf("rule = %+v, want deny-camera/high/10", r)
	}
	if !r.Enabled {
		t.Error("enabled should default to true when omitted")
	}
	if r.Condition.Kind != condition.KindAnd || len(r.Condition.Children) != 2 {
		t.Errorf("condition = %+v, want and with 2 children", r.Condition)
	}

	r2, err := cat.Rules[1].ToRule(nil)
	if err != nil {
		t.Fatalf("ToRule() error: %v", err)
	}
	if r2.Action.Kind != rule.ActionAllowTemporary || r2.Action.Duration != 10*time.Minute {
		t.Errorf("action = %+v, want allow_temporary for 10m", r2.Action)
	}
	if r2.Enabled {
		t.Error("explicit enabled: false should be honored")
	}
}

func TestLoadRuleCatalog_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadRuleCatalog(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadRuleCatalog() of a missing file should fail")
	}
}

func TestLoadRuleCatalog_BadYAML(t *testing.T) {
	t.Parallel()

	path := writeCatalogFile(t, "rules.yaml", "rules: [\n  bad")
	if _, err := LoadRuleCatalog(path); err == nil {
		t.Error("LoadRuleCatalog() of broken YAML should fail")
	}
}

func TestConditionSpec_ToConditionErrors(t *testing.T) {
	t.Parallel()

	// not requires exactly one child.
	spec := ConditionSpec{Kind: "not"}
	if _, err := spec.ToCondition(nil); err == nil || !strings.Contains(err.Error(), "exactly one child") {
		t.Errorf("not with 0 children: err = %v, want child-count error", err)
	}
	spec.Children = []ConditionSpec{
		{Kind: "service_name", Pattern: "camera"},
		{Kind: "service_name", Pattern: "microphone"},
	}
	if _, err := spec.ToCondition(nil); err == nil {
		t.Error("not with 2 children should fail")
	}

	// Unknown kinds are rejected rather than silently never matching.
	if _, err := (ConditionSpec{Kind: "geo_fence"}).ToCondition(nil); err == nil || !strings.Contains(err.Error(), "unknown condition kind") {
		t.Errorf("unknown kind: err = %v, want unknown-kind error", err)
	}

	// Expression leaves need a compiler.
	exprSpec := ConditionSpec{Kind: "expression", Expr: `port == 443`}
	if _, err := exprSpec.ToCondition(nil); err == nil {
		t.Error("expression without a compiler should fail")
	}
	cond, err := exprSpec.ToCondition(stubCompiler{})
	if err != nil {
		t.Fatalf("ToCondition() with compiler error: %v", err)
	}
	if cond.Kind != condition.KindExpression || cond.Program == nil {
		t.Errorf("condition = %+v, want compiled expression leaf", cond)
	}

	// A nested conversion error carries the child index.
	bad := ConditionSpec{Kind: "or", Children: []ConditionSpec{
		{Kind: "service_name", Pattern: "camera"},
		{Kind: "bogus"},
	}}
	if _, err := bad.ToCondition(nil); err == nil || !strings.Contains(err.Error(), "child 1") {
		t.Errorf("nested error = %v, want child index", err)
	}
}

func TestRuleSpec_ToRuleBadDuration(t *testing.T) {
	t.Parallel()

	spec := RuleSpec{
		ID:          "r1",
		Name:        "n",
		Description: "d",
		Condition:   ConditionSpec{Kind: "service_name", Pattern: "camera"},
		Action:      ActionSpec{Kind: "allow_temporary", Duration: "sometime"},
	}
	if _, err := spec.ToRule(nil); err == nil || !strings.Contains(err.Error(), "duration") {
		t.Errorf("ToRule() = %v, want duration parse error", err)
	}
}

func TestLoadPolicyCatalog(t *testing.T) {
	t.Parallel()

	path := writeCatalogFile(t, "policies.yaml", `
policies:
  - identifier: com.example
    protection_level: standard
    network_filtering:
      enabled: true
      blocked_domains:
        - ".*\\.tracker\\.example"
  - identifier: com.example.app
    parent: com.example
    hardware_spoofing_level: full
    requires_vm_isolation: true
`)

	cat, err := LoadPolicyCatalog(path)
	if err != nil {
		t.Fatalf("LoadPolicyCatalog() error: %v", err)
	}
	if len(cat.Policies) != 2 {
		t.Fatalf("Policies len = %d, want 2", len(cat.Policies))
	}

	parent, err := cat.Policies[0].ToPolicy(nil)
	if err != nil {
		t.Fatalf("ToPolicy() error: %v", err)
	}
	if parent.NetworkFiltering.Enabled == nil || !*parent.NetworkFiltering.Enabled {
		t.Error("network_filtering.enabled should parse as explicit true")
	}
	if len(parent.NetworkFiltering.BlockedDomains) != 1 {
		t.Errorf("BlockedDomains = %v, want 1 pattern", parent.NetworkFiltering.BlockedDomains)
	}

	child, err := cat.Policies[1].ToPolicy(nil)
	if err != nil {
		t.Fatalf("ToPolicy() error: %v", err)
	}
	if child.ParentIdentifier != "com.example" {
		t.Errorf("ParentIdentifier = %q, want com.example", child.ParentIdentifier)
	}
	if child.RequiresVMIsolation == nil || !*child.RequiresVMIsolation {
		t.Error("requires_vm_isolation should parse as explicit true")
	}
	if child.ProtectionLevel != "" {
		t.Errorf("ProtectionLevel = %q, want unset for inheritance", child.ProtectionLevel)
	}
}

func TestLoadOperatorCatalog(t *testing.T) {
	t.Parallel()

	path := writeCatalogFile(t, "operators.yaml", `
operators:
  - name: alice
    key_hash: "$argon2id$v=19$m=48128,t=1,p=1$c2FsdA$aGFzaA"
`)

	cat, err := LoadOperatorCatalog(path)
	if err != nil {
		t.Fatalf("LoadOperatorCatalog() error: %v", err)
	}
	if len(cat.Operators) != 1 || cat.Operators[0].Name != "alice" {
		t.Fatalf("Operators = %+v, want alice", cat.Operators)
	}
	if !strings.HasPrefix(cat.Operators[0].KeyHash, "$argon2id$") {
		t.Errorf("KeyHash = %q, want argon2id PHC string", cat.Operators[0].KeyHash)
	}
}
