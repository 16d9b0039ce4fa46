package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/rule"
)

// ExpressionCompiler compiles a CEL expression into an evaluable program.
// The cel adapter satisfies it.
type ExpressionCompiler interface {
	CompileCondition(expression string) (condition.Program, error)
}

// ConditionSpec is the YAML form of a condition tree node.
type ConditionSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Op      string `yaml:"op,omitempty" json:"op,omitempty"`
	Host    string `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	Origin  string `yaml:"origin,omitempty" json:"origin,omitempty"`
	Expr    string `yaml:"expr,omitempty" json:"expr,omitempty"`

	Children []ConditionSpec `yaml:"children,omitempty" json:"children,omitempty"`
}

// ActionSpec is the YAML form of a rule action.
type ActionSpec struct {
	Kind    string `yaml:"kind" json:"kind"`
	Level   string `yaml:"level,omitempty" json:"level,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	// Duration is the grant lifetime for allow_temporary, e.g. "5m".
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// RuleSpec is the YAML form of one catalog rule.
type RuleSpec struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Condition   ConditionSpec `yaml:"condition" json:"condition"`
	Action      ActionSpec    `yaml:"action" json:"action"`
	Severity    string        `yaml:"severity,omitempty" json:"severity,omitempty"`
	Enabled     *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority    int           `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// FilterSpec is the YAML form of one filtering surface.
type FilterSpec struct {
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	BlockTracking  *bool    `yaml:"block_tracking,omitempty" json:"block_tracking,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	BlockedDomains []string `yaml:"blocked_domains,omitempty" json:"blocked_domains,omitempty"`
}

// PolicySpec is the YAML form of one protection policy.
type PolicySpec struct {
	Identifier            string         `yaml:"identifier" json:"identifier"`
	ProtectionLevel       string         `yaml:"protection_level,omitempty" json:"protection_level,omitempty"`
	NetworkFiltering      FilterSpec     `yaml:"network_filtering,omitempty" json:"network_filtering,omitempty"`
	DNSFiltering          FilterSpec     `yaml:"dns_filtering,omitempty" json:"dns_filtering,omitempty"`
	HardwareSpoofingLevel string         `yaml:"hardware_spoofing_level,omitempty" json:"hardware_spoofing_level,omitempty"`
	RequiresVMIsolation   *bool          `yaml:"requires_vm_isolation,omitempty" json:"requires_vm_isolation,omitempty"`
	ParentIdentifier      string         `yaml:"parent,omitempty" json:"parent,omitempty"`
	Condition             *ConditionSpec `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// OperatorSpec is the YAML form of one operator entry. Keys appear only as
// Argon2id hashes; the hash-key command produces them.
type OperatorSpec struct {
	Name    string `yaml:"name" json:"name"`
	KeyHash string `yaml:"key_hash" json:"key_hash"`
}

// RuleCatalog is the top-level rules file.
type RuleCatalog struct {
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

// PolicyCatalog is the top-level policies file.
type PolicyCatalog struct {
	Policies []PolicySpec `yaml:"policies" json:"policies"`
}

// OperatorCatalog is the top-level operators file.
type OperatorCatalog struct {
	Operators []OperatorSpec `yaml:"operators" json:"operators"`
}

// LoadRuleCatalog reads and parses a rule catalog file.
func LoadRuleCatalog(path string) (*RuleCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	var cat RuleCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse rule catalog: %w", err)
	}
	return &cat, nil
}

// LoadPolicyCatalog reads and parses a policy catalog file.
func LoadPolicyCatalog(path string) (*PolicyCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}
	var cat PolicyCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse policy catalog: %w", err)
	}
	return &cat, nil
}

// LoadOperatorCatalog reads and parses an operator catalog file.
func LoadOperatorCatalog(path string) (*OperatorCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator catalog: %w", err)
	}
	var cat OperatorCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse operator catalog: %w", err)
	}
	return &cat, nil
}

// ToCondition converts the spec into a domain condition. Expression leaves
// are compiled through compiler; a nil compiler rejects them.
func (s ConditionSpec) ToCondition(compiler ExpressionCompiler) (condition.Condition, error) {
	switch condition.Kind(s.Kind) {
	case condition.KindAnd, condition.KindOr:
		children, err := s.convertChildren(compiler)
		if err != nil {
			return condition.Condition{}, err
		}
		return condition.Condition{Kind: condition.Kind(s.Kind), Children: children}, nil

	case condition.KindNot:
		if len(s.Children) != 1 {
			return condition.Condition{}, fmt.Errorf("not condition requires exactly one child, got %d", len(s.Children))
		}
		child, err := s.Children[0].ToCondition(compiler)
		if err != nil {
			return condition.Condition{}, err
		}
		return condition.Not(child), nil

	case condition.KindProcessName:
		return condition.ProcessNameMatches(s.Pattern), nil
	case condition.KindProcessPath:
		return condition.ProcessPathStartsWith(s.Prefix), nil
	case condition.KindFileAccess:
		return condition.FileAccess(s.Path, condition.FileOp(s.Op)), nil
	case condition.KindNetworkConnection:
		return condition.NetworkConnection(s.Host, s.Port), nil
	case condition.KindBundleIdentifier:
		return condition.BundleIdentifierMatches(s.Pattern), nil
	case condition.KindServiceName:
		return condition.ServiceNameMatches(s.Pattern), nil
	case condition.KindRequestOrigin:
		return condition.RequestOriginIs(s.Origin), nil

	case condition.KindExpression:
		if compiler == nil {
			return condition.Condition{}, fmt.Errorf("expression condition %q: no expression compiler available", s.Expr)
		}
		prg, err := compiler.CompileCondition(s.Expr)
		if err != nil {
			return condition.Condition{}, fmt.Errorf("expression condition: %w", err)
		}
		return condition.Expression(s.Expr, prg), nil

	default:
		return condition.Condition{}, fmt.Errorf("unknown condition kind %q", s.Kind)
	}
}

func (s ConditionSpec) convertChildren(compiler ExpressionCompiler) ([]condition.Condition, error) {
	children := make([]condition.Condition, 0, len(s.Children))
	for i, cs := range s.Children {
		child, err := cs.ToCondition(compiler)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// ToRule converts the spec into a domain rule.
func (s RuleSpec) ToRule(compiler ExpressionCompiler) (rule.Rule, error) {
	cond, err := s.Condition.ToCondition(compiler)
	if err != nil {
		return rule.Rule{}, fmt.Errorf("rule %q: %w", s.ID, err)
	}

	action := rule.Action{
		Kind:    rule.ActionKind(s.Action.Kind),
		Level:   s.Action.Level,
		Message: s.Action.Message,
	}
	if s.Action.Duration != "" {
		d, err := time.ParseDuration(s.Action.Duration)
		if err != nil {
			return rule.Rule{}, fmt.Errorf("rule %q: action duration: %w", s.ID, err)
		}
		action.Duration = d
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	return rule.Rule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Condition:   cond,
		Action:      action,
		Severity:    rule.ParseSeverity(s.Severity),
		Enabled:     enabled,
		Priority:    s.Priority,
	}, nil
}

// ToPolicy converts the spec into a domain policy.
func (s PolicySpec) ToPolicy(compiler ExpressionCompiler) (profile.Policy, error) {
	p := profile.Policy{
		Identifier:            s.Identifier,
		ProtectionLevel:       profile.ProtectionLevel(s.ProtectionLevel),
		NetworkFiltering:      s.NetworkFiltering.toSettings(),
		DNSFiltering:          s.DNSFiltering.toSettings(),
		HardwareSpoofingLevel: profile.SpoofingLevel(s.HardwareSpoofingLevel),
		RequiresVMIsolation:   s.RequiresVMIsolation,
		ParentIdentifier:      s.ParentIdentifier,
	}
	if s.Condition != nil {
		cond, err := s.Condition.ToCondition(compiler)
		if err != nil {
			return profile.Policy{}, fmt.Errorf("policy %q: %w", s.Identifier, err)
		}
		p.Condition = &cond
	}
	return p, nil
}

func (s FilterSpec) toSettings() profile.FilterSettings {
	return profile.FilterSettings{
		Enabled:        s.Enabled,
		BlockTracking:  s.BlockTracking,
		AllowedDomains: s.AllowedDomains,
		BlockedDomains: s.BlockedDomains,
	}
}
