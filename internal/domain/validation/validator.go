package validation

import (
	"fmt"
	"path"
	"regexp"

	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/rule"
)

// defaultComplexityCeiling is the node count above which a condition tree is
// flagged (never rejected).
const defaultComplexityCeiling = 50

// PolicyLookup resolves stored identifier policies for parent-reference and
// cycle checks. The profile resolver satisfies it.
type PolicyLookup interface {
	GetPolicy(identifier string) (profile.Policy, bool)
}

// ExpressionChecker validates CEL expression leaves. The cel adapter
// satisfies it.
type ExpressionChecker interface {
	ValidateExpression(expr string) error
}

// Validator runs every applicable check and reports all failures at once, so
// callers can batch-correct a malformed catalog instead of fixing one error
// per attempt.
type Validator struct {
	lookup            PolicyLookup
	exprs             ExpressionChecker
	complexityCeiling int
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithComplexityCeiling overrides the complexity flag threshold.
func WithComplexityCeiling(ceiling int) ValidatorOption {
	return func(v *Validator) {
		if ceiling > 0 {
			v.complexityCeiling = ceiling
		}
	}
}

// WithExpressionChecker attaches a checker for expression condition leaves.
// Without one, expression leaves are only checked for a non-empty source.
func WithExpressionChecker(checker ExpressionChecker) ValidatorOption {
	return func(v *Validator) {
		v.exprs = checker
	}
}

// NewValidator creates a validator. lookup may be nil when only rules are
// validated.
func NewValidator(lookup PolicyLookup, opts ...ValidatorOption) *Validator {
	v := &Validator{
		lookup:            lookup,
		complexityCeiling: defaultComplexityCeiling,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateRule checks a rule's structure. Complexity above the ceiling is
// reported but does not invalidate.
func (v *Validator) ValidateRule(r rule.Rule) Result {
	var issues []string

	if r.Name == "" {
		issues = append(issues, IssueEmptyName+": rule name must not be empty")
	}
	if r.Description == "" {
		issues = append(issues, IssueEmptyDescription+": rule description must not be empty")
	}
	issues = append(issues, v.checkCondition(r.Condition)...)

	complexity := condition.Complexity(r.Condition)
	valid := len(issues) == 0

	if complexity > v.complexityCeiling {
		issues = append(issues, fmt.Sprintf("%s: condition has %d nodes (ceiling %d)",
			IssueHighComplexity, complexity, v.complexityCeiling))
	}

	return Result{Valid: valid, Issues: issues, Complexity: complexity}
}

// ValidatePolicy checks an identifier policy: structure, filtering pattern
// syntax, allow/block consistency, spoofing/isolation consistency, parent
// existence, and inheritance cycles reachable from the candidate.
func (v *Validator) ValidatePolicy(p profile.Policy) Result {
	var issues []string

	if p.Identifier == "" {
		issues = append(issues, IssueEmptyIdentifier+": policy identifier must not be empty")
	}

	issues = append(issues, checkFilterSettings("networkFiltering", p.NetworkFiltering)...)
	issues = append(issues, checkFilterSettings("dnsFiltering", p.DNSFiltering)...)

	if p.RequiresVMIsolation != nil && *p.RequiresVMIsolation {
		if level := v.effectiveSpoofingLevel(p); level != profile.SpoofingFull {
			issues = append(issues, fmt.Sprintf(
				"%s: requiresVMIsolation demands hardwareSpoofingLevel %q, got %q",
				IssueInconsistentRules, profile.SpoofingFull, level))
		}
	}

	issues = append(issues, v.checkParentChain(p)...)

	if p.Condition != nil {
		issues = append(issues, v.checkCondition(*p.Condition)...)
	}

	complexity := policyComplexity(p)
	valid := len(issues) == 0

	if complexity > v.complexityCeiling {
		issues = append(issues, fmt.Sprintf("%s: policy has complexity %d (ceiling %d)",
			IssueHighComplexity, complexity, v.complexityCeiling))
	}

	return Result{Valid: valid, Issues: issues, Complexity: complexity}
}

// checkParentChain verifies the parent reference exists and that walking
// parentIdentifier links from the candidate never revisits an identifier.
// The candidate itself participates: a stored chain that loops back to the
// candidate's identifier is a cycle even before insertion.
func (v *Validator) checkParentChain(p profile.Policy) []string {
	if p.ParentIdentifier == "" || v.lookup == nil {
		return nil
	}

	if _, ok := v.lookup.GetPolicy(p.ParentIdentifier); !ok {
		return []string{fmt.Sprintf("%s: parent policy %q does not exist",
			IssueParentNotFound, p.ParentIdentifier)}
	}

	seen := map[string]bool{p.Identifier: true}
	current := p.ParentIdentifier
	for current != "" {
		if seen[current] {
			return []string{fmt.Sprintf("%s: inheritance cycle through %q",
				IssueCircularInheritance, current)}
		}
		seen[current] = true

		ancestor, ok := v.lookup.GetPolicy(current)
		if !ok {
			// Broken further up the chain; already reported for the policy
			// that owns the dangling reference.
			return nil
		}
		current = ancestor.ParentIdentifier
	}
	return nil
}

// effectiveSpoofingLevel resolves the hardware spoofing level the policy
// would carry after inheritance: its own level when set, otherwise the first
// level defined along the parent chain. A chain that never defines one
// resolves to the empty level. The walk stops on a revisited identifier;
// the cycle itself is checkParentChain's to report.
func (v *Validator) effectiveSpoofingLevel(p profile.Policy) profile.SpoofingLevel {
	if p.HardwareSpoofingLevel != "" || v.lookup == nil {
		return p.HardwareSpoofingLevel
	}

	seen := map[string]bool{p.Identifier: true}
	current := p.ParentIdentifier
	for current != "" && !seen[current] {
		seen[current] = true
		ancestor, ok := v.lookup.GetPolicy(current)
		if !ok {
			break
		}
		if ancestor.HardwareSpoofingLevel != "" {
			return ancestor.HardwareSpoofingLevel
		}
		current = ancestor.ParentIdentifier
	}
	return ""
}

// checkCondition validates glob patterns and expression leaves across a
// condition tree.
func (v *Validator) checkCondition(c condition.Condition) []string {
	var issues []string

	switch c.Kind {
	case condition.KindAnd, condition.KindOr, condition.KindNot:
		for _, child := range c.Children {
			issues = append(issues, v.checkCondition(child)...)
		}

	case condition.KindProcessName, condition.KindBundleIdentifier, condition.KindServiceName:
		if badGlob(c.Pattern) {
			issues = append(issues, fmt.Sprintf("%s: malformed glob %q on %s leaf",
				IssueInvalidPattern, c.Pattern, c.Kind))
		}

	case condition.KindNetworkConnection:
		if badGlob(c.Host) {
			issues = append(issues, fmt.Sprintf("%s: malformed host glob %q",
				IssueInvalidPattern, c.Host))
		}

	case condition.KindExpression:
		if c.Expr == "" {
			issues = append(issues, IssueInvalidExpression+": expression leaf has empty source")
		} else if v.exprs != nil {
			if err := v.exprs.ValidateExpression(c.Expr); err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", IssueInvalidExpression, err))
			}
		}
	}
	return issues
}

// checkFilterSettings validates the regex domain patterns of one filtering
// surface and reports domains present in both the allow and block lists.
func checkFilterSettings(field string, fs profile.FilterSettings) []string {
	var issues []string

	for _, pattern := range fs.AllowedDomains {
		if _, err := regexp.Compile(pattern); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %s allow pattern %q: %v",
				IssueInvalidPattern, field, pattern, err))
		}
	}
	for _, pattern := range fs.BlockedDomains {
		if _, err := regexp.Compile(pattern); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %s block pattern %q: %v",
				IssueInvalidPattern, field, pattern, err))
		}
	}

	allowed := make(map[string]bool, len(fs.AllowedDomains))
	for _, d := range fs.AllowedDomains {
		allowed[d] = true
	}
	for _, d := range fs.BlockedDomains {
		if allowed[d] {
			issues = append(issues, fmt.Sprintf(
				"%s: domain %q is in both the allow and block list of %s",
				IssueInconsistentRules, d, field))
		}
	}
	return issues
}

// badGlob reports whether a pattern fails glob compilation. Empty patterns
// are tolerated here; they simply never match at evaluation time.
func badGlob(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := path.Match(pattern, "probe")
	return err != nil
}

// policyComplexity is the structural count for a policy: its condition
// tree's node count when present, otherwise the analogous count over its
// filtering rule lists.
func policyComplexity(p profile.Policy) int {
	if p.Condition != nil {
		return condition.Complexity(*p.Condition)
	}
	return len(p.NetworkFiltering.AllowedDomains) + len(p.NetworkFiltering.BlockedDomains) +
		len(p.DNSFiltering.AllowedDomains) + len(p.DNSFiltering.BlockedDomains)
}
