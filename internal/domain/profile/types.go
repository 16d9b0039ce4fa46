// Package profile contains identifier-scoped protection policies and their
// specificity/inheritance semantics.
package profile

import "github.com/privarion/privarion/internal/domain/condition"

// DefaultIdentifier is the identifier of the root fallback policy. A
// resolver always holds a policy under this identifier.
const DefaultIdentifier = "*"

// ProtectionLevel orders how aggressively a subject is protected:
// basic < standard < strict < paranoid. The empty value means "unset,
// inherit from the parent chain".
type ProtectionLevel string

const (
	ProtectionBasic    ProtectionLevel = "basic"
	ProtectionStandard ProtectionLevel = "standard"
	ProtectionStrict   ProtectionLevel = "strict"
	ProtectionParanoid ProtectionLevel = "paranoid"
)

// Rank returns the ordering position of a protection level; unset is lowest.
func (p ProtectionLevel) Rank() int {
	switch p {
	case ProtectionParanoid:
		return 4
	case ProtectionStrict:
		return 3
	case ProtectionStandard:
		return 2
	case ProtectionBasic:
		return 1
	default:
		return 0
	}
}

// SpoofingLevel orders hardware identifier spoofing aggressiveness:
// none < minimal < standard < full. Empty means unset.
type SpoofingLevel string

const (
	SpoofingNone     SpoofingLevel = "none"
	SpoofingMinimal  SpoofingLevel = "minimal"
	SpoofingStandard SpoofingLevel = "standard"
	SpoofingFull     SpoofingLevel = "full"
)

// Rank returns the ordering position of a spoofing level; unset is lowest.
func (s SpoofingLevel) Rank() int {
	switch s {
	case SpoofingFull:
		return 4
	case SpoofingStandard:
		return 3
	case SpoofingMinimal:
		return 2
	case SpoofingNone:
		return 1
	default:
		return 0
	}
}

// FilterSettings configures one filtering surface (network or DNS).
// Pointer fields distinguish "unset, inherit" (nil) from an explicit false.
// Domain pattern lists are regular expressions; a descendant's non-empty
// list replaces the ancestor's wholesale; lists are never merged.
type FilterSettings struct {
	Enabled        *bool
	BlockTracking  *bool
	AllowedDomains []string
	BlockedDomains []string
}

// merge fills each unset field of s from parent and returns the result.
func (s FilterSettings) merge(parent FilterSettings) FilterSettings {
	if s.Enabled == nil {
		s.Enabled = parent.Enabled
	}
	if s.BlockTracking == nil {
		s.BlockTracking = parent.BlockTracking
	}
	if len(s.AllowedDomains) == 0 {
		s.AllowedDomains = parent.AllowedDomains
	}
	if len(s.BlockedDomains) == 0 {
		s.BlockedDomains = parent.BlockedDomains
	}
	return s
}

// Policy is an identifier-scoped protection policy. Policies are immutable
// value objects once stored; updates replace the whole entry.
type Policy struct {
	// Identifier is an exact bundle identifier, an absolute path, or
	// DefaultIdentifier.
	Identifier string

	ProtectionLevel       ProtectionLevel
	NetworkFiltering      FilterSettings
	DNSFiltering          FilterSettings
	HardwareSpoofingLevel SpoofingLevel

	// RequiresVMIsolation is nil when unset (inherit).
	RequiresVMIsolation *bool

	// ParentIdentifier names the policy whose values fill this policy's
	// unset fields. Empty means the policy inherits only from the root
	// default. Parent chains must be acyclic; the validator rejects cycles
	// before insertion, resolution assumes a validated graph.
	ParentIdentifier string

	// Condition optionally narrows which events the policy's filtering
	// applies to.
	Condition *condition.Condition
}

// inherit fills every unset field of p from ancestor and returns the result.
// Explicitly set descendant values always win.
func (p Policy) inherit(ancestor Policy) Policy {
	if p.ProtectionLevel == "" {
		p.ProtectionLevel = ancestor.ProtectionLevel
	}
	p.NetworkFiltering = p.NetworkFiltering.merge(ancestor.NetworkFiltering)
	p.DNSFiltering = p.DNSFiltering.merge(ancestor.DNSFiltering)
	if p.HardwareSpoofingLevel == "" {
		p.HardwareSpoofingLevel = ancestor.HardwareSpoofingLevel
	}
	if p.RequiresVMIsolation == nil {
		p.RequiresVMIsolation = ancestor.RequiresVMIsolation
	}
	if p.Condition == nil {
		p.Condition = ancestor.Condition
	}
	return p
}

// Resolve applies the inheritance chain to base: each unset field is filled
// by the first ancestor that defines it, ending at the root default. lookup
// fetches stored policies by identifier. The chain walk is bounded; a
// validated graph never hits the bound.
func Resolve(base Policy, lookup func(string) (Policy, bool)) Policy {
	const maxDepth = 64

	resolved := base
	parent := base.ParentIdentifier
	for depth := 0; parent != "" && depth < maxDepth; depth++ {
		ancestor, ok := lookup(parent)
		if !ok {
			break
		}
		resolved = resolved.inherit(ancestor)
		parent = ancestor.ParentIdentifier
	}

	// The root default policy backstops any field still unset.
	if base.Identifier != DefaultIdentifier {
		if root, ok := lookup(DefaultIdentifier); ok {
			resolved = resolved.inherit(root)
		}
	}
	return resolved
}

// Clone returns a deep copy of the policy so stored entries cannot be
// mutated through returned values.
func (p Policy) Clone() Policy {
	c := p
	if p.RequiresVMIsolation != nil {
		v := *p.RequiresVMIsolation
		c.RequiresVMIsolation = &v
	}
	c.NetworkFiltering = p.NetworkFiltering.clone()
	c.DNSFiltering = p.DNSFiltering.clone()
	if p.Condition != nil {
		cond := *p.Condition
		c.Condition = &cond
	}
	return c
}

func (s FilterSettings) clone() FilterSettings {
	c := s
	if s.Enabled != nil {
		v := *s.Enabled
		c.Enabled = &v
	}
	if s.BlockTracking != nil {
		v := *s.BlockTracking
		c.BlockTracking = &v
	}
	c.AllowedDomains = append([]string(nil), s.AllowedDomains...)
	c.BlockedDomains = append([]string(nil), s.BlockedDomains...)
	return c
}
