package service

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/privarion/privarion/internal/domain/profile"
)

// ProfileService owns the identifier-to-policy map and resolves the
// effective policy for a subject by specificity and inheritance. It is the
// exclusive owner of its backing map; stored policies are immutable values
// and re-adding an identifier replaces the whole entry.
type ProfileService struct {
	mu       sync.RWMutex
	policies map[string]profile.Policy
	logger   *slog.Logger
}

// NewProfileService creates a resolver seeded with the given root default
// policy. The default's identifier is forced to profile.DefaultIdentifier so
// resolution always has a fallback.
func NewProfileService(defaultPolicy profile.Policy, logger *slog.Logger) *ProfileService {
	defaultPolicy.Identifier = profile.DefaultIdentifier
	defaultPolicy.ParentIdentifier = ""
	return &ProfileService{
		policies: map[string]profile.Policy{
			profile.DefaultIdentifier: defaultPolicy.Clone(),
		},
		logger: logger,
	}
}

// AddPolicy stores a policy, replacing any existing entry for the same
// identifier. Identifier-keyed catalogs overwrite on re-add: the identifier
// is the natural key and an update is a whole-entry replacement.
func (s *ProfileService) AddPolicy(p profile.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Identifier] = p.Clone()
	s.logger.Debug("identifier policy stored", "identifier", p.Identifier)
}

// RemovePolicy deletes a policy by identifier and reports whether it
// existed. The root default policy cannot be removed.
func (s *ProfileService) RemovePolicy(identifier string) bool {
	if identifier == profile.DefaultIdentifier {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[identifier]; !ok {
		return false
	}
	delete(s.policies, identifier)
	return true
}

// GetPolicy returns the stored policy for an exact identifier.
func (s *ProfileService) GetPolicy(identifier string) (profile.Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[identifier]
	if !ok {
		return profile.Policy{}, false
	}
	return p.Clone(), true
}

// EvaluatePolicy returns the effective policy for a subject identifier:
//  1. an exact identifier match wins outright;
//  2. otherwise the stored identifier that is the longest prefix of the
//     subject (most specific) is selected;
//  3. otherwise the root default applies.
//
// The selected policy's unset fields are then filled by walking its parent
// chain. Resolution assumes the graph was validated acyclic at insertion.
func (s *ProfileService) EvaluatePolicy(subject string) profile.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base, ok := s.policies[subject]
	if !ok {
		base = s.selectByPrefixLocked(subject)
	}
	resolved := profile.Resolve(base, func(id string) (profile.Policy, bool) {
		p, ok := s.policies[id]
		return p, ok
	})
	return resolved.Clone()
}

// selectByPrefixLocked picks the most specific stored identifier matching
// the subject: the longest identifier that prefixes it. Must be called with
// at least a read lock held.
func (s *ProfileService) selectByPrefixLocked(subject string) profile.Policy {
	best, bestLen := s.policies[profile.DefaultIdentifier], -1
	for id, p := range s.policies {
		if id == profile.DefaultIdentifier {
			continue
		}
		if strings.HasPrefix(subject, id) && len(id) > bestLen {
			best, bestLen = p, len(id)
		}
	}
	return best
}

// Identifiers returns all stored identifiers, for diagnostics and batch
// validation.
func (s *ProfileService) Identifiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, id)
	}
	return ids
}
