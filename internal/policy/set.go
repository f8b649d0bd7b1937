// Package policy holds the named authorization policies evaluated by the
// gateway. A policy is an ordered list of requirement descriptors that must
// all hold; a claim requirement may accept several values.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/identitycore/authgate/internal/auth"
)

var (
	// ErrDuplicatePolicy is returned when a name is registered twice.
	ErrDuplicatePolicy = errors.New("duplicate policy")
	// ErrSealed is returned when registering after Seal.
	ErrSealed = errors.New("policy set is sealed")
)

// Policy is a named conjunction of requirements. Immutable once registered.
type Policy struct {
	Name         string
	Requirements []Requirement
}

// Evaluate reports whether p satisfies every requirement. A policy without
// requirements denies.
func (pol *Policy) Evaluate(p *auth.Principal) bool {
	if len(pol.Requirements) == 0 {
		return false
	}
	for _, req := range pol.Requirements {
		if !req.satisfied(p) {
			return false
		}
	}
	return true
}

// Set is the process-wide policy registry. Policies are registered during
// startup, then the set is sealed; evaluation afterwards takes no locks.
type Set struct {
	mu       sync.Mutex
	sealed   bool
	policies map[string]*Policy
}

// NewSet creates an empty, unsealed set.
func NewSet() *Set {
	return &Set{policies: make(map[string]*Policy)}
}

// Register adds a named policy. Duplicate names and malformed requirements
// are configuration errors.
func (s *Set) Register(name string, requirements ...Requirement) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("policy name is required")
	}

	compiled := make([]Requirement, 0, len(requirements))
	for i, req := range requirements {
		c, err := req.compile()
		if err != nil {
			return fmt.Errorf("policy %q requirement %d: %w", name, i, err)
		}
		compiled = append(compiled, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, name)
	}
	if _, exists := s.policies[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePolicy, name)
	}
	s.policies[name] = &Policy{Name: name, Requirements: compiled}
	return nil
}

// Seal freezes the set. Later Register calls fail with ErrSealed.
func (s *Set) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Evaluate runs the named policy against p. An unregistered name yields
// auth.ErrUnknownPolicy, never a plain denial.
func (s *Set) Evaluate(name string, p *auth.Principal) (bool, error) {
	pol, ok := s.policies[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", auth.ErrUnknownPolicy, name)
	}
	return pol.Evaluate(p), nil
}

// Get returns the named policy.
func (s *Set) Get(name string) (*Policy, bool) {
	pol, ok := s.policies[name]
	return pol, ok
}

// Names returns the registered policy names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require checks that every name is registered. Used at startup so a route
// referencing a missing policy aborts the process instead of failing on
// first request.
func (s *Set) Require(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, ok := s.policies[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", auth.ErrUnknownPolicy, name))
		}
	}
	return errors.Join(errs...)
}
