package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// DefaultEndpoint is the PolicySet entry used for endpoints without their own
// policy.
const DefaultEndpoint = "*"

// Policy is a quota of Limit requests per Window.
type Policy struct {
	Limit  int64         `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// Validate returns ErrInvalidPolicy unless Limit >= 1 and Window is at least
// one microsecond.
func (p Policy) Validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidPolicy, p.Limit)
	}
	if p.Window < time.Microsecond {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	return nil
}

// PolicySet resolves endpoint names to policies.
type PolicySet struct {
	policies map[string]Policy
}

// NewPolicySet validates every policy. Endpoint names are trimmed.
func NewPolicySet(policies map[string]Policy) (*PolicySet, error) {
	ps := &PolicySet{policies: make(map[string]Policy, len(policies))}
	for ep, p := range policies {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			return nil, fmt.Errorf("%w: empty endpoint name", ErrInvalidPolicy)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep, err)
		}
		ps.policies[ep] = p
	}
	return ps, nil
}

// Resolve returns the policy for endpoint, falling back to the "*" entry.
func (ps *PolicySet) Resolve(endpoint string) (Policy, bool) {
	if ps == nil {
		return Policy{}, false
	}
	if p, ok := ps.policies[endpoint]; ok {
		return p, true
	}
	p, ok := ps.policies[DefaultEndpoint]
	return p, ok
}

// Len returns the number of configured endpoints, including "*".
func (ps *PolicySet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.policies)
}
