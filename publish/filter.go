package publish

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ScopeFilter restricts publishing to owner scopes matching glob patterns.
// Documents in non-matching scopes are reconciled locally and never leave
// the node.
type ScopeFilter struct {
	globs []glob.Glob
}

// NewScopeFilter compiles the given patterns. Empty patterns match every
// scope.
func NewScopeFilter(patterns []string) (*ScopeFilter, error) {
	filter := &ScopeFilter{
		globs: make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid scope pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}

	return filter, nil
}

// Match returns true if the scope should be published externally.
// With no patterns configured, all scopes match.
func (f *ScopeFilter) Match(scope string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(scope) {
			return true
		}
	}
	return false
}
