package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects events by role and host name patterns.
// An empty pattern list matches everything.
type GlobFilter struct {
	roleGlobs []glob.Glob
	hostGlobs []glob.Glob
}

// NewGlobFilter compiles role and host patterns
func NewGlobFilter(rolePatterns, hostPatterns []string) (*GlobFilter, error) {
	roles, err := compileGlobs("role", rolePatterns)
	if err != nil {
		return nil, err
	}
	hosts, err := compileGlobs("host", hostPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{roleGlobs: roles, hostGlobs: hosts}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Match reports whether both the role and the host are selected
func (f *GlobFilter) Match(role, host string) bool {
	return matchAny(f.roleGlobs, role) && matchAny(f.hostGlobs, host)
}
