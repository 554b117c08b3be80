package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TypeFilter passes event types matching any of its globs. An empty filter
// passes everything.
type TypeFilter []glob.Glob

// CompileTypeFilter compiles patterns such as "command_*" into a TypeFilter
func CompileTypeFilter(patterns []string) (TypeFilter, error) {
	f := make(TypeFilter, len(patterns))
	for i, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid event type pattern %q: %w", p, err)
		}
		f[i] = g
	}
	return f, nil
}

func (f TypeFilter) Match(eventType string) bool {
	for _, g := range f {
		if g.Match(eventType) {
			return true
		}
	}
	return len(f) == 0
}
