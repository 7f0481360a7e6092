package sync

import (
	"fmt"
	"regexp"
	"strings"
)

// IgnoreSet holds one mount's compiled ignore regexes (§4.7 Push step 1:
// "skip paths matching the mount's ignore regexes"). Patterns are matched
// against a path's individual components, not the joined path string, so
// "^\\.git$" ignores a directory named .git anywhere in the tree without
// also needing to anchor the full path.
type IgnoreSet struct {
	patterns []*regexp.Regexp
}

// CompileIgnoreSet compiles every pattern in patterns, failing fast on the
// first invalid regex so a typo in configuration is caught at sync start,
// not mid-walk.
func CompileIgnoreSet(patterns []string) (*IgnoreSet, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("sync: compile ignore pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &IgnoreSet{patterns: compiled}, nil
}

// MatchesComponents reports whether any path component matches any ignore
// pattern; a match means "drop" (§4.7: "match = drop").
func (s *IgnoreSet) MatchesComponents(components []string) bool {
	for _, c := range components {
		for _, re := range s.patterns {
			if re.MatchString(c) {
				return true
			}
		}
	}
	return false
}

// MatchesPath is a convenience wrapper splitting a '/'-joined relative path
// into components before matching.
func (s *IgnoreSet) MatchesPath(relPath string) bool {
	if relPath == "" || relPath == "." {
		return false
	}
	return s.MatchesComponents(strings.Split(relPath, "/"))
}
