package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// RegexPrefix marks an exclude pattern as a regular expression over the full
// path. Patterns without it are globs matched against the base name.
const RegexPrefix = "re:"

// PathFilter decides which walked files are skipped before hashing.
type PathFilter struct {
	globs   []string
	regexes []*regexp.Regexp
}

// NewPathFilter compiles exclude patterns. Malformed globs and regexes are
// reported instead of silently ignored.
func NewPathFilter(patterns []string) (*PathFilter, error) {
	f := &PathFilter{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pattern, RegexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid exclude regex %q: %w", expr, err)
			}
			f.regexes = append(f.regexes, re)
			continue
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid exclude glob %q: %w", pattern, err)
		}
		f.globs = append(f.globs, pattern)
	}
	return f, nil
}

// Excluded reports whether path matches any exclude pattern. A nil filter
// excludes nothing.
func (f *PathFilter) Excluded(path string) bool {
	if f == nil {
		return false
	}
	base := filepath.Base(path)
	for _, pattern := range f.globs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	for _, re := range f.regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter has no patterns.
func (f *PathFilter) Empty() bool {
	return f == nil || (len(f.globs) == 0 && len(f.regexes) == 0)
}
