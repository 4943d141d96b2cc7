package scanning

import (
	"fmt"

	regexp "github.com/wasilibs/go-re2"
)

// EntryFilter decides which archive entries are not worth scanning, such as
// images or compiled objects. A nil filter skips nothing.
type EntryFilter struct {
	patterns []*regexp.Regexp
}

// NewEntryFilter compiles patterns. Each pattern is matched against the full
// entry path inside the archive.
func NewEntryFilter(patterns []string) (*EntryFilter, error) {
	f := &EntryFilter{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Skip reports whether the entry named name should not be scanned.
func (f *EntryFilter) Skip(name string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (f *EntryFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}
