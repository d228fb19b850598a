package naming

import (
	"strings"
)

type patternKind int

const (
	// exactSubtree matches a folder path and everything below it.
	exactSubtree patternKind = iota
	// immediateChildren matches direct children of base only ("base/*").
	immediateChildren
	// allDescendants matches every folder below base but not base ("base/**").
	allDescendants
	// anyDepth matches its inner pattern starting at any depth ("**/rest").
	anyDepth
)

type pattern struct {
	kind  patternKind
	base  []string
	inner *pattern
}

// ExclusionMatcher decides whether a remote folder path is excluded from
// sync. Matching is case-insensitive and uses "/" as the separator.
type ExclusionMatcher struct {
	patterns []pattern
}

// NewExclusionMatcher compiles glob patterns. Blank patterns are ignored.
func NewExclusionMatcher(patterns []string) *ExclusionMatcher {
	m := &ExclusionMatcher{}
	for _, raw := range patterns {
		segs := splitPath(raw)
		if len(segs) == 0 {
			continue
		}
		m.patterns = append(m.patterns, compile(segs))
	}
	return m
}

func compile(segs []string) pattern {
	if segs[0] == "**" {
		rest := segs[1:]
		if len(rest) == 0 {
			// a bare "**" matches every folder
			return pattern{kind: allDescendants}
		}
		inner := compile(rest)
		return pattern{kind: anyDepth, inner: &inner}
	}
	last := segs[len(segs)-1]
	switch {
	case last == "**":
		return pattern{kind: allDescendants, base: segs[:len(segs)-1]}
	case last == "*":
		return pattern{kind: immediateChildren, base: segs[:len(segs)-1]}
	default:
		return pattern{kind: exactSubtree, base: segs}
	}
}

// Excluded reports whether any pattern matches folderPath.
func (m *ExclusionMatcher) Excluded(folderPath string) bool {
	if m == nil {
		return false
	}
	segs := splitPath(folderPath)
	if len(segs) == 0 {
		return false
	}
	for i := range m.patterns {
		if m.patterns[i].match(segs) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (m *ExclusionMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

func (p *pattern) match(segs []string) bool {
	switch p.kind {
	case exactSubtree:
		return len(segs) >= len(p.base) && hasPrefix(segs, p.base)
	case immediateChildren:
		return len(segs) == len(p.base)+1 && hasPrefix(segs, p.base)
	case allDescendants:
		return len(segs) > len(p.base) && hasPrefix(segs, p.base)
	case anyDepth:
		for i := 0; i < len(segs); i++ {
			if p.inner.match(segs[i:]) {
				return true
			}
		}
	}
	return false
}

func hasPrefix(segs, prefix []string) bool {
	for i, s := range prefix {
		if !strings.EqualFold(segs[i], s) {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.FieldsFunc(strings.TrimSpace(p), func(r rune) bool { return r == '/' })
}
