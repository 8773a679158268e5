// Package match implements the wildcard path-pattern compiler and matcher
// used by subscriptions and node-path lookups (spec §3.4, §8.7): shell-glob
// segments (*, ?, and [classes]) joined by '/', each segment anchored to
// exactly one path level — no segment ever crosses a '/'.
//
// This has no stdlib equivalent: path.Match anchors to a whole path and
// treats '*' as matching '/' too, and filepath.Match is platform-dependent
// on separator handling. Neither supports the numeric auto-name range
// segment syntax spec §3.4 adds ("I20-30" selecting auto-named children
// I20 through I30 inclusive), so this package is hand-rolled rather than a
// stdlib wrapper — noted in DESIGN.md.
package match

import (
	"strconv"
	"strings"
)

// Pattern is a compiled, segment-anchored path pattern.
type Pattern struct {
	raw      string
	segments []string
}

// Compile splits pattern on '/' into anchored segments. A leading '/' is
// stripped (patterns are always matched from a fixed root by the caller).
func Compile(pattern string) *Pattern {
	raw := pattern
	pattern = strings.TrimPrefix(pattern, "/")
	var segs []string
	if pattern != "" {
		segs = strings.Split(pattern, "/")
	}
	return &Pattern{raw: raw, segments: segs}
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// NumSegments reports how many '/'-separated segments this pattern has.
func (p *Pattern) NumSegments() int { return len(p.segments) }

// Segment returns the compiled pattern text for segment i.
func (p *Pattern) Segment(i int) string { return p.segments[i] }

// Match reports whether path (also '/'-separated, no leading slash) has
// exactly as many segments as the pattern, each one matching its
// corresponding segment pattern.
func (p *Pattern) Match(path string) bool {
	path = strings.TrimPrefix(path, "/")
	var pathSegs []string
	if path != "" {
		pathSegs = strings.Split(path, "/")
	}
	if len(pathSegs) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if !MatchSegment(seg, pathSegs[i]) {
			return false
		}
	}
	return true
}

// HasWildcardSegment reports whether segment i contains any matching
// metacharacter (as opposed to being a plain name or numeric range).
func (p *Pattern) HasWildcardSegment(i int) bool {
	return IsWildcardSegment(p.segments[i])
}

// IsWildcardSegment reports whether seg needs pattern matching rather than
// a plain map lookup.
func IsWildcardSegment(seg string) bool {
	if strings.ContainsAny(seg, "*?[") {
		return true
	}
	_, _, ok := parseNumericRange(seg)
	return ok
}

// MatchSegment matches a single path segment pattern against a single path
// segment name. It never considers '/'.
func MatchSegment(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if lo, hi, ok := parseNumericRange(pattern); ok {
		return matchNumericRange(name, lo, hi)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	return globMatch(pattern, name)
}

// parseNumericRange recognizes patterns of the form "<prefix><lo>-<hi>",
// e.g. "I20-30", matching auto-named children I20 through I30 inclusive.
// Plain names without a hyphenated numeric suffix are not ranges.
func parseNumericRange(pattern string) (lo, hi uint64, ok bool) {
	dash := strings.LastIndexByte(pattern, '-')
	if dash < 0 || dash == len(pattern)-1 {
		return 0, 0, false
	}
	hiStr := pattern[dash+1:]
	hiVal, err := strconv.ParseUint(hiStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	head := pattern[:dash]
	digitsStart := len(head)
	for digitsStart > 0 && head[digitsStart-1] >= '0' && head[digitsStart-1] <= '9' {
		digitsStart--
	}
	if digitsStart == len(head) {
		return 0, 0, false
	}
	loVal, err := strconv.ParseUint(head[digitsStart:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return loVal, hiVal, true
}

func matchNumericRange(name string, lo, hi uint64) bool {
	digitsStart := len(name)
	for digitsStart > 0 && name[digitsStart-1] >= '0' && name[digitsStart-1] <= '9' {
		digitsStart--
	}
	if digitsStart == len(name) {
		return false
	}
	v, err := strconv.ParseUint(name[digitsStart:], 10, 64)
	if err != nil {
		return false
	}
	return v >= lo && v <= hi
}

// globMatch is a classic recursive-descent glob matcher over '*', '?' and
// '[...]' character classes (with leading '^' or '!' negation and 'a-z'
// ranges), never treating '/' specially since callers never pass one in.
func globMatch(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive stars, then try every suffix of name.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if globMatch(pattern, name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		case '[':
			end := strings.IndexByte(pattern, ']')
			if end < 0 || len(name) == 0 {
				return false
			}
			class := pattern[1:end]
			if !matchClass(class, name[0]) {
				return false
			}
			pattern = pattern[end+1:]
			name = name[1:]
		default:
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		}
	}
	return len(name) == 0
}

func matchClass(class string, c byte) bool {
	negate := false
	if len(class) > 0 && (class[0] == '^' || class[0] == '!') {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}
