// Package pattern compiles a gateway rule's pattern into one of three
// dialects (spec.md §4.4) and renders its target template against the
// resulting captures. The hot path for the two simple dialects never
// touches the regexp engine — only the anchored-regex dialect does.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies which of the three dialects a pattern compiled to.
type Kind int

const (
	KindExact Kind = iota
	KindPrefixGlob
	KindAnchoredRegex
)

// Matcher is a compiled pattern ready to be evaluated against request
// paths on the hot path.
type Matcher struct {
	kind     Kind
	raw      string
	exact    string // KindExact
	prefix   string // KindPrefixGlob: the literal prefix before "/*"
	re       *regexp.Regexp
	numGroups int
	target   []targetPiece
}

// targetPiece is either a literal string chunk or a capture-group index
// ($1..$9) to substitute from a successful match.
type targetPiece struct {
	literal string
	group   int // 0 means "this is a literal piece", groups are 1-indexed
}

// Compile compiles pattern into a Matcher and validates target against it.
// It returns an error (surfaced by the route table builder as
// BuildError.BadPattern) when the pattern fails to compile or target
// references a capture group the pattern doesn't define.
func Compile(pattern, target string) (*Matcher, error) {
	m := &Matcher{raw: pattern}

	switch {
	case strings.HasPrefix(pattern, "^"):
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("anchored regex %q: %w", pattern, err)
		}
		m.kind = KindAnchoredRegex
		m.re = re
		m.numGroups = re.NumSubexp()

	case strings.HasSuffix(pattern, "/*"):
		m.kind = KindPrefixGlob
		m.prefix = strings.TrimSuffix(pattern, "/*")
		m.numGroups = 1

	default:
		if strings.ContainsAny(pattern, "*^$()[]{}|\\+?") {
			return nil, fmt.Errorf("pattern %q: contains metacharacters but matches no known dialect", pattern)
		}
		m.kind = KindExact
		m.exact = pattern
		m.numGroups = 0
	}

	pieces, err := compileTarget(target, m.numGroups)
	if err != nil {
		return nil, err
	}
	m.target = pieces

	return m, nil
}

// compileTarget parses a target template into literal/capture pieces and
// validates every $N reference is within [1, numGroups].
func compileTarget(target string, numGroups int) ([]targetPiece, error) {
	var pieces []targetPiece
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			pieces = append(pieces, targetPiece{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(target); i++ {
		c := target[i]
		if c == '$' && i+1 < len(target) && target[i+1] >= '1' && target[i+1] <= '9' {
			n, _ := strconv.Atoi(string(target[i+1]))
			if n > numGroups {
				return nil, fmt.Errorf("target %q references capture group $%d but pattern defines only %d", target, n, numGroups)
			}
			flush()
			pieces = append(pieces, targetPiece{group: n})
			i++
			continue
		}
		lit.WriteByte(c)
	}
	flush()

	return pieces, nil
}

// Kind reports which dialect this matcher compiled to.
func (m *Matcher) Kind() Kind { return m.kind }

// Match evaluates the path against the compiled pattern. On success it
// returns the capture strings (index 0 unused, 1..9 as matched) and true.
func (m *Matcher) Match(path string) (captures []string, ok bool) {
	switch m.kind {
	case KindExact:
		if path == m.exact {
			return nil, true
		}
		return nil, false

	case KindPrefixGlob:
		if !strings.HasPrefix(path, m.prefix) {
			return nil, false
		}
		rest := strings.TrimPrefix(path, m.prefix)
		rest = strings.TrimPrefix(rest, "/")
		return []string{"", rest}, true

	case KindAnchoredRegex:
		sub := m.re.FindStringSubmatch(path)
		if sub == nil {
			return nil, false
		}
		return sub, true
	}
	return nil, false
}

// Render substitutes captures (as returned by Match) into the compiled
// target template.
func (m *Matcher) Render(captures []string) string {
	var b strings.Builder
	for _, p := range m.target {
		if p.group == 0 {
			b.WriteString(p.literal)
			continue
		}
		if p.group < len(captures) {
			b.WriteString(captures[p.group])
		}
	}
	return b.String()
}
