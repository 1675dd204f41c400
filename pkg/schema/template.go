package schema

import (
	"regexp"
	"strings"
)

// refPattern matches ${col} references, optionally preceded by the
// backslash escape.
var refPattern = regexp.MustCompile(`\\?\$\{([^}]+)\}`)

// ExtractRefs returns the column ids referenced by unescaped ${col}
// occurrences in s, deduplicated, in order of first appearance.
func ExtractRefs(s string) []string {
	var refs []string
	seen := make(map[string]struct{})
	for _, m := range refPattern.FindAllStringSubmatchIndex(s, -1) {
		if s[m[0]] == '\\' {
			continue
		}
		name := s[m[2]:m[3]]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		refs = append(refs, name)
	}
	return refs
}

// Substitute replaces unescaped ${col} references using resolve and
// rewrites \${col} to the literal ${col}. Unresolved references are
// replaced with the empty string.
func Substitute(s string, resolve func(name string) (string, bool)) string {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		if s[m[0]] == '\\' {
			// Escaped: drop the backslash, keep the reference verbatim.
			b.WriteString(s[m[0]+1 : m[1]])
		} else {
			name := s[m[2]:m[3]]
			if v, ok := resolve(name); ok {
				b.WriteString(v)
			}
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Interpolate substitutes row values into a template. Values are
// rendered with Stringify; absent columns become empty strings.
func Interpolate(template string, row map[string]any) string {
	return Substitute(template, func(name string) (string, bool) {
		v, ok := row[name]
		if !ok {
			return "", false
		}
		return Stringify(v), true
	})
}
