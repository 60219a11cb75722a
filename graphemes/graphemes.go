// Package graphemes measures and truncates operator-visible text by
// user-perceived characters, so emoji and combining sequences pushed to
// store screens are never split.
package graphemes

import (
	"strings"
	"unicode"

	"github.com/scalecode-solutions/runeseg"
)

// Ellipsis is appended by Shorten when text is cut.
const Ellipsis = "…"

// Count returns the number of grapheme clusters in s.
func Count(s string) int {
	n := 0
	for state, rest := -1, s; len(rest) > 0; n++ {
		_, rest, _, state = runeseg.StepString(rest, state)
	}
	return n
}

// Truncate returns s cut to at most max grapheme clusters. The returned
// string is a prefix of s.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	end := 0
	n := 0
	for state, rest := -1, s; len(rest) > 0; {
		if n == max {
			return s[:end]
		}
		var cluster string
		cluster, rest, _, state = runeseg.StepString(rest, state)
		end += len(cluster)
		n++
	}
	return s
}

// Shorten truncates s to max grapheme clusters, marking the cut with an
// ellipsis. The ellipsis counts toward max.
func Shorten(s string, max int) string {
	if Count(s) <= max {
		return s
	}
	if max <= 1 {
		return Truncate(Ellipsis, max)
	}
	return Truncate(s, max-1) + Ellipsis
}

// Sanitize trims surrounding whitespace and drops control characters other
// than newlines and tabs.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
