// Package textmatch provides the case-insensitive substring and tag matching
// used by every layer's search operation (conversation, vector, fact).
//
// A single Aho-Corasick automaton scans content for any of a set of needles
// in one pass, rather than repeating strings.Contains per needle per record.
package textmatch

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
)

// Canonicalize lowercases and trims runs of whitespace to a single space,
// so "  Blue   Sky" and "blue sky" compare equal. It preserves all non-space
// runes; callers that need punctuation-insensitive matching should further
// normalize before calling Contains/Scanner.
func Canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastWasSpace := true
	for _, r := range s {
		c := unicode.ToLower(r)
		if unicode.IsSpace(c) {
			if !lastWasSpace {
				out.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		out.WriteRune(c)
		lastWasSpace = false
	}
	return strings.TrimRight(out.String(), " ")
}

// Contains reports whether content contains query as a case-insensitive
// substring, comparing the canonical forms with strings.Contains.
func Contains(content, query string) bool {
	if query == "" {
		return true
	}
	return strings.Contains(Canonicalize(content), Canonicalize(query))
}

// Scanner wraps a compiled Aho-Corasick automaton over a fixed needle set,
// for testing many needles against many records in one pass per record.
// Contains and TagMatch do not use it.
type Scanner struct {
	ac      *ahocorasick.Automaton
	needles []string
}

// NewScanner compiles needles (case-folded) into a scanner. Empty or
// duplicate needles are dropped. Returns a nil-safe empty scanner if
// needles is empty.
func NewScanner(needles []string) (*Scanner, error) {
	seen := make(map[string]bool, len(needles))
	unique := make([]string, 0, len(needles))
	for _, n := range needles {
		c := Canonicalize(n)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		unique = append(unique, c)
	}
	if len(unique) == 0 {
		return &Scanner{needles: unique}, nil
	}

	automaton, err := ahocorasick.NewBuilder().
		AddStrings(unique).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	return &Scanner{ac: automaton, needles: unique}, nil
}

// MatchedNeedles returns the distinct needles (by canonical form) found
// anywhere in content.
func (s *Scanner) MatchedNeedles(content string) map[string]bool {
	found := make(map[string]bool)
	if s.ac == nil {
		return found
	}
	haystack := []byte(Canonicalize(content))
	for _, m := range s.ac.FindAllOverlapping(haystack) {
		if m.PatternID >= 0 && m.PatternID < len(s.needles) {
			found[s.needles[m.PatternID]] = true
		}
	}
	return found
}

// MatchAny reports whether content contains at least one needle.
func (s *Scanner) MatchAny(content string) bool {
	if s.ac == nil {
		return len(s.needles) == 0
	}
	return len(s.MatchedNeedles(content)) > 0
}

// MatchAll reports whether content contains every needle the scanner was
// built with.
func (s *Scanner) MatchAll(content string) bool {
	if len(s.needles) == 0 {
		return true
	}
	return len(s.MatchedNeedles(content)) == len(s.needles)
}

// TagMatch applies the tagMatch=any|all contract (spec fact/vector filters)
// against a record's tag set given the filter's requested tags.
func TagMatch(recordTags, filterTags []string, matchAll bool) bool {
	if len(filterTags) == 0 {
		return true
	}
	have := make(map[string]bool, len(recordTags))
	for _, t := range recordTags {
		have[Canonicalize(t)] = true
	}
	count := 0
	for _, t := range filterTags {
		if have[Canonicalize(t)] {
			count++
		}
	}
	if matchAll {
		return count == len(filterTags)
	}
	return count > 0
}
