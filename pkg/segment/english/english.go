// Package english implements an abbreviation-aware sentence splitter for
// Latin-script text.
//
// A sentence ends at a run of '.', '!' or '?' (optionally followed by closing
// quotes or brackets) that is followed by whitespace or the end of the text.
// A lone period closing a known abbreviation ("Dr.", "e.g.") or a single
// capital initial ("J.") does not end a sentence. The whitespace after a
// sentence stays on that sentence's fragment.
package english

import (
	"strings"
	"unicode/utf8"
)

// DefaultAbbreviations are the abbreviations recognised by [New].
var DefaultAbbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.",
	"Prof.", "Rev.", "Gen.", "Col.", "Lt.", "Sgt.",
	"Inc.", "Ltd.", "Corp.", "Co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "U.S.", "U.K.",
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithAbbreviations adds abbreviations (including their final period) to the
// default list.
func WithAbbreviations(abbr ...string) Option {
	return func(s *Segmenter) {
		for _, a := range abbr {
			s.abbr[strings.ToLower(a)] = struct{}{}
		}
	}
}

// Segmenter splits English text into sentences. It is safe for concurrent
// use once constructed.
type Segmenter struct {
	abbr map[string]struct{}
}

// New returns a Segmenter using DefaultAbbreviations plus any added by opts.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{abbr: make(map[string]struct{}, len(DefaultAbbreviations))}
	for _, a := range DefaultAbbreviations {
		s.abbr[strings.ToLower(a)] = struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Segment splits text into sentences. Joining the result reproduces text.
func (s *Segmenter) Segment(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); {
		if !isTerminal(text[i]) {
			i++
			continue
		}

		end := i
		for end < len(text) && isTerminal(text[end]) {
			end++
		}
		j := end
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if !isCloser(r) {
				break
			}
			j += size
		}
		if j < len(text) && !isSpace(text[j]) {
			i = j
			continue
		}
		if end-i == 1 && text[i] == '.' && s.isAbbreviation(text, i) {
			i = j
			continue
		}
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		out = append(out, text[start:j])
		start, i = j, j
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// isAbbreviation reports whether the period at text[i] closes an
// abbreviation or an initial.
func (s *Segmenter) isAbbreviation(text string, i int) bool {
	if i < 1 {
		return false
	}
	start := i
	for start > 0 && !isSpace(text[start-1]) {
		start--
	}
	if _, ok := s.abbr[strings.ToLower(text[start:i+1])]; ok {
		return true
	}
	prev := text[i-1]
	return prev >= 'A' && prev <= 'Z' && (i < 2 || isSpace(text[i-2]))
}

func isTerminal(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isSpace(c byte) bool { return c == ' ' || c == '\n' || c == '\r' || c == '\t' }

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’':
		return true
	}
	return false
}
