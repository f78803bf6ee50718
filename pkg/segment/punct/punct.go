// Package punct implements a rule-based Chinese sentence splitter driven by
// punctuation, with special handling for quotation marks.
//
// Two criteria are supported. [Coarse] cuts at sentence-final marks
// (。！？, newlines and double quotes). [Fine] additionally cuts at clause
// marks such as ，：；… and their ASCII counterparts, which makes it suitable
// as a phrase splitter.
//
// Punctuation always stays attached to the text before it. An opening quote
// starts a new fragment when it follows a terminal mark and is otherwise glued
// to the preceding text; the text after an opening quote joins the quote. A
// closing quote ends the fragment only when a terminal mark precedes it.
package punct

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Criterion selects the set of punctuation marks used to cut text.
type Criterion int

const (
	// Coarse cuts at sentence-final punctuation only.
	Coarse Criterion = iota
	// Fine also cuts at commas, colons, semicolons and ellipses.
	Fine
)

// String returns "coarse" or "fine".
func (c Criterion) String() string {
	switch c {
	case Coarse:
		return "coarse"
	case Fine:
		return "fine"
	default:
		return fmt.Sprintf("Criterion(%d)", int(c))
	}
}

// ParseCriterion maps "coarse" and "fine" (case-insensitive) to a Criterion.
// The empty string selects Coarse.
func ParseCriterion(s string) (Criterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coarse":
		return Coarse, nil
	case "fine":
		return Fine, nil
	default:
		return 0, fmt.Errorf("punct: unknown criterion %q (want coarse or fine)", s)
	}
}

type runeSet map[rune]struct{}

func newRuneSet(chars string) runeSet {
	s := make(runeSet, utf8.RuneCountInString(chars))
	for _, r := range chars {
		s[r] = struct{}{}
	}
	return s
}

func (s runeSet) has(r rune) bool {
	_, ok := s[r]
	return ok
}

var (
	coarseCuts = newRuneSet("。“”！？\n")
	fineCuts   = newRuneSet("，：。;“”；…！!?？\r\n")

	coarseMarks = newRuneSet("。！？\n“”‘’")
	fineMarks   = newRuneSet("，。;；…！!?？\r\n“”‘’：")

	frontQuotes = newRuneSet("“‘")
	backQuotes  = newRuneSet("”’")
)

// Segmenter splits text with a fixed [Criterion]. The zero value uses Coarse.
// A Segmenter holds no mutable state and is safe for concurrent use.
type Segmenter struct {
	criterion Criterion
}

// New returns a Segmenter for the given criterion.
func New(c Criterion) *Segmenter {
	return &Segmenter{criterion: c}
}

// Criterion reports the criterion the segmenter was built with.
func (s *Segmenter) Criterion() Criterion { return s.criterion }

// Segment splits text into sentence (or clause) fragments. Joining the
// result reproduces text exactly.
func (s *Segmenter) Segment(text string) []string {
	cuts, marks := coarseCuts, coarseMarks
	if s.criterion == Fine {
		cuts, marks = fineCuts, fineMarks
	}

	var (
		out       []string
		openQuote bool
	)
	for _, tok := range tokenize(text, cuts) {
		if r, single := singleRune(tok); single && marks.has(r) {
			if len(out) == 0 {
				if frontQuotes.has(r) {
					openQuote = true
				}
				out = append(out, tok)
				continue
			}
			last := len(out) - 1
			if frontQuotes.has(r) {
				if marks.has(lastRune(out[last])) {
					out = append(out, tok)
				} else {
					out[last] += tok
				}
				openQuote = true
				continue
			}
			out[last] += tok
			continue
		}

		if len(out) == 0 {
			out = append(out, tok)
			continue
		}
		last := len(out) - 1
		if openQuote {
			out[last] += tok
			openQuote = false
			continue
		}
		if !backQuotes.has(lastRune(out[last])) {
			out = append(out, tok)
			continue
		}
		// The previous fragment ends in a closing quote: it only counts as a
		// boundary when a terminal mark sits just inside the quote.
		prev := []rune(out[last])
		if len(prev) > 1 && marks.has(prev[len(prev)-2]) {
			out = append(out, tok)
		} else {
			out[last] += tok
		}
	}
	return out
}

// tokenize cuts text into runs of ordinary characters and single-rune cut
// marks, dropping nothing.
func tokenize(text string, cuts runeSet) []string {
	var toks []string
	start := 0
	for i, r := range text {
		if !cuts.has(r) {
			continue
		}
		if i > start {
			toks = append(toks, text[start:i])
		}
		end := i + utf8.RuneLen(r)
		toks = append(toks, text[i:end])
		start = end
	}
	if start < len(text) {
		toks = append(toks, text[start:])
	}
	return toks
}

func singleRune(s string) (rune, bool) {
	r, size := utf8.DecodeRuneInString(s)
	return r, size > 0 && size == len(s)
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}
