// Package phrase implements a lightweight phrase splitter that cuts after
// every clause or sentence mark, Chinese or ASCII.
package phrase

import (
	"strings"
	"unicode/utf8"
)

// DefaultMarks are the punctuation marks a phrase ends with.
const DefaultMarks = "。？！，；：.?!,;:"

// Segmenter cuts text after each occurrence of one of its marks.
type Segmenter struct {
	marks string
}

// New returns a Segmenter cutting after DefaultMarks.
func New() *Segmenter {
	return &Segmenter{marks: DefaultMarks}
}

// NewWithMarks returns a Segmenter cutting after any rune in marks. An empty
// marks string selects DefaultMarks.
func NewWithMarks(marks string) *Segmenter {
	if marks == "" {
		marks = DefaultMarks
	}
	return &Segmenter{marks: marks}
}

// Segment returns the phrases of text, each ending with its mark. Trailing
// text without a mark is returned as the last phrase.
func (s *Segmenter) Segment(text string) []string {
	var phrases []string
	for text != "" {
		i := strings.IndexAny(text, s.marks)
		if i < 0 {
			break
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		phrases = append(phrases, text[:i+size])
		text = text[i+size:]
	}
	if text != "" {
		phrases = append(phrases, text)
	}
	return phrases
}
