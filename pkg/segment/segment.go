// Package segment defines the breakpoint oracle used by the segmentation
// pipeline and the boundary-confirmation rule built on top of it.
//
// A [Segmenter] splits a text into ordered fragments whose concatenation is the
// input. The pipeline never trusts a segmenter's opinion about the end of the
// text it was given, so it appends a sentinel suffix before asking: a boundary
// is confirmed only when the sentinel comes back as a fragment of its own (see
// [Probe]).
//
// Implementations live in sub-packages (punct, phrase, english, remote, mock).
// Choosing between them, and falling back when one is unavailable, is the job
// of the caller's factory and not of this package.
package segment

import (
	"context"
	"errors"
)

// ErrEmptySegmenters is returned by helpers that require at least one segmenter.
var ErrEmptySegmenters = errors.New("segment: no segmenters")

// Segmenter splits text into ordered fragments.
//
// Implementations must be pure and safe for concurrent use: the same text
// always yields the same fragments, and joining the fragments reproduces the
// input exactly.
type Segmenter interface {
	Segment(text string) []string
}

// Func adapts an ordinary function to the [Segmenter] interface.
type Func func(text string) []string

// Segment calls f(text).
func (f Func) Segment(text string) []string { return f(text) }

// ContextSegmenter is a fallible segmenter backed by a model or a network
// service. Any splitter exposing Segment(ctx, text) ([]string, error) satisfies
// it.
type ContextSegmenter interface {
	Segment(ctx context.Context, text string) ([]string, error)
}

// Contextual lifts a rule-based [Segmenter] into a [ContextSegmenter] that
// never fails.
func Contextual(s Segmenter) ContextSegmenter {
	return contextual{s: s}
}

type contextual struct{ s Segmenter }

func (c contextual) Segment(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.s.Segment(text), nil
}

// Probe asks each segmenter in order to split buffer+suffix. The first
// segmenter whose last fragment equals suffix exactly confirms a boundary at
// the end of buffer; its fragments minus the trailing sentinel are returned
// with ok set. When no segmenter confirms, Probe returns nil, false.
func Probe(segmenters []Segmenter, buffer, suffix string) (fragments []string, ok bool) {
	probe := buffer + suffix
	for _, s := range segmenters {
		frags := s.Segment(probe)
		n := len(frags)
		if n == 0 || frags[n-1] != suffix {
			continue
		}
		return frags[:n-1], true
	}
	return nil, false
}
