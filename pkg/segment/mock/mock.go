// Package mock provides test doubles for the segment.Segmenter and
// segment.ContextSegmenter interfaces.
//
// Example:
//
//	s := &mock.Segmenter{SegmentFunc: punct.New(punct.Coarse).Segment}
//	p, _ := pipeline.New(cfg, []segment.Segmenter{s})
//	...
//	calls := s.Calls()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/segstream/pkg/segment"
)

// Segmenter is a mock implementation of segment.Segmenter.
type Segmenter struct {
	mu sync.Mutex

	// SegmentFunc computes the result of Segment. When nil, Segment returns
	// the input as a single fragment.
	SegmentFunc func(text string) []string

	calls []string
}

// Segment records text and returns SegmentFunc(text).
func (s *Segmenter) Segment(text string) []string {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	fn := s.SegmentFunc
	s.mu.Unlock()

	if fn == nil {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	return fn(text)
}

// Calls returns a copy of every text passed to Segment, in order.
func (s *Segmenter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Reset clears the recorded calls.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ContextSegmenter is a mock implementation of segment.ContextSegmenter.
type ContextSegmenter struct {
	mu sync.Mutex

	// Result is returned by Segment when SegmentFunc is nil.
	Result []string

	// SegmentFunc, if set, computes the fragments instead of Result.
	SegmentFunc func(text string) []string

	// Err, if non-nil, is returned by Segment.
	Err error

	// Block makes Segment wait for the context to be done and return its
	// error, simulating an unresponsive backend.
	Block bool

	calls int
}

// Segment records the call and returns the configured response.
func (c *ContextSegmenter) Segment(ctx context.Context, text string) ([]string, error) {
	c.mu.Lock()
	c.calls++
	block, err, fn := c.Block, c.Err, c.SegmentFunc
	result := append([]string(nil), c.Result...)
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(text), nil
	}
	return result, nil
}

// CallCount returns how many times Segment was called.
func (c *ContextSegmenter) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// SetErr changes the error returned by subsequent calls.
func (c *ContextSegmenter) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

var (
	_ segment.Segmenter        = (*Segmenter)(nil)
	_ segment.ContextSegmenter = (*ContextSegmenter)(nil)
)
