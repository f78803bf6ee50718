package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/segstream/pkg/segment"
)

// SegmentStream delivers the characters of one segment while the segment is
// still being produced. It is sealed once the segment's boundary is found,
// after which Next returns io.EOF.
type SegmentStream struct {
	q *queue[string]
}

func newSegmentStream() *SegmentStream {
	return &SegmentStream{q: newQueue[string]()}
}

// Next returns the next character of the segment. It blocks until one is
// available, the segment is sealed (io.EOF) or ctx is done.
func (s *SegmentStream) Next(ctx context.Context) (string, error) {
	return s.q.pop(ctx, time.Time{})
}

// Text collects the remaining characters until the segment is sealed.
func (s *SegmentStream) Text(ctx context.Context) (string, error) {
	var b strings.Builder
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(c)
	}
}

func (s *SegmentStream) seal() { s.q.close(io.EOF) }

// StreamPipeline is the chunk-streaming variant of Pipeline. Characters are
// forwarded immediately; detection starts once the open segment reaches the
// minimum size and the segment is sealed on a confirmed boundary or after
// MaxWaitingTime of detection. Only SegmentationSuffix, MaxWaitingTime,
// MaxStreamTime, FirstMinSegSize and MinSegSize of the Config apply.
type StreamPipeline struct {
	base[*SegmentStream]

	segmenters []segment.Segmenter
	now        func() time.Time

	cur          *SegmentStream
	buffer       string
	bufLen       int
	detecting    bool
	detectStart  time.Time
	minSeg       int
	firstEmitted bool
}

// NewStream creates a StreamPipeline. It fails with ErrNoSegmenter when
// segmenters is empty and with a validation error for an invalid cfg.
func NewStream(cfg Config, segmenters []segment.Segmenter, opts ...Option) (*StreamPipeline, error) {
	if len(segmenters) == 0 {
		return nil, ErrNoSegmenter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	o := buildOptions(opts)
	return &StreamPipeline{
		base:       newBase[*SegmentStream](cfg, o),
		segmenters: append([]segment.Segmenter(nil), segmenters...),
		now:        o.now,
		minSeg:     cfg.FirstMinSegSize,
	}, nil
}

// Run drives the pipeline until End, Abandon or ctx cancellation. An open
// segment is always sealed before Run returns.
func (s *StreamPipeline) Run(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	for {
		text, end, err := s.receive(ctx)
		switch {
		case errors.Is(err, ErrAbandoned):
			s.seal(ctx, false)
			s.terminate(ErrAbandoned)
			return nil
		case err != nil:
			s.seal(ctx, false)
			s.terminate(ErrAbandoned)
			return err
		case end:
			s.seal(ctx, false)
			s.terminate(ErrEndOfStream)
			return nil
		}

		for _, r := range text {
			if s.cur == nil {
				s.cur = newSegmentStream()
				s.out.push(s.cur)
			}
			c := string(r)
			s.cur.q.push(c)
			s.buffer += c
			s.bufLen++

			if !s.detecting {
				if s.bufLen < s.minSeg {
					continue
				}
				s.detecting = true
				s.detectStart = s.now()
			}
			timedOut := s.now().Sub(s.detectStart) > s.cfg.MaxWaitingTime
			if timedOut {
				s.seal(ctx, true)
				continue
			}
			if _, ok := segment.Probe(s.segmenters, s.buffer, s.cfg.SegmentationSuffix); ok {
				s.seal(ctx, false)
			}
		}
	}
}

// seal closes the open segment, if any.
func (s *StreamPipeline) seal(ctx context.Context, forced bool) {
	if s.cur == nil {
		return
	}
	s.cur.seal()
	s.record(s.buffer)
	s.obs.SegmentEmitted(ctx, utf8.RuneCountInString(s.buffer), forced)
	if s.detecting {
		s.obs.DetectionFinished(ctx, s.now().Sub(s.detectStart))
	}

	s.cur = nil
	s.buffer = ""
	s.bufLen = 0
	s.detecting = false
	if !s.firstEmitted {
		s.firstEmitted = true
		s.minSeg = s.cfg.MinSegSize
	}
}

// Next returns the handle of the next segment. It terminates like
// Pipeline.Next.
func (s *StreamPipeline) Next(ctx context.Context) (*SegmentStream, error) {
	return s.next(ctx)
}
