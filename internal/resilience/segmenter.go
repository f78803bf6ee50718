package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/segstream/pkg/segment"
)

// Request statuses reported to a [Recorder].
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Recorder receives one call per segmenter attempt.
// observe.Metrics implements it.
type Recorder interface {
	RecordSegmenterRequest(ctx context.Context, segmenter, status string, d time.Duration)
}

// SegmenterOption configures [AsSegmenter].
type SegmenterOption func(*guarded)

// WithCallTimeout bounds each member call. Default: 2s.
func WithCallTimeout(d time.Duration) SegmenterOption {
	return func(g *guarded) { g.timeout = d }
}

// WithRecorder reports every attempt to r.
func WithRecorder(r Recorder) SegmenterOption {
	return func(g *guarded) { g.rec = r }
}

// WithSegmenterLogger sets the logger used when the whole group fails.
func WithSegmenterLogger(l *slog.Logger) SegmenterOption {
	return func(g *guarded) { g.log = l }
}

type guarded struct {
	group   *FallbackGroup[segment.ContextSegmenter]
	timeout time.Duration
	rec     Recorder
	log     *slog.Logger
}

// AsSegmenter adapts a group of fallible segmenters to [segment.Segmenter].
// Each member call gets its own timeout. When every member fails, Segment
// returns the text as a single fragment so that no boundary is confirmed.
func AsSegmenter(group *FallbackGroup[segment.ContextSegmenter], opts ...SegmenterOption) segment.Segmenter {
	g := &guarded{group: group, timeout: 2 * time.Second, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *guarded) Segment(text string) []string {
	frags, _, err := ExecuteWithResult(g.group, func(name string, s segment.ContextSegmenter) ([]string, error) {
		return g.call(name, s, text)
	})
	if err != nil {
		g.log.Warn("all segmenters failed, treating text as unsplit",
			"runes", len([]rune(text)), "err", err)
		if text == "" {
			return nil
		}
		return []string{text}
	}
	return frags
}

func (g *guarded) call(name string, s segment.ContextSegmenter, text string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	start := time.Now()
	frags, err := s.Segment(ctx, text)
	if g.rec != nil {
		status := StatusOK
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = StatusTimeout
		case err != nil:
			status = StatusError
		}
		g.rec.RecordSegmenterRequest(ctx, name, status, time.Since(start))
	}
	return frags, err
}
