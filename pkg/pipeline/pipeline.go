// Package pipeline turns an incrementally arriving character stream into
// bounded text segments suitable for streaming speech synthesis.
//
// A [Pipeline] folds characters into a buffer one at a time and alternates
// between two phases:
//
//   - Accumulating: characters are collected until the accumulation budget
//     elapses or the buffer outgrows its size threshold.
//   - Detecting: on every character the configured segmenters are probed for
//     a boundary at the end of the buffer. Confirmed fragments are combined
//     into segments between the minimum and maximum segment size. If
//     detection takes longer than MaxWaitingTime the whole buffer is flushed.
//
// After each emission the accumulation budget is retuned from the projected
// playback time of the segment just emitted, so that the next segment is
// ready roughly when the current one finishes playing. The budget only ever
// grows.
//
// A [StreamPipeline] is the chunk-streaming variant: it hands out a
// [SegmentStream] as soon as the first character of a segment arrives and
// seals it when the boundary is found.
//
// Both are driven the same way:
//
//	p, err := pipeline.New(pipeline.DefaultConfig(), segmenters)
//	go p.Run(ctx)
//	p.Fill("你好。")
//	p.End()
//	for {
//	    seg, err := p.Next(ctx)
//	    if err != nil {
//	        break // ErrEndOfStream, ErrStalled or ErrAbandoned
//	    }
//	    speak(seg)
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/segstream/pkg/segment"
)

// segTimeWindow is the number of detection durations averaged for tuning.
const segTimeWindow = 5

var (
	// ErrNoSegmenter is returned by New when no segmenter is configured.
	ErrNoSegmenter = errors.New("pipeline: at least one segmenter is required")

	// ErrFragmentNotFound reports a segmenter fragment that does not occur
	// at the front of the buffer. The session is terminated.
	ErrFragmentNotFound = errors.New("pipeline: fragment not found in buffer")

	// ErrEndOfStream is the clean end of the output after End.
	ErrEndOfStream = errors.New("pipeline: end of stream")

	// ErrStalled ends the output when no item arrived within MaxStreamTime.
	ErrStalled = errors.New("pipeline: output stalled")

	// ErrAbandoned ends the output of a session that was abandoned or
	// cancelled before End.
	ErrAbandoned = errors.New("pipeline: session abandoned")

	// ErrInputClosed is returned by Fill and End after the input was closed.
	ErrInputClosed = errors.New("pipeline: input closed")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// Observer receives pipeline events. Implementations must be safe for
// concurrent use by many pipelines.
type Observer interface {
	// SegmentEmitted is called for every segment, with its length in runes.
	SegmentEmitted(ctx context.Context, runes int, forced bool)
	// DetectionFinished is called with the duration of each detection phase
	// that ended in an emission.
	DetectionFinished(ctx context.Context, d time.Duration)
	// MinSegSizeLoosened is called with the relaxed minimum segment size.
	MinSegSizeLoosened(ctx context.Context, minSegSize int)
	// AccumulationRetuned is called when the accumulation budget grows.
	AccumulationRetuned(ctx context.Context, maxAccuTime time.Duration)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SegmentEmitted(context.Context, int, bool) {}
func (NopObserver) DetectionFinished(context.Context, time.Duration) {}
func (NopObserver) MinSegSizeLoosened(context.Context, int) {}
func (NopObserver) AccumulationRetuned(context.Context, time.Duration) {}

type options struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Pipeline or StreamPipeline.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the event observer. Defaults to NopObserver.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		observer: NopObserver{},
		now:      time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Stats is a snapshot of the adaptive state of a Pipeline.
type Stats struct {
	Accumulating  bool
	FirstEmitted  bool
	MaxAccuTime   time.Duration
	MaxBufferSize int
	MinSegSize    int
	ConsecSplits  int
	Buffered      int
	Emitted       int
}

// Pipeline is the adaptive segmentation state machine for one session.
// Fill, End and Abandon may be called from any goroutine; Run must be
// called exactly once; Next is meant for a single consumer.
type Pipeline struct {
	base[string]

	segmenters []segment.Segmenter
	now        func() time.Time

	// State below is owned by the Run goroutine.
	buffer       string
	bufLen       int
	lastCombined string
	lastEmitted  string
	accumulating bool
	firstEmitted bool
	justEmitted  bool
	accuStart    time.Time
	segStart     time.Time
	maxAccu      time.Duration
	maxBuffer    int
	minSeg       int
	consecSplits int
	segTimes     []time.Duration

	stats Stats // guarded by base.mu
}

// New creates a Pipeline. It fails with ErrNoSegmenter when segmenters is
// empty and with a validation error for an invalid cfg.
func New(cfg Config, segmenters []segment.Segmenter, opts ...Option) (*Pipeline, error) {
	if len(segmenters) == 0 {
		return nil, ErrNoSegmenter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	o := buildOptions(opts)
	p := &Pipeline{
		base:       newBase[string](cfg, o),
		segmenters: append([]segment.Segmenter(nil), segmenters...),
		now:        o.now,
	}
	p.reset()
	return p, nil
}

func (p *Pipeline) reset() {
	p.accumulating = true
	p.maxAccu = p.cfg.FirstMaxAccuTime
	p.maxBuffer = p.cfg.FirstMaxBufferSize
	p.minSeg = p.cfg.FirstMinSegSize
	p.publishStats()
}

// Run drives the state machine until End, Abandon, a fatal segmenter
// inconsistency or ctx cancellation. The output is always terminated when
// Run returns. Run returns nil after End and after Abandon.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	p.accuStart = p.now()

	for {
		text, end, err := p.receive(ctx)
		switch {
		case errors.Is(err, ErrAbandoned):
			p.log.Debug("pipeline abandoned", "buffered", p.bufLen, "pending", p.lastCombined != "")
			p.terminate(ErrAbandoned)
			return nil
		case err != nil:
			p.terminate(ErrAbandoned)
			return err
		case end:
			return p.finish(ctx)
		}

		for _, r := range text {
			p.buffer += string(r)
			p.bufLen++
			now := p.now()
			canSegment, timedOut := p.checkConditions(ctx, now)
			if canSegment {
				if err := p.step(ctx, timedOut); err != nil {
					return p.fail(err)
				}
			}
			p.postprocess(ctx, timedOut)
		}
		p.publishStats()
	}
}

// step runs one detection attempt and, when detection timed out, flushes
// the remaining buffer.
func (p *Pipeline) step(ctx context.Context, timedOut bool) error {
	if err := p.segmentOnce(ctx); err != nil {
		return err
	}
	if !timedOut {
		return nil
	}
	p.log.Debug("detection timed out, flushing buffer", "buffered", p.bufLen)
	return p.fire(ctx, []string{p.buffer}, true)
}

func (p *Pipeline) finish(ctx context.Context) error {
	if p.buffer != "" {
		if err := p.segmentOnce(ctx); err != nil {
			return p.fail(err)
		}
	}
	if err := p.fire(ctx, []string{p.buffer}, true); err != nil {
		return p.fail(err)
	}
	p.publishStats()
	p.terminate(ErrEndOfStream)
	return nil
}

// fail ends a session after a fatal inconsistency. The output still
// terminates cleanly so consumers do not wait for the idle timeout.
func (p *Pipeline) fail(err error) error {
	p.log.Error("segmentation failed", "err", err, "buffered", p.bufLen)
	p.publishStats()
	p.terminate(ErrEndOfStream)
	return err
}

func (p *Pipeline) checkConditions(ctx context.Context, now time.Time) (canSegment, timedOut bool) {
	if p.accumulating {
		if now.Sub(p.accuStart) < p.maxAccu && p.bufLen <= p.maxBuffer {
			return false, false
		}
		p.accumulating = false
		p.segStart = now
		p.consecSplits++
		return true, false
	}

	if p.consecSplits > p.cfg.LooseSteps {
		p.minSeg = max(0, p.minSeg-p.cfg.LooseSize)
		p.consecSplits = 0
		p.obs.MinSegSizeLoosened(ctx, p.minSeg)
	}
	p.consecSplits++
	return true, now.Sub(p.segStart) > p.cfg.MaxWaitingTime
}

// segmentOnce fires the fragments of the first segmenter that confirms a
// boundary at the end of the buffer.
func (p *Pipeline) segmentOnce(ctx context.Context) error {
	frags, ok := segment.Probe(p.segmenters, p.buffer, p.cfg.SegmentationSuffix)
	if !ok {
		return nil
	}
	return p.fire(ctx, frags, false)
}

// fire combines fragments into segments. A fragment is appended to the
// pending segment while it fits in MaxSegSize; otherwise it is put back and
// the pending segment is forced out first. The pending segment is emitted
// once it reaches the current minimum size, or immediately when forced.
func (p *Pipeline) fire(ctx context.Context, frags []string, forced bool) error {
	pending := splitOversized(frags, p.cfg.MaxSegSize)
	for len(pending) > 0 {
		frag := pending[0]
		pending = pending[1:]

		if frag != "" {
			combined := p.lastCombined + frag
			if runeLen(combined) <= p.cfg.MaxSegSize || runeLen(p.lastCombined) == 0 {
				if err := p.consume(frag); err != nil {
					return err
				}
				p.lastCombined = combined
			} else {
				pending = append([]string{frag}, pending...)
				forced = true
			}
		}

		if n := runeLen(p.lastCombined); n > 0 && (n >= p.minSeg || forced) {
			p.emit(ctx, strings.TrimSpace(p.lastCombined), forced)
			p.lastCombined = ""
		}
	}
	return nil
}

// consume removes frag from the front of the buffer. Only whitespace may
// precede it.
func (p *Pipeline) consume(frag string) error {
	i := strings.Index(p.buffer, frag)
	if i < 0 || strings.TrimSpace(p.buffer[:i]) != "" {
		return fmt.Errorf("%w: %q", ErrFragmentNotFound, frag)
	}
	p.buffer = p.buffer[i+len(frag):]
	p.bufLen = utf8.RuneCountInString(p.buffer)
	return nil
}

func (p *Pipeline) emit(ctx context.Context, seg string, forced bool) {
	if !p.firstEmitted {
		p.firstEmitted = true
		p.maxAccu = p.cfg.MaxAccuTime
		p.maxBuffer = p.cfg.MaxBufferSize
		p.minSeg = p.cfg.MinSegSize
	}
	p.justEmitted = true
	p.lastEmitted = seg
	p.record(seg)
	p.out.push(seg)
	p.obs.SegmentEmitted(ctx, utf8.RuneCountInString(seg), forced)
}

// postprocess retunes the accumulation budget after an emission and starts
// the next accumulation cycle. The clock is read after the detection attempt
// so that the measured duration includes the segmenter calls.
func (p *Pipeline) postprocess(ctx context.Context, timedOut bool) {
	if !p.justEmitted {
		if timedOut {
			// A flush with nothing left to emit still ends the detection
			// cycle.
			p.restartAccumulation(p.now())
		}
		return
	}
	p.justEmitted = false

	now := p.now()
	d := now.Sub(p.segStart)
	p.obs.DetectionFinished(ctx, d)
	p.segTimes = append(p.segTimes, d)
	if len(p.segTimes) > segTimeWindow {
		p.segTimes = p.segTimes[1:]
	}
	var total time.Duration
	for _, t := range p.segTimes {
		total += t
	}
	mean := total / time.Duration(len(p.segTimes))

	n := utf8.RuneCountInString(p.lastEmitted)
	words := n - n/10
	full := time.Duration(float64(words) * p.cfg.SecondsPerWord * float64(time.Second))
	if budget := full - 2*mean - p.cfg.FadeInOutTime; budget > p.maxAccu {
		p.maxAccu = budget
		p.obs.AccumulationRetuned(ctx, budget)
	}
	p.restartAccumulation(now)
}

func (p *Pipeline) restartAccumulation(now time.Time) {
	p.consecSplits = 0
	p.accumulating = true
	p.accuStart = now
}

func (p *Pipeline) publishStats() {
	p.mu.Lock()
	p.stats = Stats{
		Accumulating:  p.accumulating,
		FirstEmitted:  p.firstEmitted,
		MaxAccuTime:   p.maxAccu,
		MaxBufferSize: p.maxBuffer,
		MinSegSize:    p.minSeg,
		ConsecSplits:  p.consecSplits,
		Buffered:      p.bufLen,
		Emitted:       len(p.segmented),
	}
	p.mu.Unlock()
}

// Stats returns the adaptive state as of the last processed chunk.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Next returns the next segment. It blocks until a segment is available,
// the output terminates (ErrEndOfStream, ErrStalled, ErrAbandoned) or ctx is
// done.
func (p *Pipeline) Next(ctx context.Context) (string, error) {
	return p.next(ctx)
}

// Segments returns an iterator over the remaining segments. It stops at the
// first error; Err reports why.
func (p *Pipeline) Segments(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			seg, err := p.Next(ctx)
			if err != nil || !yield(seg) {
				return
			}
		}
	}
}

// splitOversized cuts every fragment longer than limit runes (ignoring
// surrounding whitespace) into pieces of at most limit runes.
func splitOversized(frags []string, limit int) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		if runeLen(f) <= limit {
			out = append(out, f)
			continue
		}
		rs := []rune(f)
		for len(rs) > 0 {
			n := min(limit, len(rs))
			out = append(out, string(rs[:n]))
			rs = rs[n:]
		}
	}
	return out
}

// runeLen is the length of s in runes, ignoring leading and trailing
// whitespace.
func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
