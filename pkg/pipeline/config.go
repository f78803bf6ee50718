package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Config holds every threshold and timer of one pipeline instance. Sizes
// are measured in runes. A Config is passed by value and never mutated by
// the pipeline; the adaptive values live in the pipeline's own state.
type Config struct {
	// SegmentationSuffix is the sentinel appended to the buffer before a
	// segmenter is asked for breakpoints.
	SegmentationSuffix string

	// FirstMaxAccuTime and MaxAccuTime bound the accumulation phase before
	// detection starts, for the first segment and afterwards.
	FirstMaxAccuTime time.Duration
	MaxAccuTime      time.Duration

	// FirstMaxBufferSize and MaxBufferSize start detection early once the
	// buffer holds more runes than this.
	FirstMaxBufferSize int
	MaxBufferSize      int

	// MaxWaitingTime is how long detection may run before the whole buffer
	// is flushed without a confirmed boundary.
	MaxWaitingTime time.Duration

	// MaxStreamTime is how long an output consumer waits for the next item
	// before the output is considered stalled.
	MaxStreamTime time.Duration

	// FirstMinSegSize and MinSegSize are the smallest segments a confirmed
	// boundary may produce.
	FirstMinSegSize int
	MinSegSize      int

	// MaxSegSize caps every segment except the final flush.
	MaxSegSize int

	// LooseSteps and LooseSize relax MinSegSize by LooseSize after more than
	// LooseSteps consecutive detection attempts without a split.
	LooseSteps int
	LooseSize  int

	// FadeInOutTime is reserved out of the self-tuned accumulation budget.
	FadeInOutTime time.Duration

	// SecondsPerWord is the estimated playback rate downstream.
	SecondsPerWord float64
}

// DefaultConfig returns a tuning suited to Chinese LLM output feeding a
// streaming TTS engine.
func DefaultConfig() Config {
	return Config{
		SegmentationSuffix: "####",
		FirstMaxAccuTime:   100 * time.Millisecond,
		MaxAccuTime:        time.Second,
		FirstMaxBufferSize: 20,
		MaxBufferSize:      50,
		MaxWaitingTime:     2 * time.Second,
		MaxStreamTime:      30 * time.Second,
		FirstMinSegSize:    20,
		MinSegSize:         50,
		MaxSegSize:         70,
		LooseSteps:         4,
		LooseSize:          10,
		FadeInOutTime:      200 * time.Millisecond,
		SecondsPerWord:     0.3,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.SegmentationSuffix == "" {
		errs = append(errs, errors.New("segmentation suffix is required"))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"first max accumulation time", c.FirstMaxAccuTime},
		{"max accumulation time", c.MaxAccuTime},
		{"max waiting time", c.MaxWaitingTime},
		{"fade in/out time", c.FadeInOutTime},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", f.name, f.d))
		}
	}
	if c.MaxStreamTime <= 0 {
		errs = append(errs, fmt.Errorf("max stream time must be positive, got %s", c.MaxStreamTime))
	}
	for _, f := range []struct {
		name string
		n    int
	}{
		{"first max buffer size", c.FirstMaxBufferSize},
		{"max buffer size", c.MaxBufferSize},
		{"first min segment size", c.FirstMinSegSize},
		{"min segment size", c.MinSegSize},
		{"loose steps", c.LooseSteps},
		{"loose size", c.LooseSize},
	} {
		if f.n < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.n))
		}
	}
	if c.MaxSegSize <= 0 {
		errs = append(errs, fmt.Errorf("max segment size must be positive, got %d", c.MaxSegSize))
	}
	if c.SecondsPerWord < 0 {
		errs = append(errs, fmt.Errorf("seconds per word must not be negative, got %g", c.SecondsPerWord))
	}
	return errors.Join(errs...)
}
