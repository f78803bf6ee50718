package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// chunk is one ingress item: either text or the end-of-input marker.
type chunk struct {
	text string
	end  bool
}

// base holds what both output modes share: the ingress queue, the output
// queue with its idle deadline, and the diagnostic logs.
type base[T any] struct {
	cfg Config
	log *slog.Logger
	obs Observer

	in      *queue[chunk]
	out     *queue[T]
	running atomic.Bool

	mu        sync.Mutex
	source    []string
	segmented []string

	// pullMu serializes consumers; outMu only guards outErr so that Err
	// never waits on a blocked Next.
	pullMu  sync.Mutex
	lastOut time.Time
	outMu   sync.Mutex
	outErr  error

	// prevSpace carries whitespace collapsing across chunk boundaries.
	prevSpace bool
}

func newBase[T any](cfg Config, o options) base[T] {
	return base[T]{
		cfg: cfg,
		log: o.logger,
		obs: o.observer,
		in:  newQueue[chunk](),
		out: newQueue[T](),
	}
}

// Fill appends a text chunk to the input. Empty chunks are accepted and
// ignored. Fill never blocks; it returns ErrInputClosed after End or
// Abandon.
func (b *base[T]) Fill(text string) error {
	if !b.in.push(chunk{text: text}) {
		return ErrInputClosed
	}
	return nil
}

// End marks the end of input. Everything buffered is flushed and the
// output terminates with ErrEndOfStream.
func (b *base[T]) End() error {
	if !b.in.push(chunk{end: true}) {
		return ErrInputClosed
	}
	b.in.close(ErrInputClosed)
	return nil
}

// Abandon closes the input without a final flush. Chunks already filled are
// still processed; the output then terminates with ErrAbandoned. Abandon
// after End has no effect.
func (b *base[T]) Abandon() {
	b.in.close(ErrAbandoned)
}

// Source returns a copy of every raw chunk received so far.
func (b *base[T]) Source() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.source...)
}

// Segmented returns a copy of every segment emitted so far.
func (b *base[T]) Segmented() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.segmented...)
}

// Err returns the reason the output terminated, or nil while it is still
// open.
func (b *base[T]) Err() error {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return b.outErr
}

func (b *base[T]) begin() error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return nil
}

// receive waits for the next chunk and records it in the source log. The
// returned text has its whitespace runs collapsed to single spaces.
func (b *base[T]) receive(ctx context.Context) (string, bool, error) {
	c, err := b.in.pop(ctx, time.Time{})
	if err != nil {
		return "", false, err
	}
	if c.end {
		return "", true, nil
	}
	b.mu.Lock()
	b.source = append(b.source, c.text)
	b.mu.Unlock()
	return b.normalize(c.text), false, nil
}

func (b *base[T]) normalize(text string) string {
	out := make([]rune, 0, len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			if b.prevSpace {
				continue
			}
			b.prevSpace = true
			out = append(out, ' ')
			continue
		}
		b.prevSpace = false
		out = append(out, r)
	}
	return string(out)
}

func (b *base[T]) record(seg string) {
	b.mu.Lock()
	b.segmented = append(b.segmented, seg)
	b.mu.Unlock()
}

// terminate stops the input and closes the output with reason.
func (b *base[T]) terminate(reason error) {
	b.in.close(reason)
	b.out.close(reason)
}

// next pulls the next output item, giving up with ErrStalled when nothing
// arrives within MaxStreamTime of the previous item (or of the first call).
// Terminal errors are sticky.
func (b *base[T]) next(ctx context.Context) (T, error) {
	var zero T
	b.pullMu.Lock()
	defer b.pullMu.Unlock()

	if err := b.Err(); err != nil {
		return zero, err
	}
	if b.lastOut.IsZero() {
		b.lastOut = time.Now()
	}
	v, err := b.out.pop(ctx, b.lastOut.Add(b.cfg.MaxStreamTime))
	if err == nil {
		b.lastOut = time.Now()
		return v, nil
	}

	b.outMu.Lock()
	defer b.outMu.Unlock()
	switch {
	case errors.Is(err, errDeadline):
		b.outErr = ErrStalled
	case ctx.Err() != nil:
		return zero, err
	default:
		b.outErr = err
	}
	return zero, b.outErr
}
