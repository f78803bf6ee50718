package app

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/segstream/pkg/manager"
)

// PipeSession is the session id used by [App.Pipe].
const PipeSession = "stdin"

// Pipe feeds in to one session, one character at a time, and writes each
// segment to out on its own line. It returns once the session ended and
// the manager is closed; Pipe and Run are mutually exclusive.
func (a *App) Pipe(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.mgr.Start(ctx); err != nil {
		return fmt.Errorf("app: start manager: %w", err)
	}

	feedErr := make(chan error, 1)
	go func() { feedErr <- a.feed(ctx, in) }()

	w := bufio.NewWriter(out)
	var result error
	for o := range a.mgr.Outputs() {
		if o.SessionID != PipeSession {
			continue
		}
		if o.Terminal() {
			if o.Err != nil {
				result = fmt.Errorf("app: session failed: %w", o.Err)
			} else if o.Kind != manager.KindEnd {
				result = fmt.Errorf("app: session %s", o.Kind)
			}
			break
		}
		text := o.Text
		if o.Stream != nil {
			var err error
			if text, err = o.Stream.Text(ctx); err != nil {
				result = fmt.Errorf("app: read segment: %w", err)
				break
			}
		}
		if _, err := fmt.Fprintln(w, text); err != nil {
			result = fmt.Errorf("app: write segment: %w", err)
			break
		}
		if err := w.Flush(); err != nil {
			result = fmt.Errorf("app: write segment: %w", err)
			break
		}
	}

	go func() {
		for range a.mgr.Outputs() {
		}
	}()
	if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil && result == nil {
		result = err
	}
	// After Shutdown a feeder still running gets manager.ErrClosed.
	if err := <-feedErr; err != nil && result == nil {
		result = err
	}
	return result
}

func (a *App) feed(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Split(bufio.ScanRunes)
	for sc.Scan() {
		if err := a.mgr.AddText(ctx, PipeSession, sc.Text()); err != nil {
			return fmt.Errorf("app: add text: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		// End anyway so the segments read so far are flushed.
		_ = a.mgr.EndSession(ctx, PipeSession)
		return fmt.Errorf("app: read input: %w", err)
	}
	return a.mgr.EndSession(ctx, PipeSession)
}
