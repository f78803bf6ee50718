// Package manager multiplexes many segmentation sessions behind one bounded
// ingress and one bounded egress.
//
// Callers push text with [Manager.AddText] and [Manager.EndSession], keyed
// by an opaque session id. A single worker goroutine routes every item to
// the pipeline of its session, creating the pipeline on first sight of the
// id. Each session then runs two goroutines of its own: the pipeline state
// machine and a drain that copies its output to the egress tagged with the
// id. Routing never waits on a drain, so a slow consumer of one session
// cannot hold up the input of another.
//
//	m, _ := manager.New(pipeline.DefaultConfig(), segmenters)
//	_ = m.Start(ctx)
//	go func() {
//	    for out := range m.Outputs() {
//	        ...
//	    }
//	}()
//	_ = m.AddText(ctx, "a", "你好。")
//	_ = m.EndSession(ctx, "a")
//	_ = m.Close(ctx)
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/segstream/pkg/pipeline"
	"github.com/MrWong99/segstream/pkg/segment"
)

var (
	// ErrNotStarted is returned by input methods before Start.
	ErrNotStarted = errors.New("manager: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("manager: already started")

	// ErrClosed is returned by every input method after Close.
	ErrClosed = errors.New("manager: closed")
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateClosed
)

// item is one routed ingress entry.
type item struct {
	id   string
	text string
	end  bool
}

// runner is the part of a pipeline the manager drives.
type runner interface {
	Fill(text string) error
	End() error
	Abandon()
	Run(ctx context.Context) error
}

type session struct {
	id  string
	p   runner
	log *slog.Logger
}

// Manager hosts concurrently live segmentation sessions. All methods are
// safe for concurrent use.
type Manager struct {
	cfg        atomic.Pointer[pipeline.Config]
	segmenters []segment.Segmenter
	opts       options

	ingress chan item
	egress  chan Output

	// inMu guards state and the ingress channel against a concurrent close.
	inMu   sync.RWMutex
	state  lifecycle
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Manager. It validates cfg and requires at least one
// segmenter.
func New(cfg pipeline.Config, segmenters []segment.Segmenter, opts ...Option) (*Manager, error) {
	if len(segmenters) == 0 {
		return nil, pipeline.ErrNoSegmenter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("manager: invalid config: %w", err)
	}
	o := buildOptions(opts)
	m := &Manager{
		segmenters: slices.Clone(segmenters),
		opts:       o,
		ingress:    make(chan item, o.ingress),
		egress:     make(chan Output, o.egress),
		done:       make(chan struct{}),
		sessions:   make(map[string]*session),
	}
	m.cfg.Store(&cfg)
	return m, nil
}

// Start launches the worker. Cancelling ctx aborts every live session
// without a final flush.
func (m *Manager) Start(ctx context.Context) error {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	switch m.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = stateRunning

	var handled chan struct{}
	if m.opts.handler != nil {
		handled = make(chan struct{})
		go func() {
			defer close(handled)
			for out := range m.egress {
				m.opts.handler(out)
			}
		}()
	}
	go func() {
		m.work(ctx)
		cancel()
		if handled != nil {
			<-handled
		}
		close(m.done)
	}()
	m.opts.logger.Info("segmentation manager started", "mode", m.opts.mode.String())
	return nil
}

// AddText queues text for session id. It blocks while the ingress is full.
func (m *Manager) AddText(ctx context.Context, id, text string) error {
	return m.enqueue(ctx, item{id: id, text: text})
}

// EndSession queues the end of input for session id. The session flushes
// its buffer and its output ends with a [KindEnd] entry.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	return m.enqueue(ctx, item{id: id, end: true})
}

func (m *Manager) enqueue(ctx context.Context, it item) error {
	m.inMu.RLock()
	defer m.inMu.RUnlock()

	switch m.state {
	case stateIdle:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	select {
	case m.ingress <- it:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outputs returns the egress channel. It is closed after Close once every
// session has finished. When an output handler is installed the handler
// consumes the channel and Outputs must not be read.
func (m *Manager) Outputs() <-chan Output {
	return m.egress
}

// SetConfig replaces the configuration used for sessions created from now
// on. Live sessions keep the configuration they started with.
func (m *Manager) SetConfig(cfg pipeline.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("manager: invalid config: %w", err)
	}
	m.cfg.Store(&cfg)
	return nil
}

// Config returns the configuration new sessions are created with.
func (m *Manager) Config() pipeline.Config {
	return *m.cfg.Load()
}

// Sessions returns the ids of live sessions in lexical order.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Running reports whether the manager has been started and not closed.
func (m *Manager) Running() bool {
	m.inMu.RLock()
	defer m.inMu.RUnlock()
	return m.state == stateRunning
}

// Close stops accepting input. Sessions that were ended finish normally;
// the others are abandoned once their queued input has been processed.
// Close waits for every session and then closes the egress. If ctx expires
// first, the remaining sessions are cancelled and Close returns ctx.Err()
// after they stopped.
func (m *Manager) Close(ctx context.Context) error {
	m.inMu.Lock()
	prev, cancel := m.state, m.cancel
	m.state = stateClosed
	switch prev {
	case stateIdle:
		close(m.ingress)
		close(m.egress)
		close(m.done)
	case stateRunning:
		close(m.ingress)
	}
	m.inMu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-m.done
		return ctx.Err()
	}
}

// work routes ingress items until the ingress is closed or ctx is done.
func (m *Manager) work(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(m.egress)
		m.opts.logger.Info("segmentation manager stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-m.ingress:
			if !ok {
				m.abandonAll()
				return
			}
			m.route(ctx, &wg, it)
		}
	}
}

func (m *Manager) route(ctx context.Context, wg *sync.WaitGroup, it item) {
	m.mu.Lock()
	s, ok := m.sessions[it.id]
	m.mu.Unlock()
	if !ok {
		var err error
		if s, err = m.open(it.id); err != nil {
			m.opts.logger.Error("failed to create session", "session_id", it.id, "err", err)
			return
		}
		wg.Go(func() { m.serve(ctx, s) })
	}

	var err error
	if it.end {
		err = s.p.End()
	} else {
		err = s.p.Fill(it.text)
	}
	if err != nil {
		s.log.Debug("dropping input for finished session", "end", it.end, "err", err)
	}
}

func (m *Manager) open(id string) (*session, error) {
	cfg := *m.cfg.Load()
	log := m.opts.logger.With("session_id", id)
	popts := []pipeline.Option{pipeline.WithLogger(log)}
	if m.opts.pipelineObs != nil {
		popts = append(popts, pipeline.WithObserver(m.opts.pipelineObs))
	}

	var (
		p   runner
		err error
	)
	switch m.opts.mode {
	case ModeStream:
		p, err = pipeline.NewStream(cfg, m.segmenters, popts...)
	default:
		p, err = pipeline.New(cfg, m.segmenters, popts...)
	}
	if err != nil {
		return nil, err
	}

	s := &session{id: id, p: p, log: log}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// serve runs one session to completion and emits its terminal output.
func (m *Manager) serve(ctx context.Context, s *session) {
	m.opts.observer.SessionStarted(ctx)
	s.log.Debug("session started")

	var (
		g    errgroup.Group
		term error
	)
	g.Go(func() error { return s.p.Run(ctx) })
	g.Go(func() error {
		term = m.drain(ctx, s)
		if errors.Is(term, pipeline.ErrStalled) {
			// Nobody will read this session any more.
			s.p.Abandon()
		}
		return nil
	})
	runErr := g.Wait()

	out := Output{SessionID: s.id, Kind: kindOf(term)}
	outcome := out.Kind.String()
	if runErr != nil && !errors.Is(runErr, ctx.Err()) {
		out.Err = runErr
		outcome = "failed"
		s.log.Warn("session failed", "err", runErr)
	}
	m.send(ctx, out)

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	m.opts.observer.SessionFinished(context.WithoutCancel(ctx), outcome)
	s.log.Debug("session finished", "outcome", outcome)
}

// drain forwards the session output until it terminates and returns the
// terminal marker.
func (m *Manager) drain(ctx context.Context, s *session) error {
	switch p := s.p.(type) {
	case *pipeline.StreamPipeline:
		for {
			h, err := p.Next(ctx)
			if err != nil {
				return err
			}
			m.send(ctx, Output{SessionID: s.id, Kind: KindSegment, Stream: h})
		}
	case *pipeline.Pipeline:
		for {
			seg, err := p.Next(ctx)
			if err != nil {
				return err
			}
			m.send(ctx, Output{SessionID: s.id, Kind: KindSegment, Text: seg})
		}
	default:
		return fmt.Errorf("manager: unsupported pipeline %T", s.p)
	}
}

// send delivers out to the egress. Once ctx is done it no longer waits for
// room and drops out if the egress is full.
func (m *Manager) send(ctx context.Context, out Output) {
	select {
	case m.egress <- out:
		return
	case <-ctx.Done():
	}
	select {
	case m.egress <- out:
	default:
		m.opts.logger.Debug("dropping output of cancelled session",
			"session_id", out.SessionID, "kind", out.Kind.String())
	}
}

func (m *Manager) abandonAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.p.Abandon()
	}
}

func kindOf(term error) Kind {
	switch {
	case errors.Is(term, pipeline.ErrEndOfStream):
		return KindEnd
	case errors.Is(term, pipeline.ErrStalled):
		return KindStalled
	default:
		return KindAbandoned
	}
}
