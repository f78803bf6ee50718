package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/segstream/pkg/pipeline"
)

// Mode selects the pipeline flavour used for new sessions.
type Mode int

const (
	// ModeText delivers each segment as a complete string.
	ModeText Mode = iota

	// ModeStream delivers each segment as a [pipeline.SegmentStream] as
	// soon as its first character arrives.
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "text" or "stream". The empty string is [ModeText].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return ModeText, nil
	case "stream":
		return ModeStream, nil
	default:
		return 0, fmt.Errorf("manager: unknown mode %q", s)
	}
}

// Observer receives session lifecycle events. observe.Metrics implements
// it.
type Observer interface {
	SessionStarted(ctx context.Context)
	SessionFinished(ctx context.Context, outcome string)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(context.Context)          {}
func (nopObserver) SessionFinished(context.Context, string) {}

// Default channel capacities.
const (
	DefaultIngressBuffer = 256
	DefaultEgressBuffer  = 256
)

type options struct {
	mode        Mode
	ingress     int
	egress      int
	handler     func(Output)
	logger      *slog.Logger
	observer    Observer
	pipelineObs pipeline.Observer
}

// Option configures a [Manager].
type Option func(*options)

// WithMode selects text or chunk-streaming sessions. Default: [ModeText].
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithIngressBuffer sets the ingress capacity. AddText blocks while it is
// full. Values below 1 keep the default.
func WithIngressBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ingress = n
		}
	}
}

// WithEgressBuffer sets the egress capacity. Values below 1 keep the
// default.
func WithEgressBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.egress = n
		}
	}
}

// WithOutputHandler installs a push consumer. Start runs fn for every output
// on a dedicated goroutine, in egress order, and Close returns only after
// the last call.
func WithOutputHandler(fn func(Output)) Option {
	return func(o *options) { o.handler = fn }
}

// WithLogger sets the logger. Sessions log through it with a session_id
// attribute. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver receives session lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithPipelineObserver is passed to every session pipeline.
func WithPipelineObserver(obs pipeline.Observer) Option {
	return func(o *options) { o.pipelineObs = obs }
}

func buildOptions(opts []Option) options {
	o := options{
		ingress:  DefaultIngressBuffer,
		egress:   DefaultEgressBuffer,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
