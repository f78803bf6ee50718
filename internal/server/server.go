// Package server exposes the segmentation manager over HTTP.
//
// GET /v1/segment upgrades to a WebSocket bound to one session. The client
// sends [ClientFrame] messages; the server answers with [ServerFrame]
// messages until the session ends, then closes the connection normally.
// /healthz, /readyz and /metrics complete the surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/segstream/internal/health"
	"github.com/MrWong99/segstream/internal/observe"
	"github.com/MrWong99/segstream/pkg/manager"
)

// Sessions is the part of the manager the server feeds.
type Sessions interface {
	AddText(ctx context.Context, id, text string) error
	EndSession(ctx context.Context, id string) error
}

var _ Sessions = (*manager.Manager)(nil)

var (
	// errSessionFinished stops a connection after its terminal frame.
	errSessionFinished = errors.New("session finished")
	// errEvicted stops a connection the hub dropped for falling behind.
	errEvicted = errors.New("client too slow, output backlog full")
)

// endTimeout bounds the EndSession call made for clients that disconnect
// without ending their session.
const endTimeout = 5 * time.Second

// Server serves the segmentation endpoint.
type Server struct {
	sessions Sessions
	hub      *Hub
	metrics  *observe.Metrics
	health   *health.Handler
	promh    http.Handler
	log      *slog.Logger
	origins  []string

	shutdownTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the instruments used by the middleware and the
// connection gauge. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promh = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithShutdownTimeout bounds graceful shutdown in [Server.ListenAndServe].
// Default: 15s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New returns a server feeding sessions and reading outputs from hub.
func New(sessions Sessions, hub *Hub, opts ...Option) *Server {
	s := &Server{
		sessions:        sessions,
		hub:             hub,
		log:             slog.Default(),
		shutdownTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the HTTP handler with all routes behind the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/segment", s.handleSegment)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.promh != nil {
		mux.Handle("GET /metrics", s.promh)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		id = uuid.NewString()
	}

	sub, err := s.hub.Subscribe(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer sub.Cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, span := observe.StartSessionSpan(r.Context(), id)
	defer span.End()
	log := observe.Logger(ctx, s.log).With("session_id", id)

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	if err := wsjson.Write(ctx, conn, ServerFrame{Type: FrameSession, Session: id}); err != nil {
		log.Debug("websocket write failed", "err", err)
		return
	}

	c := &connection{id: id, conn: conn, sessions: s.sessions, log: log}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.read(gctx) })
	g.Go(func() error { return c.write(gctx, sub.Outputs()) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sub.Evicted():
			return errEvicted
		}
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errEvicted):
		log.Warn("closing slow client", "err", err)
		c.endDetached(ctx)
		conn.Close(websocket.StatusPolicyViolation, "output backlog full")
	case errors.Is(err, errSessionFinished), websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		log.Debug("connection closed", "err", err)
	default:
		log.Warn("connection failed", "err", err)
		span.RecordError(err)
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

// connection is one WebSocket bound to one session.
type connection struct {
	id       string
	conn     *websocket.Conn
	sessions Sessions
	log      *slog.Logger

	// ended is set once EndSession was sent for the session.
	ended atomic.Bool
	// finished is set by the writer once the terminal frame is out.
	finished atomic.Bool
}

// read forwards client frames to the manager. A client that goes away
// without ending its session ends it, so the session does not linger.
func (c *connection) read(ctx context.Context) error {
	for {
		var f ClientFrame
		err := wsjson.Read(ctx, c.conn, &f)
		if err != nil {
			if !c.finished.Load() && ctx.Err() == nil {
				c.endDetached(ctx)
			}
			return err
		}
		if c.ended.Load() {
			c.reject(ctx, "session already ended")
			continue
		}
		if f.Text != "" {
			if err := c.sessions.AddText(ctx, c.id, f.Text); err != nil {
				return fmt.Errorf("add text: %w", err)
			}
		}
		if f.End && c.ended.CompareAndSwap(false, true) {
			if err := c.sessions.EndSession(ctx, c.id); err != nil {
				return fmt.Errorf("end session: %w", err)
			}
		}
	}
}

// endDetached ends the session on behalf of a client that can no longer do
// so. It outlives ctx by up to endTimeout.
func (c *connection) endDetached(ctx context.Context) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	if err := c.sessions.EndSession(endCtx, c.id); err != nil {
		c.log.Debug("ending session of gone client failed", "err", err)
	}
}

func (c *connection) reject(ctx context.Context, msg string) {
	if err := wsjson.Write(ctx, c.conn, ServerFrame{Type: FrameError, Error: msg}); err != nil {
		c.log.Debug("websocket write failed", "err", err)
	}
}

// write sends the session's outputs until the terminal one.
func (c *connection) write(ctx context.Context, outputs <-chan manager.Output) error {
	for {
		var out manager.Output
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out = <-outputs:
		}

		if !out.Terminal() {
			if err := c.writeSegment(ctx, out); err != nil {
				return err
			}
			continue
		}

		if out.Err != nil {
			if err := wsjson.Write(ctx, c.conn, ServerFrame{Type: FrameError, Error: out.Err.Error()}); err != nil {
				return err
			}
		}
		if err := wsjson.Write(ctx, c.conn, ServerFrame{Type: terminalFrame(out.Kind)}); err != nil {
			return err
		}
		c.finished.Store(true)
		c.conn.Close(websocket.StatusNormalClosure, "session finished")
		return errSessionFinished
	}
}

func (c *connection) writeSegment(ctx context.Context, out manager.Output) error {
	if out.Stream == nil {
		return wsjson.Write(ctx, c.conn, ServerFrame{Type: FrameSegment, Text: out.Text})
	}
	for {
		delta, err := out.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return wsjson.Write(ctx, c.conn, ServerFrame{Type: FrameSegmentEnd})
		}
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, c.conn, ServerFrame{Type: FrameDelta, Text: delta}); err != nil {
			return err
		}
	}
}
