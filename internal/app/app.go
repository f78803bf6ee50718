// Package app wires the segstream subsystems into a running application.
//
// New builds the segmenters, the session manager and the HTTP server from
// a [config.Config]; Run serves until its context ends and Shutdown tears
// everything down. Pipe runs a single session over a reader and a writer
// instead of serving HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/MrWong99/segstream/internal/config"
	"github.com/MrWong99/segstream/internal/health"
	"github.com/MrWong99/segstream/internal/observe"
	"github.com/MrWong99/segstream/internal/resilience"
	"github.com/MrWong99/segstream/internal/server"
	"github.com/MrWong99/segstream/pkg/manager"
)

// ErrManagerStopped is reported by the readiness check once the manager no
// longer accepts input.
var ErrManagerStopped = errors.New("segmentation manager is not running")

// App owns the manager and the server.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar
	promh   http.Handler
	ln      net.Listener
	log     *slog.Logger

	groups []*SegmenterGroup
	mgr    *manager.Manager
	hub    *server.Hub
	srv    *server.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry replaces the segmenter registry. Default: the builtins.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics sets the instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Reload] change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promh = h }
}

// WithListener makes Run serve on ln instead of cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		config.RegisterBuiltins(a.reg)
	}

	mode, err := manager.ParseMode(cfg.Segmentation.Mode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	segs, groups, err := BuildSegmenters(cfg, a.reg, a.metrics, a.log)
	if err != nil {
		return nil, err
	}
	a.groups = groups

	a.mgr, err = manager.New(cfg.Segmentation.Pipeline(), segs,
		manager.WithMode(mode),
		manager.WithIngressBuffer(cfg.Manager.IngressBuffer),
		manager.WithEgressBuffer(cfg.Manager.EgressBuffer),
		manager.WithLogger(a.log),
		manager.WithObserver(a.metrics),
		manager.WithPipelineObserver(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create manager: %w", err)
	}

	a.hub = server.NewHub(a.log)
	checks := health.New(
		health.Checker{Name: "manager", Check: func(context.Context) error {
			if !a.mgr.Running() {
				return ErrManagerStopped
			}
			return nil
		}},
		health.SegmenterCheck(a.segmenterStatus),
	)
	a.srv = server.New(a.mgr, a.hub,
		server.WithMetrics(a.metrics),
		server.WithHealth(checks),
		server.WithMetricsHandler(a.promh),
		server.WithLogger(a.log),
	)
	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *manager.Manager { return a.mgr }

func (a *App) segmenterStatus() []resilience.MemberStatus {
	var all []resilience.MemberStatus
	for _, g := range a.groups {
		all = append(all, g.Status()...)
	}
	return all
}

// Run starts the manager and serves HTTP until ctx is cancelled. It returns
// nil after a clean stop. Sessions outlive ctx until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	if err := a.mgr.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("app: start manager: %w", err)
	}
	go func() {
		for out := range a.mgr.Outputs() {
			a.hub.Dispatch(out)
		}
	}()

	a.log.Info("app running",
		"mode", a.cfg.Segmentation.Mode,
		"segmenters", len(a.groups),
	)
	var err error
	if a.ln != nil {
		err = a.srv.Serve(ctx, a.ln)
	} else {
		err = a.srv.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// Reload applies a changed config. The log level and the segmentation
// parameters take effect immediately; other changes are logged and wait
// for a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SegmentationChanged {
		if err := a.mgr.SetConfig(new.Segmentation.Pipeline()); err != nil {
			a.log.Warn("segmentation config rejected", "err", err)
		} else {
			a.log.Info("segmentation config updated; new sessions use it")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// Shutdown closes the manager. Sessions that were ended finish; the others
// are abandoned. If ctx expires first, the remaining sessions are cancelled
// and ctx.Err() is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", len(a.mgr.Sessions()))
		if err = a.mgr.Close(ctx); err != nil {
			a.log.Warn("shutdown deadline exceeded", "err", err)
			return
		}
		a.log.Info("shutdown complete")
	})
	return err
}
