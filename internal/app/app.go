// Package app wires the voicetwin subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the session archive,
// the overlay session manager and the HTTP routes, Run serves until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options
// (WithSessionLog, WithListener, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/internal/config"
	"github.com/MrWong99/voicetwin/internal/health"
	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/internal/server"
	"github.com/MrWong99/voicetwin/internal/sessionlog"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
)

// Providers holds the speech-to-speech provider chain built by main.go via
// the config registry.
type Providers struct {
	// S2S is the provider every session connects through, usually a
	// failover chain.
	S2S s2s.Provider

	// Names lists the configured providers in the order they are tried.
	Names []string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	metricsHandler http.Handler

	store    sessionlog.Store
	overlays *SessionManager
	health   *health.Handler
	server   *server.Server

	listener   net.Listener
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionLog injects a session archive instead of creating one from
// config.
func WithSessionLog(s sessionlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry uses the instruments and the /metrics handler of an
// initialised OTel SDK.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.metricsHandler = t.Handler
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: no speech-to-speech provider")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session archive ───────────────────────────────────────────────
	if err := a.initSessionLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init session log: %w", err)
	}

	// ── 2. Overlay sessions ──────────────────────────────────────────────
	overlays, err := NewSessionManager(SessionManagerConfig{
		Provider: providers.S2S,
		Twin:     cfg.Twin.Session(),
		Recorder: a.store,
		Metrics:  a.metrics,
		Logger:   a.log,
	})
	if err != nil {
		return nil, err
	}
	a.overlays = overlays

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.ProvidersChecker(providers.Names),
		health.PingChecker("session_log", a.store),
	)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.server = server.New(server.Config{
		Overlays:       a.overlays,
		Sessions:       a.store,
		Health:         a.health,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         a.log,
	})
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	return a, nil
}

// initSessionLog opens the PostgreSQL archive, or an in-memory ring when no
// DSN is configured.
func (a *App) initSessionLog(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}
	if dsn := a.cfg.SessionLog.PostgresDSN; dsn != "" {
		store, err := sessionlog.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.log.Info("session archive: postgres")
		return nil
	}
	a.store = sessionlog.NewMemory(a.cfg.SessionLog.MemoryCapacity)
	a.log.Info("session archive: in-memory ring", "capacity", a.cfg.SessionLog.MemoryCapacity)
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server }

// Overlays returns the overlay session manager.
func (a *App) Overlays() *SessionManager { return a.overlays }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	if t := a.cfg.Server.TLS; t != nil {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: load tls key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpServer.Serve(ln) }()
	a.log.Info("app running", "addr", ln.Addr().String(), "providers", a.providers.Names)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change.
// It is meant as the callback of a [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(config.SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TwinChanged {
		if err := a.overlays.Reconfigure(new.Twin.Session()); err != nil {
			a.log.Error("twin reconfigure failed", "err", err)
		} else {
			a.log.Info("twin configuration updated; applies to the next session",
				"persona_changed", d.PersonaChanged,
				"voice_changed", d.VoiceChanged,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: readiness drains, the HTTP
// server stops accepting, overlays disconnect, sessions close and are
// archived, then closers run. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "overlays", a.overlays.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		// Hijacked websocket connections are not tracked by Shutdown.
		a.cancelBase()

		if err := a.overlays.CloseAll(); err != nil {
			a.log.Warn("close sessions error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
