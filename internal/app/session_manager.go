package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/internal/server"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
	"github.com/MrWong99/voicetwin/pkg/twin"
)

// ErrShuttingDown is returned by [SessionManager.NewController] once
// [SessionManager.CloseAll] has been called.
var ErrShuttingDown = errors.New("app: shutting down")

var _ server.Overlays = (*SessionManager)(nil)

// SessionManager owns one [twin.Controller] per connected overlay. Every
// controller shares the provider chain, the archive and the current twin
// configuration. All exported methods are safe for concurrent use.
type SessionManager struct {
	provider s2s.Provider
	recorder twin.Recorder
	metrics  *observe.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	cfg    twin.Config
	active map[*twin.Controller]struct{}
	closed bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Provider s2s.Provider
	Twin     twin.Config

	// Recorder archives closed sessions. May be nil.
	Recorder twin.Recorder

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// NewSessionManager validates cfg and returns an empty manager.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("app: session manager requires a provider")
	}
	if err := cfg.Twin.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		provider: cfg.Provider,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		cfg:      cfg.Twin,
		active:   make(map[*twin.Controller]struct{}),
	}, nil
}

// NewController implements [server.Overlays].
func (m *SessionManager) NewController(devices twin.Devices) (*twin.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}

	opts := []twin.Option{twin.WithMetrics(m.metrics), twin.WithLogger(m.log)}
	if m.recorder != nil {
		opts = append(opts, twin.WithRecorder(m.recorder))
	}
	c, err := twin.New(m.provider, devices, m.cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: new controller: %w", err)
	}
	m.active[c] = struct{}{}
	m.log.Debug("overlay attached", "overlays", len(m.active))
	return c, nil
}

// Release implements [server.Overlays]. It ends c's session, if any.
func (m *SessionManager) Release(c *twin.Controller) {
	m.mu.Lock()
	_, ok := m.active[c]
	delete(m.active, c)
	n := len(m.active)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.log.Warn("overlay release: close session", "err", err)
	}
	m.log.Debug("overlay detached", "overlays", n)
}

// Reconfigure applies cfg to every attached controller and to controllers
// created later. Live sessions keep the configuration they were opened
// with.
func (m *SessionManager) Reconfigure(cfg twin.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	ctrls := m.snapshotLocked()
	m.mu.Unlock()

	var errs []error
	for _, c := range ctrls {
		if err := c.Reconfigure(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the configuration new sessions use.
func (m *SessionManager) Config() twin.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Count returns the number of attached overlays.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Statuses returns a snapshot of every attached controller.
func (m *SessionManager) Statuses() []twin.Status {
	m.mu.Lock()
	ctrls := m.snapshotLocked()
	m.mu.Unlock()

	out := make([]twin.Status, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Status())
	}
	return out
}

// CloseAll ends every session concurrently and refuses new controllers.
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	ctrls := m.snapshotLocked()
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range ctrls {
		g.Go(c.Close)
	}
	return g.Wait()
}

func (m *SessionManager) snapshotLocked() []*twin.Controller {
	out := make([]*twin.Controller, 0, len(m.active))
	for c := range m.active {
		out = append(out, c)
	}
	return out
}
