// Package server exposes the twin over HTTP: a websocket per browser
// overlay at /twin/ws, the session archive at /twin/sessions, and the
// operational endpoints /healthz, /readyz and /metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicetwin/internal/health"
	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/pkg/twin"
)

// defaultSessionLimit is the number of archived sessions returned when the
// request has no limit parameter.
const defaultSessionLimit = 50

// Overlays creates one controller per connected overlay.
type Overlays interface {
	// NewController builds an idle controller driving devices.
	NewController(devices twin.Devices) (*twin.Controller, error)

	// Release closes c and forgets it.
	Release(c *twin.Controller)
}

// SessionLister serves archived sessions, newest first.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]twin.Record, error)
}

// Config holds the dependencies of a [Server].
type Config struct {
	Overlays Overlays

	// Sessions backs GET /twin/sessions. Nil disables the route.
	Sessions SessionLister

	// Health backs /healthz and /readyz. Nil disables both.
	Health *health.Handler

	// Metrics records HTTP request durations. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	// AllowedOrigins lists the page origins allowed to open /twin/ws, either
	// as full origins ("https://studio.example.com") or host patterns
	// ("*.example.com"). Empty means same-origin only.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server routes HTTP requests to the twin. Create one with [New].
type Server struct {
	overlays Overlays
	sessions SessionLister
	origins  []string
	log      *slog.Logger
	handler  http.Handler
}

// New builds the route table.
func New(cfg Config) *Server {
	s := &Server{
		overlays: cfg.Overlays,
		sessions: cfg.Sessions,
		origins:  originPatterns(cfg.AllowedOrigins),
		log:      cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	mux.Handle("GET /metrics", metricsHandler)
	if s.overlays != nil {
		mux.HandleFunc("GET /twin/ws", s.serveOverlay)
	}
	if s.sessions != nil {
		mux.HandleFunc("GET /twin/sessions", s.listSessions)
	}
	s.handler = observe.Middleware(m, s.log)(mux)
	return s
}

// Handler returns the root handler, wrapped in tracing and metrics middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ── /twin/sessions ───────────────────────────────────────────────────────────

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := s.sessions.List(ctx, limit)
	if err != nil {
		observe.WithTrace(s.log, r.Context()).Error("list sessions failed", "err", err)
		writeError(w, http.StatusInternalServerError, "session archive unavailable")
		return
	}
	if records == nil {
		records = []twin.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// ── helpers ──────────────────────────────────────────────────────────────────

// originPatterns reduces configured origins to the host patterns the
// websocket handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
