// Command voicetwin serves the digital-twin voice overlay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicetwin/internal/app"
	"github.com/MrWong99/voicetwin/internal/config"
	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/internal/resilience"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voicetwin/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s/genailive"
	oais2s "github.com/MrWong99/voicetwin/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicetwin: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicetwin: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(config.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(&level, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("voicetwin starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := buildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithTelemetry(tel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the realtime backends that ship with
// voicetwin into reg.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterS2S(geminilive.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(genailive.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []genailive.Option{genailive.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(oais2s.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		log.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProviders instantiates every configured backend. The first entry is
// the primary; the rest become connect-time fallbacks in declaration order.
func buildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*app.Providers, error) {
	var chain *resilience.S2SFallback
	for _, entry := range cfg.Providers.S2S {
		p, err := reg.CreateS2S(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			log.Warn("unknown provider, skipping", "kind", "s2s", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create s2s provider %q: %w", entry.Name, err)
		}
		if chain == nil {
			chain = resilience.NewS2SFallback(entry.Name, p, resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{Logger: log},
			})
		} else {
			chain.AddFallback(entry.Name, p)
		}
		log.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)
	}
	if chain == nil {
		return nil, errors.New("no usable s2s provider configured")
	}
	return &app.Providers{S2S: chain, Names: chain.Names()}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicetwin · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, entry := range cfg.Providers.S2S {
		kind := "Fallback"
		if i == 0 {
			kind = "Primary"
		}
		printRow(kind, providerLabel(entry))
	}
	printRow("Voice", cfg.Twin.Voice)
	archive := "memory"
	if cfg.SessionLog.PostgresDSN != "" {
		archive = "postgres"
	}
	printRow("Archive", archive)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + " / " + entry.Model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
