// Command trunkline is the main entry point for the Trunkline media bridge.
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

	"github.com/weltlinger/trunkline/internal/app"
	"github.com/weltlinger/trunkline/internal/config"
	"github.com/weltlinger/trunkline/internal/observe"
	"github.com/weltlinger/trunkline/internal/resilience"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
	"github.com/weltlinger/trunkline/pkg/provider/realtime/openai"
)

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
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Upstream provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build upstream provider", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, *configPath, provider,
		app.WithLogger(logger),
		app.WithLogLevelVar(levelVar),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in speech backend factories into
// reg. Each factory receives the backend entry plus the shared upstream
// settings and constructs the provider from the real implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime("openai-realtime", func(entry config.UpstreamEntry, shared config.UpstreamConfig) (realtime.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if !shared.TranscriptionEnabled() {
			opts = append(opts, openai.WithoutInputTranscription())
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered upstream backend", "name", name)
	}
}

// buildProvider instantiates the primary backend named in cfg and, when
// fallbacks are configured, wraps the chain in a circuit-breaking failover
// group.
func buildProvider(cfg *config.Config, reg *config.Registry) (realtime.Provider, error) {
	primary, err := reg.CreateRealtime(cfg.Upstream.UpstreamEntry, cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("create upstream %q: %w", cfg.Upstream.Name, err)
	}
	slog.Info("upstream backend created", "name", cfg.Upstream.Name, "model", cfg.Upstream.Model)

	if len(cfg.Upstream.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewRealtimeFallback(primary, cfg.Upstream.Name, resilience.FallbackConfig{})
	for _, fb := range cfg.Upstream.Fallbacks {
		p, err := reg.CreateRealtime(fb, cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("create fallback upstream %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
		slog.Info("fallback backend created", "name", fb.Name, "model", fb.Model)
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", summaryValue(cfg.Upstream.Name, cfg.Upstream.Model))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Upstream.Fallbacks)))
	persona := string(cfg.Bot.Persona)
	if persona == "" {
		persona = "sales"
	}
	printRow("Persona", persona)
	printRow("Max sessions", fmt.Sprintf("%d", cfg.Bridge.MaxSessions))
	if cfg.CallLog.PostgresDSN != "" {
		printRow("Call log", "postgres")
	} else {
		printRow("Call log", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Stream path", cfg.Server.StreamPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryValue(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
