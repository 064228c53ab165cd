// Package app wires all Trunkline subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCallLog, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weltlinger/trunkline/internal/bridge"
	"github.com/weltlinger/trunkline/internal/config"
	"github.com/weltlinger/trunkline/internal/health"
	"github.com/weltlinger/trunkline/internal/observe"
	"github.com/weltlinger/trunkline/internal/persona"
	"github.com/weltlinger/trunkline/internal/resilience"
	"github.com/weltlinger/trunkline/internal/telco"
	"github.com/weltlinger/trunkline/pkg/audio"
	"github.com/weltlinger/trunkline/pkg/calllog"
	calllogpg "github.com/weltlinger/trunkline/pkg/calllog/postgres"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// httpTimeout bounds header reads on the control endpoints. The media stream
// endpoint upgrades to WebSocket before this matters.
const httpTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Trunkline media bridge.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	levelVar *slog.LevelVar
	metrics  *observe.Metrics
	provider realtime.Provider

	store   calllog.Store
	manager *bridge.Manager
	watcher *config.Watcher

	listener   net.Listener
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallLog injects a call log store instead of creating one from config.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger used by the app and its subsystems.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config reloads can adjust verbosity at runtime.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main (built via the config registry, possibly wrapped in a fallback
// chain). Use Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: call log connection, bridge
// manager construction, HTTP mux assembly and listener binding. If
// cfgPath is non-empty and cfg.WatchConfig is set, a config watcher starts
// polling for hot-reloadable changes.
func New(ctx context.Context, cfg *config.Config, cfgPath string, provider realtime.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	if cfgPath != "" && cfg.WatchConfig {
		if err := a.initWatcher(cfgPath); err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
	}

	return a, nil
}

// initManager builds the bridge manager around the configured provider.
func (a *App) initManager() error {
	settings, err := bridgeSettings(a.cfg)
	if err != nil {
		return err
	}
	a.manager = bridge.NewManager(a.provider, settings,
		bridge.WithCallLog(a.store),
		bridge.WithMetrics(a.metrics),
		bridge.WithLogger(a.log),
	)
	a.closers = append(a.closers, a.manager.Close)
	return nil
}

// initCallLog connects the PostgreSQL call log or falls back to the no-op
// store when no DSN is configured.
func (a *App) initCallLog(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.CallLog.PostgresDSN
	if dsn == "" {
		a.log.Info("call log disabled, no postgres_dsn configured")
		a.store = calllog.Nop{}
		return nil
	}

	store, err := calllogpg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.log.Info("call log connected")
	return nil
}

// initHTTP assembles the mux and binds the listener. The media stream route
// is mounted unwrapped so the WebSocket upgrade keeps access to the raw
// connection; control endpoints go through the observability middleware.
func (a *App) initHTTP() error {
	streamPath := a.cfg.Server.StreamPath
	if streamPath == "" {
		streamPath = "/stream"
	}

	streamSrv := telco.NewServer(a.manager, a.log,
		telco.WithDefaultRate(a.cfg.Bridge.DefaultSampleRate),
	)

	control := http.NewServeMux()
	health.New(a.healthCheckers()...).Register(control)
	control.Handle("/metrics", promhttp.Handler())

	mux := http.NewServeMux()
	mux.Handle(streamPath, streamSrv)
	mux.Handle("/", observe.Middleware(a.metrics)(control))

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listener = ln

	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: httpTimeout,
	}
	return nil
}

// healthCheckers returns the readiness checks for /readyz.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "upstream",
			Check: func(context.Context) error {
				if rate := a.provider.Capabilities().SampleRate; !audio.RateSupported(rate) {
					return fmt.Errorf("upstream sample rate %d Hz not supported", rate)
				}
				return nil
			},
		},
		{
			Name:  "calllog",
			Check: a.store.Ping,
		},
		{
			Name: "capacity",
			Check: func(context.Context) error {
				if a.manager.ActiveCalls() >= a.manager.MaxSessions() {
					return fmt.Errorf("at capacity: %d/%d sessions", a.manager.ActiveCalls(), a.manager.MaxSessions())
				}
				return nil
			},
		},
	}
}

// initWatcher starts polling the config file and applies hot-reloadable
// changes to the running app.
func (a *App) initWatcher(path string) error {
	w, err := config.NewWatcher(path, a.applyReload)
	if err != nil {
		return err
	}
	a.watcher = w
	a.log.Info("config watcher started", "path", path)
	return nil
}

// applyReload pushes hot-reloadable changes from a config file update into
// the running subsystems. Restart-only fields are ignored; bridge and bot
// changes affect new calls only.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		a.log.Info("config file changed, no hot-reloadable differences")
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.BotChanged || d.BridgeChanged {
		settings, err := bridgeSettings(new)
		if err != nil {
			a.log.Warn("config reload rejected", "err", err)
			return
		}
		a.manager.SetSettings(settings)
		a.log.Info("bridge settings reloaded",
			"bot_changed", d.BotChanged,
			"bridge_changed", d.BridgeChanged,
		)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the listener bound in New and blocks until ctx is
// cancelled or the server fails. On cancellation the HTTP server stops
// accepting new connections; live calls are torn down in Shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(a.listener)
		}
		errCh <- err
	}()

	a.log.Info("server listening",
		"addr", a.ListenAddr(),
		"stream_path", a.cfg.Server.StreamPath,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ListenAddr returns the bound listener address. Useful when the configured
// address uses port 0.
func (a *App) ListenAddr() string {
	return a.listener.Addr().String()
}

// Manager exposes the bridge manager, mainly for tests and diagnostics.
func (a *App) Manager() *bridge.Manager {
	return a.manager
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		// Stop accepting new connections first.
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		// Closers run in reverse so the manager drains calls before the
		// call log store goes away.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// bridgeSettings maps the bot, bridge and upstream config sections onto the
// manager's settings, rendering the persona into session instructions.
func bridgeSettings(cfg *config.Config) (bridge.Settings, error) {
	profile, err := persona.New(persona.Params{
		Kind:          cfg.Bot.Persona,
		AssistantName: cfg.Bot.AssistantName,
		CompanyName:   cfg.Bot.CompanyName,
		Instructions:  cfg.Bot.Instructions,
		Greeting:      cfg.Bot.Greeting,
	})
	if err != nil {
		return bridge.Settings{}, fmt.Errorf("render persona: %w", err)
	}

	return bridge.Settings{
		MaxSessions:      cfg.Bridge.MaxSessions,
		ChunkDuration:    time.Duration(cfg.Bridge.ChunkMS) * time.Millisecond,
		SpeechThreshold:  cfg.Bridge.SpeechThreshold,
		SilenceTimeout:   cfg.Bridge.SilenceTimeout.Std(),
		IdleTimeout:      cfg.Bridge.SessionTimeout.Std(),
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout.Std(),
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Bridge.Retry.MaxAttempts,
			InitialBackoff: cfg.Bridge.Retry.InitialBackoff.Std(),
			MaxBackoff:     cfg.Bridge.Retry.MaxBackoff.Std(),
		},
		PersonaKind: string(profile.Kind),
		Greeting:    profile.Greeting,
		Upstream: realtime.SessionConfig{
			Instructions:      profile.Instructions,
			Voice:             cfg.Upstream.Voice,
			Temperature:       cfg.Upstream.Temperature,
			MaxResponseTokens: cfg.Upstream.MaxResponseTokens,
		},
	}, nil
}
