// Package kansoku is the public API for embedding the kansoku run monitor.
//
// Consumers import this package to construct and extend the dashboard
// server without forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithEventHook(mySlackNotifier{}),
//	    kansoku.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kansoku (root) imports
// internal/*, but internal/* never imports kansoku (root). Public types
// (Run, Connection, RefreshResult) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/mcp"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/settings"
	"github.com/ashita-ai/kansoku/internal/sparkline"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/tracker"
)

const (
	shutdownHTTPTimeout    = 10 * time.Second
	shutdownMonitorTimeout = 10 * time.Second
	hookTimeout            = 30 * time.Second
)

// App is the kansoku server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        settings.Store
	monitor      *monitor.Monitor
	srv          *server.Server
	limiter      ratelimit.Limiter
	seed         model.Connection
	hooks        []EventHook
	hookMu       sync.Mutex
	hooksClosed  bool
	hookWG       sync.WaitGroup
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the kansoku server. It opens the settings store, wires
// all subsystems and returns a ready-to-run App. It does NOT contact the
// tracking service, start any goroutines or accept HTTP connections; call
// Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.trackerURL != "" {
		cfg.TrackerURL = o.trackerURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port, "tracker", cfg.TrackerURL, "log_level", cfg.LogLevel)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Settings store: external override takes priority over the DSN.
	var store settings.Store
	if o.store != nil {
		store = &storeAdapter{s: o.store}
		logger.Info("settings: using embedder-provided store")
	} else {
		store, err = settings.Open(context.Background(), cfg.SettingsDSN, cfg.SettingsSecret, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("settings: %w", err)
		}
	}

	client, err := tracker.NewClient(tracker.Config{
		BaseURL:        cfg.TrackerURL,
		HTTPClient:     o.httpClient,
		Timeout:        cfg.RequestTimeout,
		PageSize:       cfg.RunsPageSize,
		HistorySamples: cfg.HistorySamples,
	})
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("tracker: %w", err)
	}

	seed := model.Connection{APIKey: cfg.APIKey, Entity: cfg.Entity, Project: cfg.Project}
	if o.connection != nil {
		seed = toModelConnection(*o.connection)
	}

	app := &App{
		cfg:          cfg,
		store:        store,
		seed:         seed,
		hooks:        o.eventHooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// Core services.
	broker := server.NewBroker(logger)
	synchronizer := runs.New(client, logger, cfg.PollInterval)
	fetcher := history.New(client, logger, sparkline.DefaultOptions)
	app.monitor = monitor.New(synchronizer, fetcher, client, store, broker, logger)
	if len(app.hooks) > 0 {
		synchronizer.OnRefresh(app.dispatchRefresh)
	}

	// Rate limiter.
	if cfg.RateLimitEnabled {
		app.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		app.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(app.monitor, logger, version)

	// Adapt route registrars and middlewares to the internal server format.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrar {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	app.srv = server.New(server.ServerConfig{
		Monitor:             app.monitor,
		Logger:              logger,
		Broker:              broker,
		Prober:              client,
		Store:               store,
		Limiter:             app.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return app, nil
}

// Handler returns the root HTTP handler, for mounting the dashboard inside
// another server or for tests. Call Start first so the connection is loaded.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Start restores the saved connection (or the seed), applies the initial
// polling state and runs the first refresh. An unreachable tracking service
// is not an error: the failure is reported in the run list and the next
// refresh retries. Run calls Start.
func (a *App) Start(ctx context.Context) error {
	if err := a.monitor.Start(ctx, a.seed, a.cfg.PollingEnabled); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if snap := a.monitor.Runs(); snap.Error != "" {
		a.logger.Warn("initial refresh failed", "error", snap.Error)
	}
	return nil
}

// Run starts the monitor and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown has been
// called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop polling and wait for tick-started refreshes,
// (3) wait for event hooks.
// It then closes the settings store and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kansoku shutting down")

	// Phase 1: HTTP drain. In-flight requests may still be refreshing.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: polling.
	monCtx, monCancel := context.WithTimeout(ctx, shutdownMonitorTimeout)
	a.monitor.Close(monCtx)
	monCancel()

	// Phase 3: hooks. Each is bounded by hookTimeout. Refreshes still in
	// flight after phase 2 timed out no longer dispatch.
	a.hookMu.Lock()
	a.hooksClosed = true
	a.hookMu.Unlock()
	a.hookWG.Wait()

	// Cleanup.
	_ = a.limiter.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("settings close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kansoku stopped")
	return nil
}

// dispatchRefresh is the synchronizer listener that fans a refresh out to
// the registered hooks.
func (a *App) dispatchRefresh(out runs.Outcome) {
	conn := a.monitor.Connection()
	result := RefreshResult{
		Entity:     conn.Entity,
		Project:    conn.Project,
		Runs:       toPublicRuns(out.Runs),
		Err:        out.Err,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if out.Err != nil {
		result.Runs = toPublicRuns(a.monitor.Runs().Runs)
	}
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	if a.hooksClosed {
		a.logger.Debug("event hooks closed, dropping refresh result")
		return
	}
	for _, h := range a.hooks {
		a.hookWG.Add(1)
		go func() {
			defer a.hookWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := h.OnRunsRefreshed(ctx, result); err != nil {
				a.logger.Warn("event hook failed", "hook", fmt.Sprintf("%T", h), "error", err)
			}
		}()
	}
}

// storeAdapter bridges a public SettingsStore to settings.Store.
type storeAdapter struct {
	s SettingsStore
}

func (a *storeAdapter) Load(ctx context.Context) (model.Connection, error) {
	c, err := a.s.Load(ctx)
	if err != nil {
		return model.Connection{}, err
	}
	return toModelConnection(c), nil
}

func (a *storeAdapter) Save(ctx context.Context, conn model.Connection) error {
	return a.s.Save(ctx, Connection{APIKey: conn.APIKey, Entity: conn.Entity, Project: conn.Project})
}

func (a *storeAdapter) Close() error { return nil }

func toModelConnection(c Connection) model.Connection {
	return model.Connection{APIKey: c.APIKey, Entity: c.Entity, Project: c.Project}
}

func toPublicRuns(in []model.Run) []Run {
	out := make([]Run, 0, len(in))
	for _, r := range in {
		out = append(out, Run{
			ID:        r.ID,
			Name:      r.Name,
			State:     r.State,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			User:      r.User,
			Summary:   r.Summary,
			Tags:      r.Tags,
		})
	}
	return out
}
