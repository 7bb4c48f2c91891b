// Package app wires all Concierge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithProvider, WithStore, WithLedger, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perennialhq/concierge/internal/config"
	"github.com/perennialhq/concierge/internal/convstore"
	"github.com/perennialhq/concierge/internal/executor"
	"github.com/perennialhq/concierge/internal/health"
	"github.com/perennialhq/concierge/internal/ledger"
	"github.com/perennialhq/concierge/internal/observe"
	"github.com/perennialhq/concierge/internal/orchestrator"
	"github.com/perennialhq/concierge/internal/registry"
	"github.com/perennialhq/concierge/internal/toolcache"
	"github.com/perennialhq/concierge/pkg/provider/llm"
	"github.com/perennialhq/concierge/pkg/tool"
	"github.com/perennialhq/concierge/pkg/tool/mcptool"
)

// CatalogEntry pairs a tool definition with its implementation for
// registration at start-up.
type CatalogEntry struct {
	Definition registry.Definition
	Impl       tool.Tool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	store    convstore.Store
	ledger   ledger.Ledger
	cache    toolcache.Cache
	catalog  []CatalogEntry

	registry *registry.Registry
	orc      *orchestrator.Orchestrator
	metrics  *observe.Metrics
	checks   []health.Checker
	reset    *ledger.ResetScheduler
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a language-model provider instead of building one
// from config.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStore injects a conversation store instead of connecting to Postgres.
func WithStore(s convstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLedger injects a credit ledger instead of connecting to Postgres.
func WithLedger(l ledger.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithCache injects a tool-response cache instead of connecting to Redis.
func WithCache(c toolcache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithCatalog registers the given tools at start-up, in addition to any
// discovered from configured MCP servers.
func WithCatalog(entries ...CatalogEntry) Option {
	return func(a *App) { a.catalog = append(a.catalog, entries...) }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: storage connections, cache connection, MCP server discovery,
// catalog registration, and orchestrator assembly all happen here.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.provider == nil {
		return nil, errors.New("app: no language-model provider configured")
	}

	a.metrics = observe.DefaultMetrics()

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}
	a.initOrchestrator()
	a.initHTTP()

	return a, nil
}

// initStorage connects the conversation store and the credit ledger, sharing
// one Postgres DSN. An empty DSN selects the in-memory implementations.
func (a *App) initStorage(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pg, err := convstore.NewPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
			a.checks = append(a.checks, health.Checker{Name: "postgres", Check: pg.Ping})
		} else {
			a.store = convstore.NewMemory()
		}
	}

	if a.ledger == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pg, err := ledger.NewPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			a.ledger = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
		} else {
			a.ledger = ledger.NewMemory()
		}
	}

	// The monthly grant renews on the calendar boundary.
	if target, ok := a.ledger.(ledger.MonthlyResetter); ok {
		reset, err := ledger.NewResetScheduler(target, slog.Default())
		if err != nil {
			return err
		}
		a.reset = reset
	}
	return nil
}

// initCache connects the shared Redis cache, or falls back to the in-process
// cache when no address is configured.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	if addr := a.cfg.Storage.Redis.Addr; addr != "" {
		r, err := toolcache.NewRedis(ctx, addr, a.cfg.Storage.Redis.Password, a.cfg.Storage.Redis.DB)
		if err != nil {
			return err
		}
		a.cache = r
		a.closers = append(a.closers, r.Close)
		a.checks = append(a.checks, health.Checker{Name: "redis", Check: r.Ping})
		return nil
	}
	a.cache = toolcache.NewMemory()
	return nil
}

// initCatalog registers injected catalog entries plus every tool discovered
// on the configured MCP servers, then freezes the registry.
func (a *App) initCatalog(ctx context.Context) error {
	a.registry = registry.New()

	for _, entry := range a.catalog {
		if err := a.registry.Register(entry.Definition, entry.Impl); err != nil {
			return err
		}
	}

	for _, srv := range a.cfg.MCPServers {
		client, err := mcptool.Connect(ctx, mcptool.ServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			URL:     srv.URL,
		})
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		a.closers = append(a.closers, client.Close)

		names, err := client.ListToolNames(ctx)
		if err != nil {
			return fmt.Errorf("mcp server %q: list tools: %w", srv.Name, err)
		}
		for _, name := range names {
			// Discovered tools default to the most conservative settings:
			// available to every tier, never cached. Curated entries come
			// in via WithCatalog with real tier and TTL metadata.
			err := a.registry.Register(registry.Definition{
				Name:        name,
				Description: fmt.Sprintf("Tool %s hosted on %s", name, srv.Name),
			}, client.Tool(name))
			if err != nil {
				return err
			}
			slog.Info("registered MCP tool", "server", srv.Name, "tool", name)
		}
	}

	a.registry.Freeze()
	return nil
}

func (a *App) initOrchestrator() {
	o := a.cfg.Orchestrator
	exec := executor.New(a.registry, a.cache,
		executor.WithDefaultTimeout(o.ToolTimeout),
		executor.WithMaxParallel(o.MaxParallelTools),
		executor.WithMetrics(a.metrics),
	)
	a.orc = orchestrator.New(a.provider, a.store, a.ledger, exec, a.registry, orchestrator.Config{
		MaxRounds:           o.MaxRounds,
		TurnTimeout:         o.TurnTimeout,
		ModelTimeout:        o.ModelTimeout,
		SystemPrompt:        o.SystemPrompt,
		MaxCompletionTokens: o.MaxCompletionTokens,
		Pricing: orchestrator.Pricing{
			InputPerThousand:  o.Pricing.InputPerThousand,
			OutputPerThousand: o.Pricing.OutputPerThousand,
		},
	}, a.metrics)
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", a.handleUserMessage)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.checks...).Register(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Orchestrator exposes the wired turn engine, mainly for tests.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orc
}

// Handler returns the fully assembled HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the monthly reset scheduler and serves HTTP until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if a.reset != nil {
		a.reset.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server gracefully and closes all subsystems in
// reverse initialisation order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.reset != nil {
			a.reset.Stop()
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
