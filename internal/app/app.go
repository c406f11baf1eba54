// Package app assembles a deployment from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tjfontaine/genflow/internal/adapters/flow/yamlfile"
	"github.com/tjfontaine/genflow/internal/adapters/generator/gemini"
	"github.com/tjfontaine/genflow/internal/adapters/generator/httpapi"
	"github.com/tjfontaine/genflow/internal/adapters/media/filestore"
	"github.com/tjfontaine/genflow/internal/adapters/storage/memory"
	"github.com/tjfontaine/genflow/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/genflow/internal/config"
	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
	"github.com/tjfontaine/genflow/internal/dispatch"
	"github.com/tjfontaine/genflow/internal/flow"
	"github.com/tjfontaine/genflow/internal/media"
	"github.com/tjfontaine/genflow/internal/metrics"
	"github.com/tjfontaine/genflow/internal/pool"
	"github.com/tjfontaine/genflow/internal/server"
	"github.com/tjfontaine/genflow/internal/session"
	"github.com/tjfontaine/genflow/internal/wizard"
)

// Store is what a storage backend provides.
type Store interface {
	ports.CredentialStore
	ports.BillingLedger
	ports.FlowStore
	ports.FlowWriter
	ports.CategoryLister
}

// FlowSource is the flow definition store in use.
type FlowSource interface {
	ports.FlowStore
	ports.CategoryLister
}

// App holds the wired components.
type App struct {
	Config     *config.Config
	Store      Store
	Flows      FlowSource
	Pool       *pool.Manager
	Media      *filestore.Store
	Generator  ports.Generator
	Controller *dispatch.Controller
	Engine     *flow.Engine
	Registry   *session.Registry
	Wizard     *wizard.Service
	Metrics    *metrics.Metrics // nil when disabled

	logger  *slog.Logger
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	generator  ports.Generator
	httpClient *http.Client
}

// WithGenerator replaces the configured generator.
func WithGenerator(g ports.Generator) Option {
	return func(o *options) {
		o.generator = g
	}
}

// WithHTTPClient is used by generators and the media fetcher.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// OpenStore opens the configured storage backend.
func OpenStore(cfg *config.Config) (Store, func() error, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}

// New wires every component. Background loops start in Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, closeStore, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	if a.Flows, err = openFlows(cfg, store, logger); err != nil {
		return nil, err
	}
	if y, isFile := a.Flows.(*yamlfile.Store); isFile {
		a.closers = append(a.closers, y.Close)
	}

	if a.Media, err = filestore.New(cfg.Media.Dir); err != nil {
		return nil, err
	}

	loc, _ := cfg.Location()
	a.Pool = pool.NewManager(store, pool.Limits{
		PerMinute: cfg.Pool.MinuteLimit,
		PerDay:    cfg.Pool.DailyLimit,
		Lifetime:  cfg.Pool.LifetimeLimit,
	}, pool.WithLocation(loc), pool.WithLogger(logger))
	if err := a.SeedCredentials(ctx); err != nil {
		return nil, err
	}

	a.Generator = o.generator
	if a.Generator == nil {
		a.Generator = newGenerator(cfg.Generator, o.httpClient)
	}

	if cfg.Telemetry.Metrics {
		a.Metrics = metrics.New()
	}

	executor := dispatch.NewExecutor(
		dispatch.WithCallTimeout(cfg.Dispatch.Timeout),
		dispatch.WithRetries(cfg.Dispatch.Retries),
		dispatch.WithBackoff(cfg.Dispatch.Backoff),
		dispatch.WithExecutorLogger(logger))
	a.Controller = dispatch.NewController(a.Pool, a.Generator, a.Media, store,
		dispatch.WithExecutor(executor),
		dispatch.WithMetrics(a.Metrics),
		dispatch.WithLogger(logger))

	engineOpts := []flow.Option{
		flow.WithAspectRatios(cfg.Session.AspectRatios),
		flow.WithDefaultQuality(cfg.Session.DefaultQuality),
		flow.WithLogger(logger),
	}
	engineOpts = append(engineOpts, flow.WithAspectPrompt(cfg.Session.AspectPrompt))
	for name, s := range Strategies(cfg.Categories) {
		engineOpts = append(engineOpts, flow.WithStrategy(name, s))
	}
	a.Engine = flow.NewEngine(a.Flows, engineOpts...)

	a.Registry = session.NewRegistry(
		session.WithTTL(cfg.Session.TTL),
		session.WithProgressInterval(cfg.Session.ProgressInterval),
		session.WithLogger(logger))
	a.Metrics.TrackSessions(a.Registry.Len)

	prices, _ := cfg.Prices()
	wizardOpts := []wizard.Option{
		wizard.WithPrices(prices),
		wizard.WithCategoryLister(a.Flows),
		wizard.WithLogger(logger),
	}
	if cfg.Media.AllowImport {
		client := o.httpClient
		if client == nil {
			client = media.PublicClient()
		}
		fetcherOpts := []media.FetcherOption{media.WithMaxSize(cfg.Media.MaxSize), media.WithHTTPClient(client)}
		wizardOpts = append(wizardOpts, wizard.WithFetcher(media.NewFetcher(fetcherOpts...)))
	}
	a.Wizard = wizard.NewService(a.Engine, a.Registry, a.Controller, a.Media, wizardOpts...)

	ok = true
	return a, nil
}

func openFlows(cfg *config.Config, store Store, logger *slog.Logger) (FlowSource, error) {
	if cfg.Flow.Source == "storage" {
		return store, nil
	}
	return yamlfile.New(cfg.Flow.Path, yamlfile.WithLogger(logger))
}

func newGenerator(cfg config.GeneratorConfig, client *http.Client) ports.Generator {
	if cfg.Type == "http" {
		opts := []httpapi.Option{httpapi.WithModels(cfg.Models)}
		if client != nil {
			opts = append(opts, httpapi.WithHTTPClient(client))
		}
		return httpapi.New(cfg.BaseURL, opts...)
	}

	opts := []gemini.Option{gemini.WithModels(cfg.Models)}
	if cfg.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, gemini.WithAPIVersion(cfg.APIVersion))
	}
	if client != nil {
		opts = append(opts, gemini.WithHTTPClient(client))
	}
	return gemini.New(opts...)
}

// Strategies builds per-category strategies from configuration. The child
// category keeps its built-in rules and wording unless overridden.
func Strategies(cats []config.CategoryConfig) map[string]flow.Strategy {
	out := make(map[string]flow.Strategy, len(cats))
	for _, c := range cats {
		s := &flow.RuleStrategy{Text: c.Template, Defaults: map[string]string{}}
		if c.Name == "child" {
			base := flow.ChildStrategy()
			s.Rules = append(s.Rules, base.Rules...)
			if s.Text == "" {
				s.Text = base.Text
			}
			maps.Copy(s.Defaults, base.Defaults)
		}
		maps.Copy(s.Defaults, c.Defaults)
		for _, r := range c.SkipRules {
			s.Rules = append(s.Rules, flow.SkipRule{Step: r.Step, Field: r.Field, Values: r.Values})
		}
		out[c.Name] = s
	}
	return out
}

// SeedCredentials adds configured credentials that the store does not know
// yet. Existing credentials keep their counters.
func (a *App) SeedCredentials(ctx context.Context) error {
	for _, c := range a.Config.Pool.Credentials {
		_, err := a.Store.GetCredential(ctx, c.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to look up credential %s: %w", c.ID, err)
		}
		if c.Token == "" {
			a.logger.Warn("skipping credential without token", slog.String("credential", c.ID))
			continue
		}
		if err := a.Pool.Add(ctx, &domain.Credential{
			ID:       c.ID,
			Label:    c.Label,
			Token:    c.Token,
			Priority: c.Priority,
			Active:   true,
		}); err != nil {
			return err
		}
		a.logger.Info("credential added",
			slog.String("credential", c.ID),
			slog.String("token", domain.MaskToken(c.Token)))
	}
	return nil
}

// Server builds the HTTP server for the wizard.
func (a *App) Server() (*server.Server, error) {
	opts := []server.Option{
		server.WithRequestTimeout(a.Config.Server.RequestTimeout),
		server.WithMaxBodySize(a.Config.Media.MaxSize),
	}
	if a.Metrics != nil {
		opts = append(opts, server.WithMetricsHandler(a.Metrics.Handler()))
	}
	if len(a.Config.Server.APIKeyHashes) > 0 {
		auth, err := server.NewAuthenticator(a.Config.Server.APIKeyHashes)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithAuthenticator(auth))
	}
	return server.New(a.Config.Server.Port, a.logger, a.Wizard, opts...), nil
}

// StartBackground starts the reaper, the ledger pruner and the flow file
// watcher. They stop with ctx.
func (a *App) StartBackground(ctx context.Context) error {
	a.Registry.StartReaper(ctx, a.Config.Session.ReapInterval)
	a.Pool.StartPruner(ctx, a.Config.Pool.PruneInterval)
	if y, isFile := a.Flows.(*yamlfile.Store); isFile && a.Config.Flow.Watch {
		if err := y.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run serves until ctx is done, then drains in-flight requests and
// generations.
func (a *App) Run(ctx context.Context) error {
	if err := a.StartBackground(ctx); err != nil {
		return err
	}
	srv, err := a.Server()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := a.Registry.Wait(shutdownCtx); err != nil {
		a.logger.Warn("generations still running at shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// Close releases storage and watchers.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
