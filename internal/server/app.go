// Package server builds the policy watcher's dependency graph from
// configuration and runs its long-lived processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/alert"
	"github.com/JakeFAU/policy-watch/internal/api"
	"github.com/JakeFAU/policy-watch/internal/breaker"
	"github.com/JakeFAU/policy-watch/internal/changes"
	"github.com/JakeFAU/policy-watch/internal/clock"
	"github.com/JakeFAU/policy-watch/internal/config"
	"github.com/JakeFAU/policy-watch/internal/diff"
	"github.com/JakeFAU/policy-watch/internal/email"
	pubsubemail "github.com/JakeFAU/policy-watch/internal/email/pubsub"
	"github.com/JakeFAU/policy-watch/internal/email/resend"
	"github.com/JakeFAU/policy-watch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/policy-watch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/policy-watch/internal/fetcher/headless"
	"github.com/JakeFAU/policy-watch/internal/hash/sha256"
	"github.com/JakeFAU/policy-watch/internal/id/uuid"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/normalize"
	"github.com/JakeFAU/policy-watch/internal/pipeline"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/retry"
	"github.com/JakeFAU/policy-watch/internal/routes"
	"github.com/JakeFAU/policy-watch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/policy-watch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/policy-watch/internal/storage/local"
	memorystorage "github.com/JakeFAU/policy-watch/internal/storage/memory"
	pgstore "github.com/JakeFAU/policy-watch/internal/storage/postgres"
	"github.com/JakeFAU/policy-watch/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	stores    Stores
	Scheduler *scheduler.Scheduler
	Email     *email.Service
	apiServer *api.Server

	pg             *pgstore.Stores
	archive        *gcsstorage.BlobStore
	headless       *headlessfetcher.Fetcher
	pubsubClient   *pubsub.Client
	pubsubProvider *pubsubemail.Provider
}

// Stores groups the collaborators behind the repository interfaces.
type Stores struct {
	Sources  policy.SourceStore
	Versions policy.VersionStore
	Changes  policy.ChangeStore
	Routes   policy.RouteStore
	Alerts   policy.AlertStore
	// Ready is nil for in-memory stores.
	Ready api.Pinger
}

// Build creates the application's dependencies. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("email_provider", cfg.Email.Provider),
		zap.Bool("postgres", cfg.DB.DSN != ""))

	if err = app.setupStores(ctx); err != nil {
		return app, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return app, err
	}
	registry, err := app.setupFetchers()
	if err != nil {
		return app, err
	}
	provider, err := app.setupEmailProvider(ctx)
	if err != nil {
		return app, err
	}

	clk := clock.New()
	ids := uuid.New()
	norm, err := normalize.New(cfg.Normalize.ExtraRules, logger.Named("normalize"))
	if err != nil {
		return app, fmt.Errorf("normalizer init failed: %w", err)
	}
	diffs := diff.New(diff.Config{
		LargeInputBytes: cfg.Diff.LargeInputBytes,
		MaxDiffBytes:    cfg.Diff.MaxDiffBytes,
		ReducedContext:  cfg.Diff.ReducedContext,
	})
	tracker := changes.NewTracker(
		app.stores.Versions,
		app.stores.Changes,
		sha256.New(),
		ids,
		clk,
		diffs,
		logger.Named("changes"),
	)
	orchestrator := pipeline.New(
		app.stores.Sources,
		registry,
		norm,
		tracker,
		worker.NewPool(cfg.Fetch.Workers, logger.Named("worker")),
		archive,
		clk,
		pipeline.Config{
			Retry: retry.Config{
				MaxAttempts:  cfg.Fetch.Retry.MaxAttempts,
				InitialDelay: cfg.Fetch.Retry.InitialDelay,
				Factor:       cfg.Fetch.Retry.Factor,
				MaxDelay:     cfg.Fetch.Retry.MaxDelay,
			},
			ArchivePrefix: cfg.Archive.Prefix,
			HostRPS:       cfg.Fetch.HostRPS,
			HostBurst:     cfg.Fetch.HostBurst,
		},
		logger.Named("pipeline"),
	)

	app.Email = email.NewService(provider, clk, email.Config{
		From:           cfg.Email.From,
		DailyLimit:     cfg.Email.DailyLimit,
		MonthlyLimit:   cfg.Email.MonthlyLimit,
		MaxRetries:     cfg.Email.MaxRetries,
		InitialBackoff: cfg.Email.InitialBackoff,
		SendsPerSecond: cfg.Email.SendsPerSecond,
	}, logger.Named("email"))

	alerts := alert.NewEngine(
		app.stores.Changes,
		app.stores.Sources,
		routes.NewMapper(app.stores.Sources, app.stores.Routes),
		app.stores.Alerts,
		app.Email,
		ids,
		clk,
		alert.Config{
			PublicBaseURL:   cfg.Alerts.PublicBaseURL,
			PreviewMaxChars: cfg.Alerts.PreviewMaxChars,
			PreviewMaxLines: cfg.Alerts.PreviewMaxLines,
		},
		logger.Named("alert"),
	)
	failures := breaker.New(app.stores.Sources, app.Email, breaker.Config{
		Threshold:     cfg.Breaker.Threshold,
		RenotifyEvery: cfg.Breaker.RenotifyEvery,
		OperatorEmail: cfg.Alerts.OperatorEmail,
	}, logger.Named("breaker"))

	app.Scheduler = scheduler.New(
		app.stores.Sources,
		orchestrator,
		alerts,
		failures,
		clk,
		scheduler.Config{BatchTimeout: cfg.Scheduler.BatchTimeout},
		logger.Named("scheduler"),
	)
	app.apiServer = api.NewServer(app.Scheduler, app.stores.Changes, app.stores.Ready, cfg, logger.Named("api"))
	return app, nil
}

// Stores returns the configured stores.
func (a *App) Stores() Stores {
	return a.stores
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API and, when enabled, the cron triggers until ctx is
// canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var triggers *scheduler.Cron
	if a.cfg.Scheduler.Enabled {
		var err error
		triggers, err = scheduler.NewCron(a.Scheduler, scheduler.Triggers{
			Daily:  a.cfg.Scheduler.Daily,
			Weekly: a.cfg.Scheduler.Weekly,
			Custom: a.cfg.Scheduler.Custom,
		}, a.logger.Named("cron"))
		if err != nil {
			return fmt.Errorf("cron init failed: %w", err)
		}
		triggers.Start()
		a.logger.Info("cron triggers started", zap.Int("entries", triggers.Entries()))
	} else {
		a.logger.Info("cron triggers disabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.apiServer.Close()
	if triggers != nil {
		triggers.Stop()
	}
	return <-serveErr
}

// Close releases every resource Build opened.
func (a *App) Close() {
	if a.apiServer != nil {
		a.apiServer.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubProvider != nil {
		a.pubsubProvider.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		sources := memorystorage.NewSourceStore()
		routeStore := memorystorage.NewRouteStore()
		if a.cfg.DB.SeedFile != "" {
			seed, err := config.LoadSeed(a.cfg.DB.SeedFile)
			if err != nil {
				return fmt.Errorf("seed load failed: %w", err)
			}
			for _, s := range SeedSources(seed) {
				sources.Put(s)
			}
			for _, r := range SeedRoutes(seed) {
				routeStore.Put(r)
			}
			a.logger.Info("in-memory stores seeded",
				zap.String("file", a.cfg.DB.SeedFile),
				zap.Int("sources", len(seed.Sources)),
				zap.Int("routes", len(seed.Routes)))
		}
		a.stores = Stores{
			Sources:  sources,
			Versions: memorystorage.NewVersionStore(),
			Changes:  memorystorage.NewChangeStore(),
			Routes:   routeStore,
			Alerts:   memorystorage.NewAlertStore(),
		}
		return nil
	}

	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pg, err = pgstore.NewStores(pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("postgres stores init failed: %w", err)
	}
	a.stores = Stores{
		Sources:  a.pg.Sources,
		Versions: a.pg.Versions,
		Changes:  a.pg.Changes,
		Routes:   a.pg.Routes,
		Alerts:   a.pg.Alerts,
		Ready:    a.pg,
	}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (policy.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("using GCS snapshot archive", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local snapshot archive", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory snapshot archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("snapshot archive disabled")
		return nil, nil
	}
}

func (a *App) setupFetchers() (*fetcher.Registry, error) {
	engines := map[string]fetcher.Func{
		config.EngineColly: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.Fetch.Timeout,
		}).Func(),
	}
	a.logger.Info("using colly fetch engine", zap.String("user_agent", a.cfg.Fetch.UserAgent))
	if a.cfg.Fetch.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Fetch.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Fetch.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = h
		engines[config.EngineHeadless] = h.Func()
		a.logger.Info("using headless fetch engine", zap.Int("max_parallel", a.cfg.Fetch.Headless.MaxParallel))
	}

	registry := fetcher.NewRegistry(a.logger.Named("fetcher"))
	decls := make([]fetcher.Declaration, 0, len(a.cfg.Fetchers))
	for _, f := range a.cfg.Fetchers {
		decls = append(decls, fetcher.Declaration{
			Name:       f.Name,
			SourceType: f.SourceType,
			Engine:     f.Engine,
			Selector:   f.Selector,
		})
	}
	if err := registry.RegisterDeclared(decls, engines); err != nil {
		return nil, fmt.Errorf("fetcher registration failed: %w", err)
	}
	if len(decls) == 0 {
		a.logger.Warn("no fetchers declared; every source will fail selection")
	}
	return registry, nil
}

func (a *App) setupEmailProvider(ctx context.Context) (email.Provider, error) {
	switch a.cfg.Email.Provider {
	case config.ProviderResend:
		p, err := resend.New(resend.Config{
			APIKey:  a.cfg.Email.APIKey,
			BaseURL: a.cfg.Email.BaseURL,
			Timeout: a.cfg.Email.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("resend provider init failed: %w", err)
		}
		a.logger.Info("using resend email provider")
		return p, nil
	case config.ProviderPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubProvider, err = pubsubemail.NewFromClient(client, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub provider init failed: %w", err)
		}
		a.logger.Info("using pubsub email relay",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
		return a.pubsubProvider, nil
	default:
		a.logger.Warn("using log email provider; no email leaves this process")
		return email.NewLogProvider(a.logger.Named("email_log")), nil
	}
}

// SeedSources converts seed declarations into active-by-default sources.
func SeedSources(seed config.Seed) []policy.Source {
	out := make([]policy.Source, 0, len(seed.Sources))
	for _, s := range seed.Sources {
		fetchType := policy.FetchType(strings.ToLower(strings.TrimSpace(s.FetchType)))
		if fetchType == "" {
			fetchType = policy.FetchTypeHTML
		}
		freq := policy.Frequency(strings.ToLower(strings.TrimSpace(s.CheckFrequency)))
		if freq == "" {
			freq = policy.FrequencyDaily
		}
		out = append(out, policy.Source{
			ID:             s.ID,
			CountryCode:    strings.ToUpper(strings.TrimSpace(s.CountryCode)),
			VisaType:       strings.TrimSpace(s.VisaType),
			URL:            strings.TrimSpace(s.URL),
			FetchType:      fetchType,
			CheckFrequency: freq,
			IsActive:       !s.Inactive,
			Metadata:       s.Metadata,
		})
	}
	return out
}

// SeedRoutes converts seed declarations into active-by-default subscriptions.
func SeedRoutes(seed config.Seed) []policy.RouteSubscription {
	out := make([]policy.RouteSubscription, 0, len(seed.Routes))
	for _, r := range seed.Routes {
		out = append(out, policy.RouteSubscription{
			ID:                 r.ID,
			OriginCountry:      strings.ToUpper(strings.TrimSpace(r.OriginCountry)),
			DestinationCountry: strings.ToUpper(strings.TrimSpace(r.DestinationCountry)),
			VisaType:           strings.TrimSpace(r.VisaType),
			Email:              strings.TrimSpace(r.Email),
			IsActive:           !r.Inactive,
		})
	}
	return out
}
