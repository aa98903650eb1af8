// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/linkguard/internal/api"
	"github.com/JakeFAU/linkguard/internal/cache"
	"github.com/JakeFAU/linkguard/internal/classifier"
	"github.com/JakeFAU/linkguard/internal/clock/system"
	"github.com/JakeFAU/linkguard/internal/config"
	"github.com/JakeFAU/linkguard/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/linkguard/internal/fetcher/colly"
	"github.com/JakeFAU/linkguard/internal/id/uuid"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	"github.com/JakeFAU/linkguard/internal/logging"
	"github.com/JakeFAU/linkguard/internal/metrics"
	"github.com/JakeFAU/linkguard/internal/policy/ratelimit"
	"github.com/JakeFAU/linkguard/internal/progress"
	progresssinks "github.com/JakeFAU/linkguard/internal/progress/sinks"
	"github.com/JakeFAU/linkguard/internal/publisher/logsink"
	memorypublisher "github.com/JakeFAU/linkguard/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/linkguard/internal/publisher/pubsub"
	"github.com/JakeFAU/linkguard/internal/publisher/webhook"
	"github.com/JakeFAU/linkguard/internal/reporter"
	"github.com/JakeFAU/linkguard/internal/storage/memory"
	"github.com/JakeFAU/linkguard/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer   *api.Server
	cache       *cache.Cache
	dispatch    *dispatcher.Dispatcher
	reporter    *reporter.Reporter
	store       *memory.WatchStore
	sink        linkcheck.Sink
	progressHub *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	shutdownTracing telemetry.ShutdownFunc

	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger       *zap.Logger
	registerer   prometheus.Registerer
	pubsubClient []option.ClientOption
}

// WithLogger skips logger construction and uses logger instead.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithPubSubOptions passes client options to the Pub/Sub client, e.g. an emulator endpoint.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *buildOptions) { o.pubsubClient = append(o.pubsubClient, opts...) }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	bo := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}

	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Dir:         cfg.Logging.Dir,
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
			MaxAgeDays:  cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("notify_backend", cfg.Notify.Backend),
		zap.Int("concurrency", cfg.Monitor.Concurrency),
	)
	metrics.Init()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	app.shutdownTracing = shutdownTracing

	if err = app.setupProgress(bo.registerer); err != nil {
		app.shutdownInfrastructure(ctx)
		return nil, err
	}
	if err = app.setupEngine(); err != nil {
		app.shutdownInfrastructure(ctx)
		return nil, err
	}
	if err = app.setupPublisher(ctx, bo.pubsubClient); err != nil {
		app.shutdownInfrastructure(ctx)
		return nil, err
	}

	app.store = memory.NewWatchStore()
	rep, err := reporter.New(reporter.Config{
		Interval:     cfg.CheckInterval(),
		InitialDelay: cfg.InitialDelay(),
		Concurrency:  cfg.Monitor.Concurrency,
		BatchSize:    cfg.Delivery.BatchSize,
		OKListLimit:  cfg.Delivery.OKListLimit,
	}, reporter.Deps{
		Monitors:     app.store,
		Destinations: app.store,
		Dispatcher:   app.dispatch,
		Sink:         app.sink,
		Pacer:        ratelimit.New(cfg.BatchDelay()),
		IDs:          uuid.NewUUIDGenerator(),
		Clock:        system.New(),
		Emitter:      app.progressHub,
		Logger:       logger,
	})
	if err != nil {
		app.shutdownInfrastructure(ctx)
		return nil, fmt.Errorf("reporter init failed: %w", err)
	}
	app.reporter = rep

	app.apiServer = api.NewServer(api.Deps{
		Checker:       app.dispatch,
		Cycler:        app.reporter,
		Subscriptions: app.store,
		Cache:         app.cache,
	}, *cfg, logger)

	return app, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize: a.cfg.Progress.BufferSize,
		Logger:     a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Info("progress hub initialized", zap.Int("buffer_size", a.cfg.Progress.BufferSize))
	return nil
}

func (a *App) setupEngine() error {
	match, err := classifier.ParseMatchPolicy(a.cfg.Guard.MatchPolicy)
	if err != nil {
		return fmt.Errorf("classifier init failed: %w", err)
	}
	cls, err := classifier.New(classifier.Rules{
		GuardKeywords:    a.cfg.Guard.Keywords,
		ChallengeMarkers: a.cfg.Guard.ChallengeMarkers,
		Match:            match,
	})
	if err != nil {
		return fmt.Errorf("classifier init failed: %w", err)
	}

	a.cache = cache.New(a.cfg.CacheTTL(),
		cache.WithClock(system.New()),
		cache.WithSweepFactor(a.cfg.Cache.SweepFactor),
		cache.WithLookupObserver(metrics.ObserveCacheLookup),
		cache.WithEvictionObserver(metrics.ObserveCacheEvictions),
	)

	prober := collyfetcher.New(collyfetcher.Config{
		UserAgent:  a.cfg.Probe.UserAgent,
		Timeout:    a.cfg.ProbeTimeout(),
		SampleSize: a.cfg.Probe.SampleBytes,
	})
	a.logger.Info("using colly prober",
		zap.String("user_agent", a.cfg.Probe.UserAgent),
		zap.Duration("timeout", a.cfg.ProbeTimeout()),
		zap.String("match_policy", string(match)),
	)

	a.dispatch = dispatcher.New(prober, cls, a.cache,
		dispatcher.Config{MaxInFlight: a.cfg.Monitor.Concurrency},
		a.logger,
		dispatcher.WithEmitter(a.progressHub),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context, clientOpts []option.ClientOption) error {
	switch a.cfg.Notify.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory notification sink")
		a.sink = memorypublisher.New()
	case config.BackendWebhook:
		client := &http.Client{Timeout: time.Duration(a.cfg.Notify.WebhookTimeoutSeconds) * time.Second}
		hook, err := webhook.New(a.cfg.Notify.WebhookURL, client)
		if err != nil {
			return fmt.Errorf("webhook sink init failed: %w", err)
		}
		a.logger.Info("using webhook notification sink")
		a.sink = hook
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSubProjectID, clientOpts...)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client.Publisher(a.cfg.Notify.PubSubTopic))
		a.logger.Info("Pub/Sub notification sink initialized",
			zap.String("project", a.cfg.Notify.PubSubProjectID),
			zap.String("topic", a.cfg.Notify.PubSubTopic),
		)
		a.sink = a.pubsubPublisher
	default:
		a.logger.Info("using log notification sink")
		a.sink = logsink.New(a.logger)
	}
	return nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Dispatcher exposes the classification engine for one-shot use.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Store exposes the subscription store.
func (a *App) Store() *memory.WatchStore {
	return a.store
}

// Reporter exposes the periodic reporter.
func (a *App) Reporter() *reporter.Reporter {
	return a.reporter
}

// Sink exposes the configured notification sink.
func (a *App) Sink() linkcheck.Sink {
	return a.sink
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.cache.RunSweeper(ctx, a.cfg.CacheTTL())
	}()
	if a.cfg.Monitor.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("reporter started",
				zap.Duration("interval", a.cfg.CheckInterval()),
				zap.Duration("initial_delay", a.cfg.InitialDelay()),
			)
			if err := a.reporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("reporter stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.shutdownInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) shutdownInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
