// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/advance"
	"github.com/JakeFAU/linkedin-signals/internal/api"
	"github.com/JakeFAU/linkedin-signals/internal/apify"
	"github.com/JakeFAU/linkedin-signals/internal/clock/system"
	"github.com/JakeFAU/linkedin-signals/internal/config"
	"github.com/JakeFAU/linkedin-signals/internal/embedding/gemini"
	"github.com/JakeFAU/linkedin-signals/internal/failure"
	"github.com/JakeFAU/linkedin-signals/internal/llm/claude"
	"github.com/JakeFAU/linkedin-signals/internal/migrations"
	"github.com/JakeFAU/linkedin-signals/internal/notify"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/linkedin-signals/internal/publisher/pubsub"
	"github.com/JakeFAU/linkedin-signals/internal/scheduler"
	"github.com/JakeFAU/linkedin-signals/internal/stages"
	gcsstorage "github.com/JakeFAU/linkedin-signals/internal/storage/gcs"
	localstorage "github.com/JakeFAU/linkedin-signals/internal/storage/local"
	memoryStorage "github.com/JakeFAU/linkedin-signals/internal/storage/memory"
	pgstore "github.com/JakeFAU/linkedin-signals/internal/storage/postgres"
	"github.com/JakeFAU/linkedin-signals/internal/telegram"
	"github.com/JakeFAU/linkedin-signals/internal/telemetry"
	"github.com/JakeFAU/linkedin-signals/internal/vector/elastic"
)

// Stores groups the persistence collaborators.
type Stores struct {
	Jobs       pipeline.JobStore
	Profiles   pipeline.ProfileStore
	Posts      pipeline.PostStore
	Messages   pipeline.MessageStore
	Catalog    pipeline.CatalogStore
	Recipients pipeline.RecipientStore
}

// Clients groups the external services the stages call.
type Clients struct {
	Scraper   pipeline.Scraper
	Embedder  pipeline.Embedder
	Generator pipeline.Generator
	Index     pipeline.VectorIndex
	Messenger pipeline.Messenger
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool            *pgxpool.Pool
	stores          Stores
	clients         Clients
	blobs           pipeline.BlobStore
	notifier        *notify.Notifier
	stages          map[pipeline.Status]stages.Stage
	controller      *advance.Controller
	loop            *advance.Loop
	httpContinuer   *advance.HTTPContinuer
	apiServer       *api.Server
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	subscriber      *gcppublisher.Subscriber
	storage         *storage.Client
	tracerShutdown  func(context.Context) error
}

// Option customises Build. Tests use it to inject fakes in place of the
// external clients and stores.
type Option func(*App)

// WithStores replaces the configured database backend.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithClients replaces the external service clients.
func WithClients(c Clients) Option {
	return func(a *App) { a.clients = c }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, loop: advance.NewLoop(logger.Named("loop"))}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("dispatch", cfg.Pipeline.Dispatch),
		zap.String("continuation", cfg.Pipeline.Continuation),
	)

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	if app.stores.Jobs == nil {
		if err := app.setupStores(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}
	if err := app.setupStorage(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if app.clients.Scraper == nil {
		if err := app.setupClients(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	clock := system.New()
	app.notifier = notify.New(app.clients.Messenger, app.stores.Recipients, logger.Named("notify"))
	failures := failure.New(app.stores.Jobs, app.notifier, logger.Named("failure"), cfg.Pipeline.MaxRetries)

	app.stages = stages.All(stages.Deps{
		Jobs:             app.stores.Jobs,
		Profiles:         app.stores.Profiles,
		Posts:            app.stores.Posts,
		Messages:         app.stores.Messages,
		Catalog:          app.stores.Catalog,
		Recipients:       app.stores.Recipients,
		Scraper:          app.clients.Scraper,
		Embedder:         app.clients.Embedder,
		Generator:        app.clients.Generator,
		Index:            app.clients.Index,
		Messenger:        app.clients.Messenger,
		Blobs:            app.blobs,
		Notifier:         app.notifier,
		Failures:         failures,
		Clock:            clock,
		Logger:           logger.Named("stages"),
		Namespace:        cfg.Pipeline.Namespace,
		Freshness:        cfg.Freshness(),
		TopK:             cfg.Pipeline.TopK,
		QuarantinePrefix: cfg.Storage.Prefix,
	})

	continuer, err := app.setupContinuer(ctx, clock)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	app.controller = advance.NewController(
		app.stores.Jobs,
		app.setupDispatcher(),
		failures,
		continuer,
		clock,
		logger.Named("advance"),
		advance.Config{
			BatchSize:   cfg.Pipeline.BatchSize,
			TriggerHour: cfg.Pipeline.TriggerHour,
			MaxRetries:  cfg.Pipeline.MaxRetries,
		},
	)

	app.apiServer = api.NewServer(api.Deps{
		Advancer: app.controller,
		Stages:   app.stages,
		Jobs:     app.stores.Jobs,
		Profiles: app.stores.Profiles,
		Catalog:  app.stores.Catalog,
		Ready:    app.ready,
	}, api.Config{
		CronSecret:  cfg.Auth.CronSecret,
		APIKey:      cfg.Auth.APIKey,
		PassTimeout: cfg.StageTimeout(),
	}, logger.Named("api"))

	return app, nil
}

// Advance runs a single controller pass.
func (a *App) Advance(ctx context.Context) (advance.Outcome, error) {
	return a.controller.Advance(ctx)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Drain runs passes in-process until the controller stops asking for more.
func (a *App) Drain(ctx context.Context, maxPasses int) (advance.Outcome, int, error) {
	return a.loop.Drain(ctx, a.controller, maxPasses)
}

// Serve runs the HTTP server plus any in-process continuation consumers and
// blocks until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Schedule triggers passes on the configured cron spec without an HTTP
// listener and blocks until ctx is canceled.
func (a *App) Schedule(ctx context.Context) error {
	sched, err := scheduler.New(ctx, a.cfg.Schedule.Spec, a.loop, a.logger.Named("scheduler"))
	if err != nil {
		return err
	}
	a.logger.Info("scheduler started",
		zap.String("spec", a.cfg.Schedule.Spec),
		zap.Time("next", sched.Next(time.Now())),
	)

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg)
	if a.cfg.Pipeline.Continuation != config.ContinueLoop && a.cfg.Pipeline.Continuation != config.ContinuePubSub {
		// Ticks feed the loop even when continuations go elsewhere.
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.loop.Run(ctx, a.controller)
		}()
	}
	sched.Run(ctx)
	wg.Wait()
	return nil
}

// startBackground launches the loop and subscriber the continuation mode needs.
func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	switch a.cfg.Pipeline.Continuation {
	case config.ContinueLoop, config.ContinuePubSub:
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("advance loop started")
			a.loop.Run(ctx, a.controller)
		}()
	}
	if a.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("continuation subscriber started", zap.String("subscription", a.cfg.PubSub.Subscription))
			if err := a.subscriber.Receive(ctx, a.loop); err != nil {
				a.logger.Error("continuation subscriber stopped", zap.Error(err))
			}
		}()
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.httpContinuer != nil {
		a.httpContinuer.Wait()
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	exporter, err := a.traceExporter()
	if err != nil {
		return err
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName, exporter)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled", zap.Bool("cloud_trace", exporter != nil))
	return nil
}

func (a *App) traceExporter() (sdktrace.SpanExporter, error) {
	if a.cfg.Tracing.ProjectID == "" {
		return nil, nil
	}
	return telemetry.NewCloudTraceExporter(a.cfg.Tracing.ProjectID)
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case "postgres":
		if a.cfg.DB.Migrate {
			if err := migrations.Up(a.cfg.DB.DSN, a.logger.Named("migrate")); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := pgstore.Open(ctx, pgstore.PoolConfig{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		catalog := pgstore.NewCatalogStore(pool)
		a.stores = Stores{
			Jobs:       pgstore.NewJobStore(pool),
			Profiles:   pgstore.NewProfileStore(pool),
			Posts:      pgstore.NewPostStore(pool),
			Messages:   pgstore.NewMessageStore(pool),
			Catalog:    catalog,
			Recipients: catalog,
		}
		a.logger.Info("using postgres stores", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	default:
		dir := memoryStorage.NewDirectory()
		a.stores = Stores{
			Jobs:       memoryStorage.NewJobStore(),
			Profiles:   dir,
			Posts:      memoryStorage.NewPostStore(),
			Messages:   memoryStorage.NewMessageStore(),
			Catalog:    dir,
			Recipients: dir,
		}
		a.logger.Warn("using in-memory stores; state is lost on restart")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCSBucket, a.cfg.Storage.Prefix)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS quarantine", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(a.cfg.Storage.LocalDir)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local quarantine", zap.String("path", a.cfg.Storage.LocalDir))
	default:
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory quarantine")
	}
	return nil
}

func (a *App) setupClients(ctx context.Context) error {
	cfg := a.cfg
	scraper, err := apify.New(apify.Config{
		BaseURL: cfg.Apify.BaseURL,
		Token:   cfg.Apify.Token,
		ActorID: cfg.Apify.ActorID,
		Timeout: cfg.ApifyTimeout(),
	}, nil, a.logger.Named("apify"))
	if err != nil {
		return fmt.Errorf("apify client init failed: %w", err)
	}

	embedder, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	}, a.logger.Named("embedding"))
	if err != nil {
		return fmt.Errorf("embedding client init failed: %w", err)
	}

	generator, err := claude.New(claude.Config{
		APIKey:    cfg.Generation.APIKey,
		Model:     cfg.Generation.Model,
		MaxTokens: cfg.Generation.MaxTokens,
	}, a.logger.Named("generation"))
	if err != nil {
		return fmt.Errorf("generation client init failed: %w", err)
	}

	index, err := elastic.New(elastic.Config{
		Addresses:  cfg.Vector.Addresses,
		APIKey:     cfg.Vector.APIKey,
		Username:   cfg.Vector.Username,
		Password:   cfg.Vector.Password,
		Index:      cfg.Vector.Index,
		Dimensions: cfg.Embedding.Dimensions,
	}, a.logger.Named("vector"))
	if err != nil {
		return fmt.Errorf("vector index init failed: %w", err)
	}
	if err := index.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure vector index: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPS:   cfg.Telegram.MessagesPerSecond,
		GlobalBurst: cfg.Telegram.Burst,
		ChatRPS:     cfg.Telegram.ChatMessagesPerSecond,
		ChatBurst:   cfg.Telegram.ChatBurst,
	})
	bot, err := telegram.New(cfg.Telegram.Token, limiter, a.logger.Named("telegram"))
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	a.logger.Info("telegram rate limits",
		zap.Float64("global_rps", cfg.Telegram.MessagesPerSecond),
		zap.Float64("chat_rps", cfg.Telegram.ChatMessagesPerSecond),
	)

	a.clients = Clients{
		Scraper:   scraper,
		Embedder:  embedder,
		Generator: generator,
		Index:     index,
		Messenger: bot,
	}
	return nil
}

func (a *App) setupDispatcher() advance.Dispatcher {
	if a.cfg.Pipeline.Dispatch == config.DispatchHTTP {
		a.logger.Info("dispatching stages over HTTP", zap.String("base_url", a.cfg.Pipeline.BaseURL))
		return advance.NewHTTPDispatcher(a.cfg.Pipeline.BaseURL, a.cfg.Auth.CronSecret, a.cfg.StageTimeout(), nil)
	}
	a.logger.Info("dispatching stages in-process")
	return advance.NewLocalDispatcher(a.stages)
}

func (a *App) setupContinuer(ctx context.Context, clock pipeline.Clock) (advance.Continuer, error) {
	switch a.cfg.Pipeline.Continuation {
	case config.ContinueLoop:
		return a.loop, nil
	case config.ContinuePubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = client.Publisher(a.cfg.PubSub.Topic)
		if a.cfg.PubSub.Subscription != "" {
			a.subscriber = gcppublisher.NewSubscriber(client.Subscriber(a.cfg.PubSub.Subscription), a.logger.Named("subscriber"))
		}
		a.logger.Info("Pub/Sub continuation initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
			zap.String("subscription", a.cfg.PubSub.Subscription),
		)
		return gcppublisher.NewContinuer(a.pubsubPublisher, clock), nil
	default:
		a.httpContinuer = advance.NewHTTPContinuer(a.cfg.Pipeline.BaseURL, a.cfg.Auth.CronSecret, nil, a.logger.Named("continuer"))
		return a.httpContinuer, nil
	}
}
