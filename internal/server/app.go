// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/api"
	"github.com/JakeFAU/stagecrawl/internal/archive"
	"github.com/JakeFAU/stagecrawl/internal/clock/system"
	"github.com/JakeFAU/stagecrawl/internal/config"
	"github.com/JakeFAU/stagecrawl/internal/content"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/dedup"
	"github.com/JakeFAU/stagecrawl/internal/dispatcher"
	"github.com/JakeFAU/stagecrawl/internal/extract"
	collyfetcher "github.com/JakeFAU/stagecrawl/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/stagecrawl/internal/fetcher/headless"
	"github.com/JakeFAU/stagecrawl/internal/hash/sha256"
	"github.com/JakeFAU/stagecrawl/internal/headless/detector"
	"github.com/JakeFAU/stagecrawl/internal/id/uuid"
	"github.com/JakeFAU/stagecrawl/internal/llm"
	"github.com/JakeFAU/stagecrawl/internal/llm/gemini"
	"github.com/JakeFAU/stagecrawl/internal/llm/openai"
	"github.com/JakeFAU/stagecrawl/internal/logging"
	"github.com/JakeFAU/stagecrawl/internal/media"
	"github.com/JakeFAU/stagecrawl/internal/metrics"
	"github.com/JakeFAU/stagecrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/stagecrawl/internal/progress"
	progresssinks "github.com/JakeFAU/stagecrawl/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/stagecrawl/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/stagecrawl/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/stagecrawl/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/stagecrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/stagecrawl/internal/storage/local"
	memoryStorage "github.com/JakeFAU/stagecrawl/internal/storage/memory"
	pgstore "github.com/JakeFAU/stagecrawl/internal/storage/postgres"
	redisledger "github.com/JakeFAU/stagecrawl/internal/storage/redis"
	sqliteledger "github.com/JakeFAU/stagecrawl/internal/storage/sqlite"
	"github.com/JakeFAU/stagecrawl/internal/taskdef"
	"github.com/JakeFAU/stagecrawl/internal/worker"
)

// OpenAI-compatible providers served by the chat-completions backend.
var openAICompatible = []string{"openai", "qwen", "deepseek", "ernie"}

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	queue           *queueMemory.Queue
	workers         []*worker.Worker
	progressHub     *progress.Hub
	runs            crawler.RunStore
	ledger          crawler.DedupLedger
	ids             crawler.IDGenerator
	clock           crawler.Clock
	pool            *pgxpool.Pool
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	renderer        *headlessfetcher.Renderer
	closers         []func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("dedup_backend", cfg.Dedup.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	blobs, signer, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	if err := setupLedger(ctx, a); err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}

	archivist := archive.New(blobs, signer, a.clock, archive.Config{
		WriteTimeout: time.Duration(a.cfg.Storage.WriteTimeoutSeconds) * time.Second,
	}, a.logger)

	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.workers = setupWorkers(a, archivist, publisher, emitter)
	runners := make([]dispatcher.Runner, 0, len(a.workers))
	for _, w := range a.workers {
		runners = append(runners, w)
	}
	a.dispatch = dispatcher.New(a.queue, runners)

	checks := map[string]api.ReadinessCheck{}
	if a.pool != nil {
		checks["database"] = func(ctx context.Context) error { return a.pool.Ping(ctx) }
	}
	a.apiServer = api.NewServer(api.Deps{
		Runs:      a.runs,
		Ledger:    a.ledger,
		Submitter: a.dispatch,
		Signer:    archivist,
		IDs:       a.ids,
		Clock:     a.clock,
		Checks:    checks,
	}, a.cfg, a.logger.Named("api"))
	return nil
}

// Logger exposes the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves the HTTP API and the worker pool until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
		a.dispatch.Run(ctx)
	}()

	port := a.cfg.Server.Port
	if env := os.Getenv("PORT"); env != "" {
		if _, err := fmt.Sscanf(env, "%d", &port); err != nil {
			a.logger.Warn("ignoring invalid PORT", zap.String("port", env))
			port = a.cfg.Server.Port
		}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", port))
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
	a.queue.Close()
	<-dispatched

	return a.Close(shutdownCtx)
}

// RunTask executes one task synchronously on the first worker and returns the
// finished run.
func (a *App) RunTask(ctx context.Context, task crawler.Task) (crawler.Run, error) {
	if len(a.workers) == 0 {
		return crawler.Run{}, errors.New("no workers configured")
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return crawler.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	if err := a.runs.SaveTask(ctx, task); err != nil {
		return crawler.Run{}, fmt.Errorf("save task: %w", err)
	}
	run := crawler.Run{
		ID:        runID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    crawler.RunStatusPending,
		CreatedAt: a.clock.Now(),
		Counters:  crawler.RunCounters{URLsTotal: len(task.URLs)},
	}
	if err := a.runs.CreateRun(ctx, run); err != nil {
		return crawler.Run{}, fmt.Errorf("create run: %w", err)
	}
	return a.workers[0].Process(ctx, runID)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
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
	if a.renderer != nil {
		a.renderer.Close()
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("ledger close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, crawler.Presigner, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		gcsCfg := gcsstorage.Config{
			Bucket:      app.cfg.Storage.Bucket,
			Prefix:      app.cfg.Storage.Prefix,
			SignerEmail: app.cfg.Storage.SignerEmail,
		}
		if app.cfg.Storage.SignerKeyFile != "" {
			key, err := os.ReadFile(app.cfg.Storage.SignerKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("read signer key: %w", err)
			}
			gcsCfg.PrivateKey = key
		}
		store, err := gcsstorage.New(client, gcsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, store, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		store := memoryStorage.NewBlobStore()
		return store, store, nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, keeping runs in memory")
		app.runs = memoryStorage.NewRunStore()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	app.pool = pool
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	runs, err := pgstore.NewRunStore(pool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.runs = runs
	app.logger.Info("postgres run store initialized")
	return nil
}

func setupLedger(ctx context.Context, app *App) error {
	var ledger crawler.DedupLedger
	switch app.cfg.Dedup.Backend {
	case config.DedupPostgres:
		if app.pool == nil {
			return errors.New("dedup.backend postgres requires database.dsn")
		}
		pg, err := pgstore.NewLedger(app.pool, "")
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		ledger = pg
	case config.DedupSQLite:
		lite, err := sqliteledger.Open(ctx, app.cfg.Dedup.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		app.closers = append(app.closers, lite.Close)
		ledger = lite
	case config.DedupRedis:
		rl, err := redisledger.New(ctx, redisledger.Options{
			Addr:     app.cfg.Dedup.RedisAddr,
			Password: app.cfg.Dedup.RedisPassword,
			DB:       app.cfg.Dedup.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis ledger init failed: %w", err)
		}
		app.closers = append(app.closers, rl.Close)
		ledger = rl
	default:
		ledger = memoryStorage.NewLedger()
	}
	if app.cfg.Dedup.BloomCapacity > 0 {
		ledger = dedup.NewBloomLedger(ledger, app.cfg.Dedup.BloomCapacity, app.cfg.Dedup.BloomFPRate)
		app.logger.Info("bloom prefilter enabled", zap.Uint("capacity", app.cfg.Dedup.BloomCapacity))
	}
	app.ledger = ledger
	app.logger.Info("dedup ledger initialized", zap.String("backend", app.cfg.Dedup.Backend))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = gcppublisher.New(client, app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupLLM(app *App) llm.Backend {
	backends := map[string]llm.Backend{"gemini": gemini.New()}
	compat := openai.New(&http.Client{Timeout: time.Duration(app.cfg.LLM.TimeoutSeconds) * time.Second})
	for _, name := range openAICompatible {
		backends[name] = compat
	}
	return llm.NewRouter(backends, nil)
}

func environmentDefaults(cfg config.Config) taskdef.EnvironmentDefaults {
	return taskdef.EnvironmentDefaults{
		TemplatesRoot: cfg.Templates.Root,
		SchemasRoot:   cfg.Schemas.Root,
		Prompt:        cfg.Templates.DefaultPrompt,
		PromptFile:    cfg.Templates.DefaultPromptFile,
		SchemaFile:    cfg.Schemas.DefaultSchemaFile,
		LLM: crawler.LLMIdentity{
			Provider:    cfg.LLM.DefaultProvider,
			Model:       cfg.LLM.DefaultModel,
			Credential:  cfg.LLM.DefaultCredential,
			BaseURL:     cfg.LLM.DefaultBaseURL,
			Temperature: cfg.LLM.DefaultTemperature,
			MaxTokens:   cfg.LLM.DefaultMaxTokens,
		},
	}
}

func setupWorkers(
	app *App,
	archivist *archive.Archivist,
	publisher crawler.Publisher,
	emitter progress.Emitter,
) []*worker.Worker {
	cfg := app.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodySize:   cfg.Crawler.MaxPageBytes,
	})
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	var headless crawler.Fetcher = headlessfetcher.Disabled{}
	if cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			app.renderer = renderer
			headless = renderer
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	var limiter crawler.RateLimiter = ratelimit.Unlimited{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	deps := worker.Deps{
		Runs:     app.runs,
		Ledger:   app.ledger,
		Probe:    probe,
		Headless: headless,
		Detector: detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		Limiter:  limiter,
		Cleaner: content.NewCleaner(
			content.WithThreshold(cfg.Cleaning.DefaultThreshold),
			content.WithLogger(app.logger.Named("cleaner")),
		),
		Extractor: extract.New(setupLLM(app), time.Duration(cfg.LLM.TimeoutSeconds)*time.Second, app.logger),
		Acquirer: media.NewAcquirer(probe, nil, limiter, sha256.New(), app.ids, media.Config{
			Parallelism: cfg.Media.Parallelism,
			Timeout:     time.Duration(cfg.Media.TimeoutSeconds) * time.Second,
			UserAgent:   cfg.Crawler.UserAgent,
		}, app.logger),
		Archivist: archivist,
		Resolver:  taskdef.NewResolver(environmentDefaults(cfg)),
		Publisher: publisher,
		Progress:  emitter,
		Clock:     app.clock,
		IDs:       app.ids,
	}
	workerCfg := worker.Config{
		Topic:           cfg.PubSub.TopicName,
		FetchTimeout:    cfg.FetchTimeout(),
		HeadlessAllowed: app.renderer != nil,
		RespectRobots:   cfg.Crawler.RespectRobots,
		MaxRetries:      cfg.Crawler.MaxRetries,
		RetryBackoff:    time.Duration(cfg.Crawler.RetryBackoffMs) * time.Millisecond,
		MediaEnabled:    cfg.Media.Enabled,
		MediaMaxPerPage: cfg.Media.MaxPerPage,
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
		zap.Int("max_retries", workerCfg.MaxRetries),
		zap.Bool("media_enabled", workerCfg.MediaEnabled),
	)

	workers := make([]*worker.Worker, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(deps, workerCfg, app.logger.With(zap.Int("index", i))))
	}
	return workers
}
