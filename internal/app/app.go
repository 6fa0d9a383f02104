// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsubapi "cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/api"
	"github.com/JakeFAU/storewatch/internal/clock/system"
	"github.com/JakeFAU/storewatch/internal/config"
	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/diff"
	"github.com/JakeFAU/storewatch/internal/extract"
	collyfetcher "github.com/JakeFAU/storewatch/internal/fetcher/colly"
	"github.com/JakeFAU/storewatch/internal/fetcher/headless"
	"github.com/JakeFAU/storewatch/internal/id/uuid"
	"github.com/JakeFAU/storewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/storewatch/internal/publisher"
	pspublisher "github.com/JakeFAU/storewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/storewatch/internal/scheduler"
	"github.com/JakeFAU/storewatch/internal/storage/gcs"
	"github.com/JakeFAU/storewatch/internal/storage/local"
	"github.com/JakeFAU/storewatch/internal/storage/memory"
	"github.com/JakeFAU/storewatch/internal/storage/postgres"
	redisstore "github.com/JakeFAU/storewatch/internal/storage/redis"
	"github.com/JakeFAU/storewatch/internal/telemetry"
	"github.com/JakeFAU/storewatch/internal/verify"
	"github.com/JakeFAU/storewatch/internal/worker"
)

// Repository is the union of the persistence interfaces the pipeline uses.
type Repository interface {
	crawler.StoreRepository
	crawler.ListingRepository
	crawler.CrawlLogRepository
}

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and handed to the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	repo      Repository
	locks     crawler.LockManager
	snapshots crawler.SnapshotStore
	notifier  crawler.Notifier
	artifacts crawler.ArtifactStore

	worker    *worker.Worker
	processor *verify.Processor
	server    *api.Server

	db     postgres.DB
	checks map[string]api.ReadinessCheck
	closer []func() error
}

// Option customizes construction. Tests use these to swap infrastructure.
type Option func(*options)

type options struct {
	clock       crawler.Clock
	fetcher     crawler.PageFetcher
	detail      verify.DetailFetcher
	redisClient redis.UniversalClient
	postgres    postgres.DB
	notifier    crawler.Notifier
}

// WithClock overrides the system clock.
func WithClock(c crawler.Clock) Option { return func(o *options) { o.clock = c } }

// WithFetcher replaces the configured page fetcher.
func WithFetcher(f crawler.PageFetcher) Option { return func(o *options) { o.fetcher = f } }

// WithDetailFetcher replaces the verification HTTP client.
func WithDetailFetcher(f verify.DetailFetcher) Option { return func(o *options) { o.detail = f } }

// WithRedisClient injects an existing Redis client instead of dialing redis.addr.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = c }
}

// WithPostgres injects an existing database handle instead of dialing db.dsn.
func WithPostgres(db postgres.DB) Option { return func(o *options) { o.postgres = db } }

// WithNotifier adds a notifier alongside the configured sinks.
func WithNotifier(n crawler.Notifier) Option { return func(o *options) { o.notifier = n } }

// New creates and initializes an App from cfg. It fails fast if any critical
// service cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  o.clock,
		checks: make(map[string]api.ReadinessCheck),
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services")

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	if err := a.initPostgres(ctx, o.postgres); err != nil {
		return nil, err
	}
	rdb, err := a.initRedis(ctx, o.redisClient)
	if err != nil {
		return nil, err
	}
	if err := a.initRepository(); err != nil {
		return nil, err
	}
	if err := a.initLocks(rdb); err != nil {
		return nil, err
	}
	if err := a.initSnapshots(rdb); err != nil {
		return nil, err
	}
	if err := a.initNotifier(ctx, o.notifier); err != nil {
		return nil, err
	}
	if err := a.initArtifacts(ctx); err != nil {
		return nil, err
	}
	fetcher, err := a.buildFetcher(o.fetcher)
	if err != nil {
		return nil, err
	}
	if err := a.initWorker(fetcher); err != nil {
		return nil, err
	}
	a.initProcessor(o.detail)

	a.server = api.NewServer(a.repo, a.repo, a.worker, a.processor, a.checks, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Verify:         a.VerifyOptions(),
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("worker_id", a.worker.ID()),
		zap.String("lock_backend", cfg.Lock.Backend),
		zap.String("snapshot_store", cfg.Diff.SnapshotStore),
		zap.String("fetch_mode", cfg.Fetch.Mode),
	)
	return a, nil
}

func (a *App) initPostgres(ctx context.Context, injected postgres.DB) error {
	if injected == nil && a.cfg.DB.DSN == "" {
		return nil
	}
	db := injected
	if db == nil {
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		db = pool
		a.onClose(func() error { pool.Close(); return nil })
	}
	a.db = db
	a.checks["postgres"] = db.Ping
	if a.cfg.DB.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initRedis(ctx context.Context, injected redis.UniversalClient) (redis.UniversalClient, error) {
	needed := a.cfg.Lock.Backend == "redis" || a.cfg.Diff.SnapshotStore == "redis"
	if !needed {
		return nil, nil
	}
	client := injected
	if client == nil {
		c := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.onClose(c.Close)
		client = c
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}
	a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return client, nil
}

func (a *App) initRepository() error {
	if a.db != nil {
		repo, err := postgres.NewRepository(a.db)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		a.repo = repo
		if len(a.cfg.Stores) > 0 {
			a.logger.Warn("stores list ignored when a database is configured")
		}
		return nil
	}
	repo := memory.NewRepository()
	for _, seed := range a.cfg.Stores {
		repo.PutStore(crawler.Store{
			ID:            seed.ID,
			Name:          seed.Name,
			Active:        seed.Active,
			CrawlInterval: seed.Interval,
		})
	}
	a.repo = repo
	a.logger.Warn("no database configured, using in-memory storage", zap.Int("stores", len(a.cfg.Stores)))
	return nil
}

func (a *App) initLocks(rdb redis.UniversalClient) error {
	var err error
	switch a.cfg.Lock.Backend {
	case "postgres":
		a.locks, err = postgres.NewLockManager(a.db, a.cfg.Lock.StaleAfter, a.clock)
	case "redis":
		a.locks, err = redisstore.NewLockManager(rdb, a.cfg.Redis.Prefix, a.cfg.Lock.StaleAfter, a.clock)
	default:
		a.locks = memory.NewLockManager(a.cfg.Lock.StaleAfter, a.clock)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize lock manager: %w", err)
	}
	return nil
}

func (a *App) initSnapshots(rdb redis.UniversalClient) error {
	var err error
	switch a.cfg.Diff.SnapshotStore {
	case "postgres":
		a.snapshots, err = postgres.NewSnapshotStore(a.db, a.clock)
	case "postgres_window":
		a.snapshots, err = postgres.NewWindowSnapshotStore(a.db, a.clock, a.cfg.Diff.Window)
	case "redis":
		a.snapshots, err = redisstore.NewSnapshotStore(rdb, a.cfg.Redis.Prefix, a.clock)
	default:
		a.snapshots = memory.NewSnapshotStore()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context, extra crawler.Notifier) error {
	var sinks publisher.Multi
	for _, sink := range a.cfg.Notify.Sinks {
		switch sink {
		case "log":
			sinks = append(sinks, publisher.NewLog(a.logger.Named("notify")))
		case "pubsub":
			client, err := pubsubapi.NewClient(ctx, a.cfg.Notify.ProjectID)
			if err != nil {
				return fmt.Errorf("failed to create pubsub client: %w", err)
			}
			a.onClose(client.Close)
			p := pspublisher.New(client.Topic(a.cfg.Notify.Topic))
			a.onClose(func() error { p.Stop(); return nil })
			sinks = append(sinks, p)
		default:
			return fmt.Errorf("unknown notify sink: %s", sink)
		}
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	a.notifier = sinks
	return nil
}

func (a *App) initArtifacts(ctx context.Context) error {
	switch a.cfg.Artifacts.Backend {
	case "memory":
		a.artifacts = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Artifacts.BaseDir})
		if err != nil {
			return fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		a.artifacts = store
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gcs client: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Artifacts.Bucket, Prefix: a.cfg.Artifacts.Prefix})
		if err != nil {
			return fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		a.artifacts = store
	}
	return nil
}

func (a *App) buildFetcher(injected crawler.PageFetcher) (crawler.PageFetcher, error) {
	if injected != nil {
		return injected, nil
	}
	fc := a.cfg.Fetch
	detector := crawler.NewChallengeDetector(fc.Challenge.URLMarkers, fc.Challenge.TitleMarkers, fc.Challenge.BodyMarkers)
	if fc.Mode == "http" {
		return collyfetcher.New(collyfetcher.Config{
			SearchURLTemplate: fc.SearchURLTemplate,
			UserAgent:         fc.UserAgent,
			Timeout:           fc.HTTPTimeout,
			ExtraHeaders:      fc.Headers,
		}, detector), nil
	}
	opts := []headless.Option{headless.WithLogger(a.logger.Named("headless"))}
	if a.artifacts != nil {
		opts = append(opts, headless.WithArtifacts(a.artifacts))
	}
	f, err := headless.NewChromedp(headless.Config{
		SearchURLTemplate: fc.SearchURLTemplate,
		UserAgent:         fc.UserAgent,
		Headless:          fc.Headless,
		ExecPath:          fc.ExecPath,
		WaitSelector:      fc.WaitSelector,
		NavigationTimeout: fc.NavigationTimeout,
		ElementTimeout:    fc.ElementTimeout,
		BlockedResources:  fc.BlockedResources,
		ExtraHeaders:      fc.Headers,
		LaunchAttempts:    fc.LaunchAttempts,
		LaunchBackoff:     fc.LaunchBackoff,
	}, detector, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize headless fetcher: %w", err)
	}
	a.onClose(func() error { f.Close(); return nil })
	return f, nil
}

func (a *App) initWorker(fetcher crawler.PageFetcher) error {
	paginator := crawler.NewPaginator(
		fetcher,
		extract.New(a.cfg.Crawl.Selectors, a.cfg.Crawl.PromoTitles),
		crawler.PaginatorConfig{
			MaxPages:    a.cfg.Crawl.MaxPages,
			PageDelay:   a.cfg.Crawl.PageDelay,
			DelayJitter: a.cfg.Crawl.DelayJitter,
		},
		a.logger.Named("paginator"),
	)
	engine, err := diff.NewEngine(a.snapshots, a.repo, a.clock, diff.Config{
		AnomalyThreshold: a.cfg.Diff.AnomalyThreshold,
		AnomalyRatio:     a.cfg.Diff.AnomalyRatio,
		PersistNew:       a.cfg.Diff.PersistNew,
	}, a.logger.Named("diff"))
	if err != nil {
		return fmt.Errorf("failed to initialize diff engine: %w", err)
	}
	ids := uuid.New()
	workerID, err := ids.WorkerID(a.cfg.Worker.ID)
	if err != nil {
		return fmt.Errorf("generate worker id: %w", err)
	}
	a.worker, err = worker.New(worker.Deps{
		Stores:   a.repo,
		Logs:     a.repo,
		Locks:    a.locks,
		Crawler:  paginator,
		Differ:   engine,
		Notifier: a.notifier,
		Clock:    a.clock,
		IDs:      ids,
	}, worker.Config{
		WorkerID:     workerID,
		StoreDelay:   a.cfg.Worker.StoreDelay,
		CrawlTimeout: a.cfg.Worker.CrawlTimeout,
		SweepMaxAge:  a.cfg.Lock.SweepMaxAge,
	}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}
	return nil
}

func (a *App) initProcessor(injected verify.DetailFetcher) {
	vc := a.cfg.Verify
	detail := injected
	if detail == nil {
		detail = verify.NewClient(verify.ClientConfig{
			EndpointTemplate: vc.EndpointTemplate,
			Token:            vc.Token,
			Headers:          vc.Headers,
			Timeout:          vc.Timeout,
			MaxAttempts:      vc.MaxAttempts,
			Backoff:          vc.Backoff,
			MaxBackoff:       vc.MaxBackoff,
			RateLimit:        ratelimit.Config{RPS: vc.RPS, Burst: vc.Burst},
		})
	}
	service := verify.NewService(detail, a.repo, a.clock, verify.ServiceConfig{
		ItemTimeout:   vc.ItemTimeout,
		RemovalPolicy: verify.RemovalPolicy(vc.RemovalPolicy),
	}, a.logger.Named("verify"))
	a.processor = verify.NewProcessor(service, a.repo, a.notifier, a.clock, a.logger.Named("verify"))
}

func (a *App) onClose(fn func() error) {
	a.closer = append(a.closer, fn)
}

// VerifyOptions returns the configured batch options.
func (a *App) VerifyOptions() verify.Options {
	return verify.Options{
		BatchSize:   a.cfg.Verify.BatchSize,
		Delay:       a.cfg.Verify.Delay,
		Window:      a.cfg.Verify.Window,
		Concurrency: a.cfg.Verify.Concurrency,
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Repository exposes the configured persistence layer.
func (a *App) Repository() Repository { return a.repo }

// Worker returns the crawl worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Processor returns the verification processor.
func (a *App) Processor() *verify.Processor { return a.processor }

// Server returns the HTTP API.
func (a *App) Server() *api.Server { return a.server }

// CrawlStore crawls one store immediately.
func (a *App) CrawlStore(ctx context.Context, storeID string) crawler.CrawlResult {
	return a.worker.CrawlStore(ctx, storeID)
}

// RunCycle crawls every active store once.
func (a *App) RunCycle(ctx context.Context) (worker.CycleResult, error) {
	return a.worker.RunCycle(ctx)
}

// ProcessPending verifies pending listings with the configured batch options.
func (a *App) ProcessPending(ctx context.Context) (verify.BatchResult, error) {
	return a.processor.ProcessPending(ctx, a.VerifyOptions())
}

// Stats counts listings per verification status.
func (a *App) Stats(ctx context.Context) (map[crawler.VerificationStatus]int, error) {
	return a.processor.Stats(ctx)
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.New("migrate requires db.dsn")
	}
	return postgres.Migrate(ctx, a.db)
}

// SweepLocks releases locks older than the configured max age.
func (a *App) SweepLocks(ctx context.Context) (int, error) {
	n, err := a.locks.SweepStale(ctx, a.cfg.Lock.SweepMaxAge)
	if err != nil {
		return 0, fmt.Errorf("sweep stale locks: %w", err)
	}
	if n > 0 {
		a.logger.Info("swept stale locks", zap.Int("count", n))
	}
	return n, nil
}

// RetryErrors re-verifies ERROR rows older than verify.retry_after.
func (a *App) RetryErrors(ctx context.Context) (verify.BatchResult, error) {
	return a.processor.RetryErrored(ctx, a.cfg.Verify.RetryAfter, a.cfg.Verify.RetryLimit, a.cfg.Verify.Concurrency)
}

// Scheduler builds a cron scheduler with every configured job registered.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.logger.Named("scheduler"))
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{"crawl", a.cfg.Schedule.Crawl, func(ctx context.Context) error {
			_, err := a.worker.RunCycle(ctx)
			return err
		}},
		{"verify", a.cfg.Schedule.Verify, func(ctx context.Context) error {
			_, err := a.processor.ProcessPending(ctx, a.VerifyOptions())
			return err
		}},
		{"retry_errors", a.cfg.Schedule.RetryErrors, func(ctx context.Context) error {
			_, err := a.RetryErrors(ctx)
			return err
		}},
		{"sweep_locks", a.cfg.Schedule.SweepLocks, func(ctx context.Context) error {
			_, err := a.SweepLocks(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, j.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve runs the scheduler and the HTTP API until ctx ends or the listener
// fails, then drains both and releases held locks.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	a.server.SetBaseContext(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start(ctx)
	a.logger.Info("scheduler started")

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler shutdown error", zap.Error(err))
	}
	a.server.Wait()
	if err := a.worker.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("release locks error", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return serveErr
}

// Shutdown releases this worker's locks. It is safe to call before Close.
func (a *App) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.worker.Shutdown(ctx)
}

// Close gracefully shuts down services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			a.logger.Warn("failed to close service", zap.Error(err))
		}
	}
	a.closer = nil
	_ = a.logger.Sync()
}
