package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/api"
	"github.com/kiranshivaraju/foldqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/foldqueue/internal/api/middleware"
	"github.com/kiranshivaraju/foldqueue/internal/cache"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/compute/mock"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/objectstore"
	"github.com/kiranshivaraju/foldqueue/internal/policy"
	"github.com/kiranshivaraju/foldqueue/internal/recovery"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/internal/tracker"
	"github.com/kiranshivaraju/foldqueue/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App is the assembled engine: storage, compute backend, the gateway, the
// tracker, recovery and the webhook notifier behind one HTTP handler.
type App struct {
	Store   store.Store
	Cache   cache.Cache
	Handler http.Handler

	cfg       *config.Config
	admission *admission.Controller
	tracker   *tracker.Tracker
	recovery  *recovery.Coordinator
	notifier  *webhook.Notifier

	cancel  context.CancelFunc
	done    chan struct{}
	closers []func() error
}

// NewApp connects every dependency named by cfg. An empty DATABASE_URL or
// REDIS_URL falls back to in-memory implementations in development only.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrationsDir string) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.connect(ctx, migrationsDir); err != nil {
		a.close()
		return nil, err
	}

	objects, err := newObjectStore(cfg.Objects)
	if err != nil {
		a.close()
		return nil, err
	}
	backend := newBackend(cfg.Compute)
	slog.Info("compute backend ready", "backend", backend.Name(), "push", compute.IsPush(backend))

	a.admission = admission.New(cfg.Policy.Lanes)
	jobs := store.WithStatusCache(a.Store, a.Cache, cfg.Redis.CacheTTL)

	deliverer := webhook.NewDeliverer(a.Store, cfg.Policy.WebhookDelayDurations())
	a.notifier = webhook.NewNotifier(a.Store, deliverer, cfg.Webhook.Workers, cfg.Webhook.QueueSize)

	// The tracker resumes pending work through the gateway and the gateway
	// recomputes batches through the tracker.
	gw := gateway.New(jobs, backend, a.admission, a.notifier,
		gateway.WithEstimator(gateway.EstimatorFor(cfg.Policy)),
		gateway.WithCallTimeout(cfg.Compute.CallTimeout),
	)
	a.tracker = tracker.New(jobs, objects, backend, a.admission, a.notifier, cfg.Tracker, cfg.Policy,
		tracker.WithResumer(gw),
	)
	gw.SetBatchRecomputer(a.tracker)

	a.recovery = recovery.New(jobs, policy.NewEngine(cfg.Policy), policy.NewClassifier(cfg.Policy),
		gw, a.tracker, a.notifier,
		recovery.WithAlerter(recovery.NewSlogAlerter(logger)),
	)
	a.tracker.SetFailureHandler(a.recovery)

	ttl := cfg.Redis.CacheTTL
	a.Handler = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.Store),
		RateLimit: mw.NewRateLimit(a.Cache, cfg.Server.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(a.Store, a.Cache, a.admission),
		MetricsHandler: promhttp.Handler(),

		SubmitJob:   handler.NewSubmitJobHandler(gw),
		GetJob:      handler.NewGetJobHandler(jobs, a.Cache, ttl),
		ListJobs:    handler.NewListJobsHandler(jobs),
		CancelJob:   handler.NewCancelJobHandler(jobs, gw),
		SubmitBatch: handler.NewSubmitBatchHandler(gw),
		GetBatch:    handler.NewGetBatchHandler(jobs, a.tracker, objects, a.Cache, ttl),

		CreateWebhook: handler.NewCreateWebhookHandler(a.Store),
		ListWebhooks:  handler.NewListWebhooksHandler(a.Store),
		DeleteWebhook: handler.NewDeleteWebhookHandler(a.Store),

		ComputeCallback: handler.NewComputeCallbackHandler(a.tracker, cfg.Compute.CallbackSecret),

		CreateKeyHandler: handler.NewCreateKeyHandler(a.Store),
		ListKeysHandler:  handler.NewListKeysHandler(a.Store),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(a.Store),
	})

	return a, nil
}

func (a *App) connect(ctx context.Context, migrationsDir string) error {
	dev := a.cfg.IsDevelopment()

	switch {
	case a.cfg.Database.URL != "":
		// Webhook workers plus the tracker loop.
		workers := a.cfg.Webhook.Workers + 1
		pool, err := store.Connect(ctx, a.cfg.Database, workers)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		slog.Info("database connected", "max_conns", pool.Config().MaxConns)

		if err := store.RunMigrations(a.cfg.Database.URL, migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied", "dir", migrationsDir)
		a.Store = store.NewPostgresStore(pool)
	case dev:
		slog.Warn("DATABASE_URL not set, using in-memory store")
		a.Store = store.NewMemoryStore()
	default:
		return errors.New("DATABASE_URL is required outside development")
	}

	switch {
	case a.cfg.Redis.URL != "":
		redisCache, err := cache.NewRedisCache(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		a.closers = append(a.closers, redisCache.Close)
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		a.Cache = redisCache
	case dev:
		slog.Warn("REDIS_URL not set, using in-memory cache")
		a.Cache = cache.NewMemoryCache()
	default:
		return errors.New("REDIS_URL is required outside development")
	}
	return nil
}

func newObjectStore(cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	if cfg.Dir == "" {
		slog.Warn("OBJECT_STORE_DIR is empty, results are kept in memory")
		return objectstore.NewMemoryStore(), nil
	}
	fs, err := objectstore.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	return fs, nil
}

func newBackend(cfg config.ComputeConfig) compute.Backend {
	if cfg.Backend == "mock" {
		b := mock.NewEcho()
		b.Push = cfg.PushMode
		return b
	}
	return compute.NewHTTPBackend(cfg)
}

// Start adopts calls left running by a previous process, then starts the
// notifier and the tracker loop.
func (a *App) Start(ctx context.Context) error {
	a.notifier.Start()

	adopted, err := a.tracker.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile running jobs: %w", err)
	}
	slog.Info("startup reconciliation done", "adopted_calls", adopted)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.tracker.Run(runCtx)
	}()
	return nil
}

// Stop halts the tracker, abandons waiting retries, drains queued webhook
// events and closes connections.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}

	var errs []error
	if err := a.recovery.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recovery shutdown: %w", err))
	}
	if err := a.notifier.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifier shutdown: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
