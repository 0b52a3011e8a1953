// Package control wires the adsync components together and owns their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/vietddude/adsync/internal/core/config"
	"github.com/vietddude/adsync/internal/core/worker"
	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
	"github.com/vietddude/adsync/internal/infra/events"
	redisclient "github.com/vietddude/adsync/internal/infra/redis"
	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/infra/storage/memory"
	"github.com/vietddude/adsync/internal/infra/storage/postgres"
	"github.com/vietddude/adsync/internal/server"
	"github.com/vietddude/adsync/internal/syncing/insights"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

const pingTimeout = 3 * time.Second

// App is the main application struct that manages the sync service lifecycle.
type App struct {
	cfg        *config.AppConfig
	limiter    *ratelimit.RateLimiter
	client     *api.Client
	scheduler  *scheduler.Scheduler
	history    storage.HistoryRepository
	pruner     *worker.Pruner
	monitor    *server.Monitor
	server     *server.Server
	db         *postgres.DB
	redis      *redisclient.Client
	quotaCache *redisclient.QuotaCache
	forwarder  *events.Forwarder
	log        *slog.Logger

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewApp creates an App with all dependencies initialized. Redis and NATS are
// optional; when they cannot be reached the App runs without them.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default().With("component", "app"),
	}

	// 1. History storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.db = db
		a.history = postgres.NewHistoryRepo(db)
		a.log.Info("Using PostgreSQL history storage", "driver", cfg.Database.Driver)
	} else {
		a.history = memory.NewHistoryRepo()
		a.log.Info("Using memory history storage")
	}
	if cfg.Database.HistoryRetention > 0 {
		a.pruner = worker.NewPruner(cfg.Database.HistoryRetention, a.history)
	}

	// 2. Shared quota cache
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, quota sharing disabled", "error", err)
		} else {
			a.redis = rc
			a.quotaCache = redisclient.NewQuotaCache(rc, cfg.Redis.QuotaTTL)
		}
	}

	// 3. API client
	var limiterOpts []ratelimit.Option
	if a.quotaCache != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithQuotaObserver(a.quotaCache.Observe))
	}
	a.limiter = ratelimit.NewRateLimiter(cfg.RateLimits, limiterOpts...)
	a.client = api.New(
		cfg.API.Config,
		a.limiter,
		breaker.New(cfg.CircuitBreaker, nil),
		classify.New(cfg.ErrorLogSize, nil),
	)
	configureAuth(a.client, cfg.API)

	// 4. Scheduler and jobs
	a.scheduler = scheduler.New(
		cfg.Scheduler.Config,
		insights.New(cfg.Insights, a.client),
		scheduler.WithHistoryRepository(a.history),
	)
	for _, jc := range cfg.Scheduler.Jobs {
		var opts []scheduler.JobOption
		if jc.MaxRetries != nil {
			opts = append(opts, scheduler.WithMaxRetries(*jc.MaxRetries))
		}
		if jc.Paused {
			opts = append(opts, scheduler.WithPaused())
		}
		if _, err := a.scheduler.AddJob(jc.ID, jc.AccountIDs, jc.Options, jc.Interval, opts...); err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to add job %s: %w", jc.ID, err)
		}
	}

	// 5. Event forwarding
	if cfg.Events.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events, nil)
		if err != nil {
			a.log.Warn("Failed to connect to NATS, event forwarding disabled", "error", err)
		} else {
			a.forwarder = events.NewForwarder(pub, cfg.Events.SubjectPrefix)
		}
	}

	// 6. Health and admin API
	a.monitor = server.NewMonitor(server.DefaultCheckInterval)
	a.monitor.Register("api", server.ClientCheck(a.client))
	a.monitor.Register("scheduler", server.SchedulerCheck(a.scheduler))
	if a.db != nil {
		a.monitor.Register("database", server.PingCheck(a.db, server.StatusCritical, pingTimeout))
	}
	if a.redis != nil {
		a.monitor.Register("redis", server.PingCheck(a.redis, server.StatusDegraded, pingTimeout))
	}

	deps := server.Deps{
		Client:    a.client,
		Scheduler: a.scheduler,
		Monitor:   a.monitor,
		History:   a.history,
	}
	if a.quotaCache != nil {
		deps.Quota = a.quotaCache
	}
	a.server = server.NewServer(deps, cfg.Server.Port)

	return a, nil
}

// configureAuth installs a refreshing token source when a refresh token is
// configured, otherwise the static access token.
func configureAuth(c *api.Client, cfg config.APIConfig) {
	if cfg.OAuth.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuth.TokenURL},
		}
		c.SetTokenSource(oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.OAuth.RefreshToken}))
		return
	}
	if cfg.AccessToken != "" {
		c.SetAccessToken(cfg.AccessToken)
	}
}

// Client returns the platform API client.
func (a *App) Client() *api.Client { return a.client }

// Scheduler returns the sync scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// History returns the history repository in use.
func (a *App) History() storage.HistoryRepository { return a.history }

// Start starts the app and all its components. It does not block.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.limiter.Start(runCtx)

	if a.quotaCache != nil {
		a.goRun(func() { a.quotaCache.Start(runCtx) })
	}
	if a.db != nil {
		a.db.StartMetricsCollector(runCtx)
	}
	if a.pruner != nil {
		a.log.Info("Starting history pruner", "retention", a.cfg.Database.HistoryRetention)
		a.goRun(func() { a.pruner.Start(runCtx) })
	}
	if a.forwarder != nil {
		ch, unsubscribe := a.scheduler.Subscribe(a.cfg.Events.SubscriptionBuffer())
		a.unsubscribe = unsubscribe
		a.goRun(func() { a.forwarder.Run(runCtx, ch) })
	}

	a.scheduler.Start(runCtx)

	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("Admin server failed", "error", err)
		}
	}()

	a.log.Info("adsync started",
		"jobs", len(a.scheduler.Jobs()),
		"port", a.cfg.Server.Port,
		"redis", a.redis != nil,
		"events", a.forwarder != nil)
	return nil
}

// Stop stops the app. Running syncs are cancelled and recorded.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping adsync...")

	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}

	a.scheduler.Stop()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.limiter.Stop()

	if a.forwarder != nil {
		if err := a.forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	a.closeStores()
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}
