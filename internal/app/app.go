// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/board-notify/internal/config"
	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/notifications"
	"github.com/bissquit/board-notify/internal/notifications/kafka"
	"github.com/bissquit/board-notify/internal/notifications/line"
	"github.com/bissquit/board-notify/internal/notifications/mattermost"
	notificationspostgres "github.com/bissquit/board-notify/internal/notifications/postgres"
	"github.com/bissquit/board-notify/internal/notifications/redislock"
	"github.com/bissquit/board-notify/internal/pkg/ctxlog"
	"github.com/bissquit/board-notify/internal/pkg/httputil"
	"github.com/bissquit/board-notify/internal/pkg/jwtauth"
	"github.com/bissquit/board-notify/internal/pkg/metrics"
	"github.com/bissquit/board-notify/internal/pkg/postgres"
	"github.com/bissquit/board-notify/internal/preferences"
	preferencespostgres "github.com/bissquit/board-notify/internal/preferences/postgres"
	"github.com/bissquit/board-notify/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server

	background       context.Context
	backgroundCancel context.CancelFunc
	backgroundWG     sync.WaitGroup

	dispatcher *notifications.Dispatcher
	scheduler  *notifications.Scheduler
	consumer   *kafka.Consumer
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting board-notify", "version", version.String())

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	background, cancel := context.WithCancel(context.Background())
	app := &App{
		config:           cfg,
		logger:           logger,
		db:               db,
		background:       background,
		backgroundCancel: cancel,
	}

	registerCollector(metrics.NewPoolCollector(db))

	if cfg.Redis.Enabled {
		app.redis, err = redislock.Connect(connectCtx, redislock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			app.closeResources()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	router, err := app.setupRouter()
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers and background workers. It blocks until the
// API server stops.
func (a *App) Run() error {
	a.startBackground()

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, stops background workers and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.backgroundCancel()
	a.backgroundWG.Wait()

	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	a.backgroundCancel()

	var err error
	if a.redis != nil {
		if closeErr := a.redis.Close(); closeErr != nil {
			err = fmt.Errorf("close redis: %w", closeErr)
		}
	}
	a.db.Close()
	return err
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Scheduler returns the flush scheduler. Returns nil if notifications are disabled.
func (a *App) Scheduler() *notifications.Scheduler {
	return a.scheduler
}

func (a *App) startBackground() {
	if a.scheduler != nil {
		a.scheduler.Start(a.background)
	}

	if a.consumer != nil {
		a.backgroundWG.Add(1)
		go func() {
			defer a.backgroundWG.Done()
			if err := a.consumer.Run(a.background); err != nil {
				a.logger.Error("card event consumer stopped", "error", err)
			}
		}()
	}

	a.backgroundWG.Add(1)
	go func() {
		defer a.backgroundWG.Done()
		a.collectQueueMetrics(a.background, notificationspostgres.NewRepository(a.db))
	}()
}

func (a *App) collectQueueMetrics(ctx context.Context, queue notifications.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := queue.QueueStats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("failed to get queue stats", "error", err)
				}
				continue
			}
			notifications.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	tokens, err := jwtauth.NewValidator(jwtauth.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
		Leeway:    a.config.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	preferencesService := preferences.NewService(preferencespostgres.NewRepository(a.db))
	preferencesHandler := preferences.NewHandler(preferencesService)

	queueRepo := notificationspostgres.NewRepository(a.db)
	if err := a.setupNotifications(queueRepo, preferencesService); err != nil {
		return nil, err
	}

	var flusher notifications.Flusher = disabledFlusher{}
	if a.scheduler != nil {
		flusher = a.scheduler
	}
	var notifier notifications.Notifier = disabledNotifier{}
	if a.dispatcher != nil {
		notifier = a.dispatcher
	}
	notificationsHandler := notifications.NewHandler(notifier, flusher, queueRepo, queueRepo)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(tokens))

		preferencesHandler.RegisterRoutes(r)
		notificationsHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			notificationsHandler.RegisterOperatorRoutes(r)
		})
	})

	return r, nil
}

func (a *App) setupNotifications(queue *notificationspostgres.Repository, prefs notifications.PreferenceReader) error {
	cfg := a.config.Notifications

	slog.Info("notifications configured",
		"enabled", cfg.Enabled,
		"broadcast_enabled", cfg.Broadcast.Enabled,
		"push_enabled", cfg.Push.Enabled,
		"redis_lock", a.redis != nil,
		"kafka_enabled", a.config.Kafka.Enabled,
	)

	if !cfg.Enabled {
		return nil
	}

	broadcast, err := mattermost.NewSender(mattermost.Config{
		Enabled:    cfg.Broadcast.Enabled,
		WebhookURL: cfg.Broadcast.WebhookURL,
		Username:   cfg.Broadcast.Username,
		IconURL:    cfg.Broadcast.IconURL,
		Channel:    cfg.Broadcast.Channel,
		Timeout:    cfg.Broadcast.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create broadcast sender: %w", err)
	}

	lineSender, err := line.NewSender(line.Config{
		Enabled:            cfg.Push.Enabled,
		ChannelAccessToken: cfg.Push.ChannelAccessToken,
		APIURL:             cfg.Push.APIURL,
		RateLimit:          cfg.Push.RateLimit,
		Timeout:            cfg.Push.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create push sender: %w", err)
	}

	var personal notifications.PersonalChannel = lineSender
	if cfg.Push.Enabled {
		personal = notifications.NewProtectedPersonalChannel(lineSender, notifications.NewCircuitBreaker(notifications.BreakerConfig{
			Name:                "line",
			MaxFailures:         cfg.Breaker.MaxFailures,
			RecoveryTimeout:     cfg.Breaker.Timeout,
			HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxCalls,
		}))
	} else {
		slog.Warn("push sender is disabled: personal notifications will not be delivered")
	}

	a.dispatcher = notifications.NewDispatcher(notifications.DispatcherConfig{
		BroadcastTimeout: cfg.Dispatcher.BroadcastTimeout,
		SendTimeout:      cfg.Dispatcher.SendTimeout,
		MaxConcurrency:   cfg.Dispatcher.MaxConcurrency,
		Location:         cfg.Location(),
	}, queue, queue, prefs, broadcast, personal)

	job := notifications.NewFlushJob(notifications.FlushConfig{
		Workers:     cfg.Flush.Workers,
		SendTimeout: cfg.Flush.SendTimeout,
	}, queue, personal, a.logger)

	var locker notifications.FlushLocker
	if a.redis != nil {
		locker = redislock.New(a.redis, a.config.Redis.LockKey)
	}
	a.scheduler = notifications.NewScheduler(notifications.SchedulerConfig{
		Interval:  cfg.Flush.Interval,
		LockTTL:   cfg.Flush.LockTTL,
		Retention: cfg.Flush.Retention,
	}, job, queue, locker)

	if a.config.Kafka.Enabled {
		a.consumer = kafka.NewConsumer(kafka.Config{
			Brokers: a.config.Kafka.Brokers,
			GroupID: a.config.Kafka.GroupID,
			Topic:   a.config.Kafka.Topic,
		}, a.dispatcher)
	}

	return nil
}

// disabledNotifier drops events when notifications are turned off.
type disabledNotifier struct{}

func (disabledNotifier) Notify(ctx context.Context, event domain.CardEvent) {
	ctxlog.FromContext(ctx).Debug("notifications disabled, dropping card event", "project", event.ProjectName)
}

// disabledFlusher rejects manual flushes when notifications are turned off.
type disabledFlusher struct{}

func (disabledFlusher) RunOnce(context.Context) (notifications.FlushResult, error) {
	return notifications.FlushResult{}, notifications.ErrChannelNotEnabled
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "database", "error", err)
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "redis", "error", err)
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	httputil.JSON(w, status, checks)
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

// registerCollector registers c, tolerating a collector already registered by
// an earlier App in the same process.
func registerCollector(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			slog.Warn("failed to register metrics collector", "error", err)
		}
	}
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
