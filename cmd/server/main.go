// Command server runs the VTOP gateway: a JSON API that logs students into the portal
// (solving its captcha), keeps their sessions warm and returns scraped academic data.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vtop-hub/vtop-gateway/config"
	"github.com/vtop-hub/vtop-gateway/internal/application/command"
	"github.com/vtop-hub/vtop-gateway/internal/application/eventhandler"
	"github.com/vtop-hub/vtop-gateway/internal/application/query"
	"github.com/vtop-hub/vtop-gateway/internal/domain/captcha"
	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/messaging"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/persistence/postgres"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/persistence/redis"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/registry"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/scheduler"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/vtop-hub/vtop-gateway/internal/interface/http"
	"github.com/vtop-hub/vtop-gateway/internal/interface/http/handlers"
	"github.com/vtop-hub/vtop-gateway/pkg/circuitbreaker"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION & LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	defer func() { _ = log.Sync() }()

	log.Info("starting vtop gateway",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("portal", cfg.Portal.BaseURL),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. CAPTCHA MODELS
	// ─────────────────────────────────────────────────────────────────────────
	solver, disabled, err := captcha.LoadSolver(cfg.Captcha.TemplatesPath, cfg.Captcha.WeightsPath)
	if err != nil {
		return fmt.Errorf("failed to load captcha models: %w", err)
	}
	for _, p := range disabled {
		log.Warn("captcha pipeline disabled: model file missing", logger.Pipeline(p))
	}
	if len(solver.Pipelines()) == 0 {
		return errors.New("no captcha pipeline could be loaded: provision CAPTCHA_TEMPLATES_PATH or CAPTCHA_WEIGHTS_PATH (see models/README.md)")
	}
	log.Info("captcha pipelines loaded", logger.Any("pipelines", solver.Pipelines()))

	// ─────────────────────────────────────────────────────────────────────────
	// 3. OPTIONAL STORES
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewHealthChecker(cfg.App.Version, 3*time.Second)

	var audit session.AuditRepository
	if cfg.Database.Enabled() {
		db, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		applied, err := postgres.NewMigrator(db, postgres.Migrations()).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database ready", logger.Int("migrations_applied", applied))

		audit = postgres.NewAuditRepository(db, breakerLogger(log))
		health.AddCheck("database", handlers.PingCheck(db))
	}

	var (
		semesterCache query.SemesterCache
		semesters     *redis.SemesterCache
	)
	if !cfg.Redis.Disabled {
		cache, err := redis.NewCache(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   3,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			log.Warn("redis unavailable, semester cache disabled", logger.Err(err))
		} else {
			defer func() { _ = cache.Close() }()
			semesters = redis.NewSemesterCache(cache, cfg.Redis.SemesterTTL)
			semesterCache = semesters
			health.AddCheck("redis", handlers.PingCheck(cache))
			log.Info("semester cache enabled", logger.Duration("ttl", cfg.Redis.SemesterTTL))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	bus := messaging.NewInMemoryEventBus(messaging.Config{
		AsyncMode:      true,
		WorkerPoolSize: 4,
		Logger:         log,
	})
	defer func() { _ = bus.Close() }()

	if err := bus.SubscribeAll(logEvent(log)); err != nil {
		return err
	}
	if audit != nil {
		h := eventhandler.NewOnLoginCompletedHandler(audit, 5*time.Second, log)
		if err := bus.Subscribe(shared.EventLoginCompleted, h.Handle); err != nil {
			return err
		}
	}
	if semesters != nil {
		h := eventhandler.NewOnSessionEndedHandler(semesters, log)
		if err := bus.Subscribe(shared.EventSessionEnded, h.Handle); err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. PORTAL, SESSIONS, APPLICATION
	// ─────────────────────────────────────────────────────────────────────────
	portalCfg := vtop.DefaultClientConfig(cfg.Portal.BaseURL)
	if cfg.Portal.CSRFSeed != "" {
		portalCfg.CSRFSeed = cfg.Portal.CSRFSeed
	}
	if cfg.Portal.UserAgent != "" {
		portalCfg.UserAgent = cfg.Portal.UserAgent
	}
	portalCfg.Timeout = cfg.Portal.RequestTimeout
	portalCfg.RequestsPerSecond = cfg.Portal.RequestsPerSecond
	portalCfg.Burst = cfg.Portal.Burst
	portalCfg.BreakerThreshold = cfg.Portal.BreakerThreshold
	portalCfg.BreakerTimeout = cfg.Portal.BreakerTimeout
	portal := vtop.NewPortal(portalCfg, log)

	sessions := registry.New(portal, cfg.Session.IdleTimeout,
		registry.WithLogger(log),
		registry.WithOnEnd(func(digest string, reason session.EndReason, lifetime time.Duration) {
			if err := bus.Publish(session.NewSessionEndedEvent(digest, reason, lifetime)); err != nil {
				log.Debug("session event dropped", logger.Principal(digest), logger.Err(err))
			}
		}),
	)

	orchestrator := command.NewLoginOrchestrator(solver, command.LoginConfig{
		MaxFetchAttempts: cfg.Portal.MaxFetchAttempts,
		MaxCycles:        cfg.Portal.MaxCycles,
		FetchDelay:       cfg.Portal.FetchDelay,
		CycleDelay:       cfg.Portal.CycleDelay,
	}, log)
	auth := command.NewAuthenticator(sessions, orchestrator, bus, cfg.Session.BcryptCost, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{Logger: log})
	if err := sched.Register(jobs.NewSweepSessionsJob(sessions, log), scheduler.Every(cfg.Session.SweepInterval)); err != nil {
		return err
	}
	if audit != nil {
		prune := jobs.NewPruneLoginAuditJob(audit, cfg.Database.AuditRetention, log)
		if err := sched.Register(prune, scheduler.Every(cfg.Database.PruneInterval)); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	server := httpapi.NewServer(httpapi.Config{
		Host:               cfg.HTTP.Host,
		Port:               cfg.HTTP.Port,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		EnableCORS:         cfg.HTTP.EnableCORS,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		TrustProxyHeaders:  cfg.HTTP.TrustProxyHeaders,
		EnableMetrics:      cfg.Observability.MetricsEnabled,
	}, httpapi.Dependencies{
		InitialData:  query.NewGetInitialDataHandler(auth, log),
		SemesterData: query.NewGetSemesterDataHandler(auth, semesterCache, log),
		Sessions:     sessions,
		Portal:       portal,
		Jobs:         sched,
		Events:       bus,
		Health:       health,
		Pipelines:    solver.Pipelines(),
		Version:      cfg.App.Version,
		Logger:       log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", logger.Err(err))
	}
	if err := <-errCh; err != nil {
		log.Error("http server error", logger.Err(err))
	}

	log.Info("shutdown completed", logger.Int("sessions_dropped", sessions.Len()))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setupLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	opts.Format = cfg.Observability.LogFormat
	if cfg.IsDevelopment() && os.Getenv("LOG_FORMAT") == "" {
		opts.Format = "console"
	}
	return logger.New(opts).With(logger.String("service", cfg.App.Name))
}

func breakerLogger(log *logger.Logger) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}
}

func logEvent(log *logger.Logger) shared.EventHandler {
	return func(e shared.Event) error {
		log.Debug("event",
			logger.String("event_type", string(e.EventType())),
			logger.Principal(e.AggregateID()),
			logger.Any("payload", e.Payload()),
		)
		return nil
	}
}
