package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/media-jobs-back/internal/config"
	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/events"
	httpserver "github.com/iago/media-jobs-back/internal/http"
	"github.com/iago/media-jobs-back/internal/http/handlers"
	"github.com/iago/media-jobs-back/internal/http/middleware"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/processing"
	"github.com/iago/media-jobs-back/internal/progress"
	"github.com/iago/media-jobs-back/internal/repository"
	"github.com/iago/media-jobs-back/internal/service"
)

const (
	localEventsMaxLen = 500
	shutdownTimeout   = 15 * time.Second
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := config.SetupLogger(cfg)
	if dotenvErr != nil {
		logger.Warn("failed loading .env files", "error", dotenvErr)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, busCloser := setupEvents(ctx, cfg, logger)
	defer busCloser()

	schema, err := processing.ParseSchema(cfg.ProcessingSchema)
	if err != nil {
		return err
	}
	processor := processing.NewClient(processing.ClientConfig{
		BaseURL: cfg.ProcessingBaseURL,
		Path:    cfg.ProcessingPath,
		Schema:  schema,
		Timeout: cfg.ProcessingTimeout,
	})

	accounts := service.NewAccountsService(store, store, store, service.AccountsConfig{
		Limits:          policy.TierLimits{FreeMB: cfg.FreeMaxFileMB, PremiumMB: cfg.PremiumMaxFileMB},
		CacheTTL:        cfg.CacheTTL,
		CacheMaxEntries: cfg.CacheMaxEntries,
		Logger:          logger,
	})
	plans, err := loadPlans(cfg)
	if err != nil {
		return err
	}
	if err := accounts.SeedPlans(ctx, plans); err != nil {
		return err
	}

	relay := progress.NewRelay(store, bus, progress.Config{
		WriteRPS:          cfg.ProgressWriteRPS,
		SimulatedInterval: cfg.SimulatedProgressInterval,
		Logger:            logger,
	})
	// Background submissions outlive the signal context and are cancelled
	// only once draining times out.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	jobs := service.NewJobsService(dispatchCtx, store, accounts, processor, relay, bus, service.JobsConfig{
		MarkFailedOnError: cfg.MarkFailedOnError,
		Logger:            logger,
	})

	session, err := middleware.NewSessionAuth(ctx, middleware.SessionConfig{
		Secret:    cfg.JWTSecret,
		JWKSURL:   cfg.JWKSURL,
		Issuer:    cfg.JWTIssuer,
		Leeway:    cfg.JWTLeeway,
		DevHeader: cfg.DevAccountHeader,
		Logger:    logger,
	}, accounts)
	if err != nil {
		return err
	}

	checks := map[string]handlers.Pinger{"store": store}
	if pinger, ok := bus.(handlers.Pinger); ok {
		checks["events"] = pinger
	}
	api := handlers.NewAPI(handlers.APIConfig{
		Jobs:     jobs,
		Accounts: accounts,
		Checks:   checks,
		Logger:   logger,
	})

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:               api,
		Session:           session,
		Logger:            logger,
		CORSOrigins:       cfg.CORSAllowedOrigins,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Synchronous submissions hold the request open for the whole
	// processing call, so there is no write timeout.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.Port, "processing_schema", schema, "auth", cfg.AuthConfigured())
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer cancelDrain()
	if err := jobs.Drain(drainCtx); err != nil {
		logger.Warn("background submissions still running, aborting", "error", err)
		stopDispatch()
		jobs.Wait()
	}
	return nil
}

// setupStore prefers postgres, then sqlite, then memory.
func setupStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.DatabaseURL != "" {
		if err := repository.MigratePostgres(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("postgres store initialized")
		return store, nil
	}

	if cfg.SQLitePath != "" {
		store, err := repository.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store initialized", "path", cfg.SQLitePath)
		return store, nil
	}

	logger.Warn("DATABASE_URL and SQLITE_PATH not configured, using in-memory store")
	return repository.NewMemoryStore(), nil
}

// setupEvents uses Redis Streams when configured and falls back to an
// in-process bus when Redis is absent or unreachable.
func setupEvents(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Bus, func()) {
	local := func() (events.Bus, func()) {
		return events.NewLocalBus(localEventsMaxLen, cfg.RedisEventsTTL), func() {}
	}
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not configured, using local event bus")
		return local()
	}

	streams, err := events.NewStreamsBus(ctx, events.StreamsConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisEventsPrefix,
		MaxLen:   cfg.RedisEventsMaxLen,
		TTL:      cfg.RedisEventsTTL,
	})
	if err != nil {
		logger.Warn("redis event stream unavailable, falling back to local bus", "error", err)
		return local()
	}
	logger.Info("redis event stream initialized", "prefix", cfg.RedisEventsPrefix)
	return streams, func() {
		_ = streams.Close()
	}
}

func loadPlans(cfg config.Config) ([]domain.Plan, error) {
	if cfg.PlansFile == "" {
		return config.DefaultPlans(cfg), nil
	}
	return config.LoadPlans(cfg.PlansFile)
}
