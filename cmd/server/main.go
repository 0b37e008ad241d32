package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/billing"
	"github.com/PortNumber53/saas-starter/backend/internal/config"
	"github.com/PortNumber53/saas-starter/backend/internal/dedupe"
	"github.com/PortNumber53/saas-starter/backend/internal/handlers"
	"github.com/PortNumber53/saas-starter/backend/internal/httpserver"
	"github.com/PortNumber53/saas-starter/backend/internal/logging"
	"github.com/PortNumber53/saas-starter/backend/internal/metrics"
	"github.com/PortNumber53/saas-starter/backend/internal/migrations"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
	"github.com/PortNumber53/saas-starter/backend/internal/stripe"
	"github.com/PortNumber53/saas-starter/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.Warn().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level, using info")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(logger, "primary", cfg.DatabaseURL)
	configureDB(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create job store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "saas")

	stripeClient, err := stripe.NewClient(cfg.StripeSecretKey,
		stripe.WithMetrics(m),
		stripe.WithLogger(logger.With().Str("component", "stripe").Logger()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stripe client")
	}

	guard := connectDedupe(ctx, cfg, logger)

	billingLog := logger.With().Str("component", "billing").Logger()
	catalog := billing.NewCatalogSync(st, billingLog)
	reconciler := billing.NewReconciler(st, stripeClient, m, billingLog)
	payments := billing.NewPaymentRecorder(st, billingLog)
	dispatcher := billing.NewDispatcher(catalog, reconciler, payments, m, billingLog)
	if cfg.StripeWebhookSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET is empty; webhook deliveries will be rejected")
	}
	webhook := handlers.NewWebhookHandler(
		billing.NewVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance),
		dispatcher, guard, m, billingLog,
	)

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(workerCfg, jobStore, logger.With().Str("component", "worker").Logger())
	jobWorker.SetInstrumentation(m.WorkerInstrumentation())
	worker.RegisterBillingJobs(jobWorker, reconciler, catalog, stripeClient)

	srv := httpserver.New(cfg, httpserver.Dependencies{
		Logger:   logger,
		DB:       st,
		Users:    st,
		Billing:  st,
		Provider: stripeClient,
		Webhook:  webhook,
		Metrics:  m,
		Jobs:     jobWorker,
		Worker:   jobWorker,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB, cfg config.Config) {
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
}

// connectDedupe returns the Redis-backed guard, or Noop when Redis is not
// configured or unreachable at startup.
func connectDedupe(ctx context.Context, cfg config.Config, logger zerolog.Logger) dedupe.Guard {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set; webhook event dedupe disabled")
		return dedupe.Noop{}
	}

	client, err := dedupe.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable; webhook event dedupe disabled")
		return dedupe.Noop{}
	}

	dc := dedupe.DefaultConfig()
	dc.TTL = cfg.DedupeTTL
	guard, err := dedupe.NewRedis(client, dc)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid dedupe configuration; webhook event dedupe disabled")
		return dedupe.Noop{}
	}
	logger.Info().Dur("ttl", dc.TTL).Msg("webhook event dedupe enabled")
	return guard
}

func runMigrationsWithDirtyFix(db *sql.DB, logger zerolog.Logger) error {
	if err := migrations.Up(db, logger); err != nil {
		if !strings.Contains(err.Error(), "Dirty database version") {
			return err
		}
		logger.Warn().Err(err).Msg("migrations: dirty database detected, attempting to fix")
		if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
			logger.Error().Err(fixErr).Msg("migrations: failed to fix dirty database")
			return err
		}
		return migrations.Up(db, logger)
	}
	return nil
}

func logDBTarget(logger zerolog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	logger.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database configured")
}
