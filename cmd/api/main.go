package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/auth"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/config"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/quota"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/tracking"
	"github.com/Jeffreasy/LaventeCareBulkMail/pkg/logger"
)

func main() {
	// 0. Load Configuration (Dev/Local)
	// Errors are ignored: in production these files don't exist and env vars are set directly.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	// 1. Setup Global Logger
	log := logger.Setup(cfg.AppEnv)
	log.Info("application_startup", "env", cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	// 2. Setup Sentry
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.AppEnv,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	// 3. Connect to Database
	ctx := context.Background()
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	// 4. Field encryption and identifier hashing
	auditLogger := audit.NewJSONLogger()
	codec, err := crypto.NewFieldCodec(cfg.EncryptionSecret, crypto.WithCorruptionHook(func() {
		metrics.CorruptedFields.Inc()
		auditLogger.Log(context.Background(), uuid.Nil, audit.EventCorruptedField, "encrypted_field", nil)
	}))
	if err != nil {
		log.Error("codec_init_failed", "error", err)
		os.Exit(1)
	}
	hasher, err := crypto.NewIdentifierHasher(cfg.HashSecret)
	if err != nil {
		log.Error("hasher_init_failed", "error", err)
		os.Exit(1)
	}

	store := storage.NewStore(pool, codec)

	// 5. Optional Redis quota gate
	var gate *quota.Gate
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("redis_url_parse_failed", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis_ping_failed", "error", err)
			os.Exit(1)
		}
		gate = quota.NewGate(rdb)
		log.Info("quota_gate_enabled")
	} else {
		log.Warn("redis_url_missing", "details", "quota_admission_not_atomic")
	}

	engine := quota.NewEngine(store, hasher, cfg.FreeMonthlyLimit)
	tokens, err := auth.NewHMACProvider(cfg.SessionSecret)
	if err != nil {
		log.Error("token_verifier_init_failed", "error", err)
		os.Exit(1)
	}

	// 6. Setup HTTP Server
	server := api.NewServer(api.Deps{
		Store: store,
		Jobs: jobs.NewController(store, auditLogger, jobs.Config{
			MaxRetries:  cfg.DefaultMaxRetries,
			BackoffBase: cfg.RetryBackoffBase,
		}),
		Quota:    engine,
		Admitter: quota.NewAdmitter(engine, gate),
		Hasher:   hasher,
		Tracking: tracking.NewHandler(tracking.NewCorrelator(store), cfg.AppURL),
		Verifier: tokens,
		Audit:    auditLogger,
		DB:       pool,
	})
	defer server.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: api.WriteTimeout,
	}

	// 7. Start Server with Graceful Shutdown
	serverErrors := make(chan error, 1)

	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	// 8. Block for Shutdown Signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), api.WriteTimeout+5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		log.Info("server_shutdown_complete")
	}
}
