// Package main implements the email dispatch daemon.
// It polls for due PENDING jobs, hands each to the sender and books the
// outcome (SENT, or a retry with exponential backoff, or FAILED).
//
// Usage:
//
//	go run ./cmd/emailworker
//
// Environment Variables:
//
//	DATABASE_URL - PostgreSQL connection string
//	ENCRYPTION_SECRET - decrypts recipient and subject
//	HASH_SECRET - hashes recipients in logs
//	EMAIL_WORKER_INTERVAL - Poll interval (default: 5s)
//	EMAIL_WORKER_BATCH_SIZE - Max jobs per poll (default: 10)
//	DEFAULT_MAX_RETRIES, RETRY_BACKOFF_BASE - retry policy (default: 3, 5m)
//	WORKER_METRICS_PORT - Prometheus /metrics listener (default: 9091, "off" disables)
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/config"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/dispatch"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage"
	"github.com/Jeffreasy/LaventeCareBulkMail/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.AppEnv).With("component", "emailworker")
	log.Info("Email worker starting...")

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.AppEnv}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := audit.NewJSONLogger()
	codec, err := crypto.NewFieldCodec(cfg.EncryptionSecret, crypto.WithCorruptionHook(func() {
		metrics.CorruptedFields.Inc()
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
	controller := jobs.NewController(store, auditLogger, jobs.Config{
		MaxRetries:  cfg.DefaultMaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
	})

	// SMTP delivery lives outside this service; the log sender stands in for it.
	sender := &dispatch.LogSender{Logger: log, Hasher: hasher}

	worker := dispatch.NewWorker(store, controller, sender, log, dispatch.Config{
		Interval:  cfg.WorkerInterval,
		BatchSize: cfg.WorkerBatchSize,
	})

	var metricsSrv *http.Server
	if cfg.WorkerMetricsPort != "off" {
		metricsSrv = metrics.NewServer(":" + cfg.WorkerMetricsPort)
		go func() {
			log.Info("metrics_listening", "port", cfg.WorkerMetricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics_listener_failed", "error", err)
			}
		}()
	}

	worker.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics_shutdown_failed", "error", err)
		}
	}
	log.Info("Shutdown complete")
}
