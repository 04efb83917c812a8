package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/config"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage"
	"github.com/Jeffreasy/LaventeCareBulkMail/pkg/logger"
)

// challengePurger is the part of the store the janitor needs.
type challengePurger interface {
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	// 1. Init Logger & Config
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.AppEnv).With("component", "janitor")
	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	// 2. DB Connection
	ctx := context.Background()
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	codec, err := crypto.NewFieldCodec(cfg.EncryptionSecret)
	if err != nil {
		log.Error("codec_init_failed", "error", err)
		os.Exit(1)
	}
	store := storage.NewStore(pool, codec)

	// 3. Scheduler
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.JanitorSchedule, func() { runJanitor(ctx, store, log) }); err != nil {
		log.Error("invalid_janitor_schedule", "schedule", cfg.JanitorSchedule, "error", err)
		os.Exit(1)
	}
	log.Info("🧹 Janitor Worker Started", "schedule", cfg.JanitorSchedule)

	// Run once at startup so results show up immediately in dev.
	runJanitor(ctx, store, log)
	c.Start()

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("🛑 Janitor shutting down...")
	<-c.Stop().Done()
}

func runJanitor(ctx context.Context, store challengePurger, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	count, err := store.PurgeExpiredChallenges(ctx, time.Now())
	if err != nil {
		log.Error("Failed to clean auth_challenges", "error", err)
	} else if count > 0 {
		log.Info("Cleaned auth_challenges", "deleted", count)
	}
}
