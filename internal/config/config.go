package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// It is built once at startup and passed by value; nothing below cmd/ reads the environment.
type Config struct {
	AppEnv      string
	Port        string
	AppURL      string // Public base URL, used as the fallback redirect target for click tracking
	DatabaseURL string
	RedisURL    string // Optional. Enables the atomic quota reservation gate.
	SentryDSN   string

	EncryptionSecret string // ENCRYPTION_SECRET, key material for recipient/subject encryption
	HashSecret       string // HASH_SECRET, HMAC key for IP and SMTP identity hashing
	SessionSecret    string // SESSION_SECRET, HS256 key used to verify bearer tokens

	FreeMonthlyLimit  int64
	DefaultMaxRetries int
	RetryBackoffBase  time.Duration
	UnlimitedCutover  time.Time // Accounts created before this instant get the UNLIMITED plan

	WorkerInterval    time.Duration
	WorkerBatchSize   int
	WorkerMetricsPort string // "off" disables the email worker's /metrics listener
	JanitorSchedule   string
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cutover, err := getEnvAsTime("UNLIMITED_CUTOVER", time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return Config{}, err
	}

	return Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		AppURL:      getEnv("APP_URL", "http://localhost:3000"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		EncryptionSecret: os.Getenv("ENCRYPTION_SECRET"),
		HashSecret:       os.Getenv("HASH_SECRET"),
		SessionSecret:    os.Getenv("SESSION_SECRET"),

		FreeMonthlyLimit:  int64(getEnvAsInt("FREE_MONTHLY_LIMIT", 100)),
		DefaultMaxRetries: getEnvAsInt("DEFAULT_MAX_RETRIES", 3),
		RetryBackoffBase:  getEnvAsDuration("RETRY_BACKOFF_BASE", 5*time.Minute),
		UnlimitedCutover:  cutover,

		WorkerInterval:    getEnvAsDuration("EMAIL_WORKER_INTERVAL", 5*time.Second),
		WorkerBatchSize:   getEnvAsInt("EMAIL_WORKER_BATCH_SIZE", 10),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),
		JanitorSchedule:   getEnv("JANITOR_SCHEDULE", "@hourly"),
	}, nil
}

// Validate fails fast on missing secrets so no binary ever runs with an empty key.
func (c Config) Validate() error {
	var errs []error
	if c.EncryptionSecret == "" {
		errs = append(errs, errors.New("ENCRYPTION_SECRET is required"))
	}
	if c.HashSecret == "" {
		errs = append(errs, errors.New("HASH_SECRET is required"))
	}
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if c.FreeMonthlyLimit < 0 {
		errs = append(errs, fmt.Errorf("FREE_MONTHLY_LIMIT must be >= 0, got %d", c.FreeMonthlyLimit))
	}
	if c.DefaultMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("DEFAULT_MAX_RETRIES must be >= 1, got %d", c.DefaultMaxRetries))
	}
	return errors.Join(errs...)
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

// Helper to read integer env vars
func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val <= 0 {
		return defaultVal
	}
	return val
}

func getEnvAsTime(name string, defaultVal time.Time) (time.Time, error) {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal, nil
	}
	val, err := time.Parse(time.RFC3339, valStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s (want RFC3339): %w", name, err)
	}
	return val, nil
}
