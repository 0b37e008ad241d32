package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// StripeSecretKey authenticates outbound Stripe API calls.
	StripeSecretKey string

	// StripeWebhookSecret verifies inbound webhook signatures. When empty the
	// webhook endpoint answers every delivery with 400.
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration

	// AppURL is the frontend origin used for checkout and portal return URLs.
	AppURL string

	// InternalAPIToken is shared with the frontend, which forwards the
	// signed-in user's id. Session routes reject everything when empty.
	InternalAPIToken string

	// RedisURL enables webhook event dedupe when set.
	RedisURL  string
	DedupeTTL time.Duration

	WebhookRateLimit float64
	WebhookRateBurst int

	WorkerConcurrency int

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress     = ":18111"
	defaultAppURL            = "http://localhost:3000"
	defaultWebhookTolerance  = 5 * time.Minute
	defaultDedupeTTL         = 72 * time.Hour
	defaultWebhookRateLimit  = 20
	defaultWebhookRateBurst  = 40
	defaultWorkerConcurrency = 2
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultDBMaxOpenConns    = 10
	defaultDBMaxIdleConns    = 5
	defaultDBConnMaxLifetime = 30 * time.Minute

	envServerAddress       = "BACKEND_ADDR"
	envPort                = "PORT"
	envDatabaseURL         = "DATABASE_URL"
	envDBMaxOpenConns      = "DB_MAX_OPEN_CONNS"
	envDBMaxIdleConns      = "DB_MAX_IDLE_CONNS"
	envDBConnMaxLifetime   = "DB_CONN_MAX_LIFETIME"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envWebhookTolerance    = "STRIPE_WEBHOOK_TOLERANCE"
	envAppURL              = "APP_URL"
	envInternalAPIToken    = "INTERNAL_API_TOKEN"
	envRedisURL            = "REDIS_URL"
	envDedupeTTL           = "DEDUPE_TTL"
	envWebhookRateLimit    = "WEBHOOK_RATE_LIMIT"
	envWebhookRateBurst    = "WEBHOOK_RATE_BURST"
	envWorkerConcurrency   = "WORKER_CONCURRENCY"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), portAddress(os.Getenv(envPort)), defaultServerAddress),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		AppURL:              firstNonEmpty(os.Getenv(envAppURL), defaultAppURL),
		InternalAPIToken:    os.Getenv(envInternalAPIToken),
		RedisURL:            os.Getenv(envRedisURL),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	var err error
	if cfg.DatabaseURL, err = LoadDatabaseURL(); err != nil {
		return Config{}, err
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if _, err := url.ParseRequestURI(cfg.AppURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppURL, err)
	}

	if cfg.DBMaxOpenConns, err = intEnv(envDBMaxOpenConns, defaultDBMaxOpenConns); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxIdleConns, err = intEnv(envDBMaxIdleConns, defaultDBMaxIdleConns); err != nil {
		return Config{}, err
	}
	if cfg.DBConnMaxLifetime, err = durationEnv(envDBConnMaxLifetime, defaultDBConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if cfg.StripeWebhookTolerance, err = durationEnv(envWebhookTolerance, defaultWebhookTolerance); err != nil {
		return Config{}, err
	}
	if cfg.DedupeTTL, err = durationEnv(envDedupeTTL, defaultDedupeTTL); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRateLimit, err = floatEnv(envWebhookRateLimit, defaultWebhookRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRateBurst, err = intEnv(envWebhookRateBurst, defaultWebhookRateBurst); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDatabaseURL returns DATABASE_URL alone, for tools that only talk to
// the database.
func LoadDatabaseURL() (string, error) {
	dsn := os.Getenv(envDatabaseURL)
	if dsn == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	return dsn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func portAddress(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func floatEnv(name string, fallback float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}
