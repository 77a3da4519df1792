package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal engine.
type Config struct {
	Port string

	// Storage
	DBPath string

	// Logging
	LogDir   string
	LogDebug bool

	// Shared secrets
	WebhookToken    string
	MarketFeedToken string
	JWTSecret       string

	// Ingestion
	SignalTTL time.Duration

	// Exchange calls
	CallTimeout      time.Duration
	FillPollAttempts int
	FillPollInterval time.Duration

	// Retry policy (transient errors only)
	RetryBase       time.Duration
	RetryFactor     float64
	RetryCap        time.Duration
	RetryMaxRetries int

	// Dispatch
	CredentialQueueSize int     // bounded admission queue per credential
	CredentialRPS       float64 // pacing per credential
	PipelineWorkers     int     // concurrent dispatches across all signals

	// Credential registry
	RegistryCacheTTL  time.Duration
	RegistryCacheSize int

	// Position supervision
	PollInterval    time.Duration
	PollJitter      time.Duration
	MaxHoldDuration time.Duration
	PriceCacheTTL   time.Duration

	// Balance snapshots
	BalanceTTL       time.Duration
	BalanceFromVenue bool
	QuoteCoin        string

	// Market gate feed (optional poller)
	MarketFeedURL      string
	MarketFeedInterval time.Duration

	// Background sweeps
	ReconcileInterval time.Duration
	LedgerInterval    time.Duration

	// Deployment policy (thresholds, rates, venue endpoints)
	PolicyFile string
	Policy     *Policy
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/signal-engine.db"),
		LogDir:              getEnv("LOG_DIR", "./logs"),
		LogDebug:            getEnvBool("LOG_DEBUG", false),
		WebhookToken:        os.Getenv("WEBHOOK_TOKEN"),
		MarketFeedToken:     os.Getenv("MARKET_FEED_TOKEN"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		SignalTTL:           getEnvDuration("SIGNAL_TTL", 120*time.Second),
		CallTimeout:         getEnvDuration("EXCHANGE_CALL_TIMEOUT", 10*time.Second),
		FillPollAttempts:    getEnvInt("FILL_POLL_ATTEMPTS", 5),
		FillPollInterval:    getEnvDuration("FILL_POLL_INTERVAL", 250*time.Millisecond),
		RetryBase:           getEnvDuration("RETRY_BASE", 500*time.Millisecond),
		RetryFactor:         getEnvFloat("RETRY_FACTOR", 2),
		RetryCap:            getEnvDuration("RETRY_CAP", 4*time.Second),
		RetryMaxRetries:     getEnvInt("RETRY_MAX", 3),
		CredentialQueueSize: getEnvInt("CREDENTIAL_QUEUE_SIZE", 8),
		CredentialRPS:       getEnvFloat("CREDENTIAL_RPS", 5),
		PipelineWorkers:     getEnvInt("PIPELINE_WORKERS", 32),
		RegistryCacheTTL:    getEnvDuration("REGISTRY_CACHE_TTL", 5*time.Minute),
		RegistryCacheSize:   getEnvInt("REGISTRY_CACHE_SIZE", 1000),
		PollInterval:        getEnvDuration("SUPERVISOR_POLL_INTERVAL", 60*time.Second),
		PollJitter:          getEnvDuration("SUPERVISOR_POLL_JITTER", 5*time.Second),
		MaxHoldDuration:     getEnvDuration("SUPERVISOR_MAX_HOLD", 60*time.Minute),
		PriceCacheTTL:       getEnvDuration("PRICE_CACHE_TTL", 5*time.Second),
		BalanceTTL:          getEnvDuration("BALANCE_TTL", time.Minute),
		BalanceFromVenue:    getEnvBool("BALANCE_FROM_VENUE", false),
		QuoteCoin:           strings.ToUpper(getEnv("QUOTE_COIN", "USDT")),
		MarketFeedURL:       os.Getenv("MARKET_FEED_URL"),
		MarketFeedInterval:  getEnvDuration("MARKET_FEED_INTERVAL", 5*time.Minute),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		LedgerInterval:      getEnvDuration("LEDGER_BACKFILL_INTERVAL", 10*time.Minute),
		PolicyFile:          os.Getenv("POLICY_FILE"),
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.WebhookToken == "" {
		return fmt.Errorf("WEBHOOK_TOKEN is required")
	}
	if c.SignalTTL <= 0 {
		return fmt.Errorf("SIGNAL_TTL must be positive")
	}
	if c.CredentialQueueSize <= 0 {
		return fmt.Errorf("CREDENTIAL_QUEUE_SIZE must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("SUPERVISOR_POLL_INTERVAL must be positive")
	}
	if c.PollJitter < 0 || c.PollJitter >= c.PollInterval {
		return fmt.Errorf("SUPERVISOR_POLL_JITTER must be in [0, poll interval)")
	}
	if c.RetryFactor < 1 {
		return fmt.Errorf("RETRY_FACTOR must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
