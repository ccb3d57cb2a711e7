// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all settlement engine configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex-encoded refund signer key, no 0x prefix

	// Booking provider
	ProviderURL    string
	ProviderAPIKey string
	ProviderName   string

	// Settlement timing
	PollInterval        time.Duration // Contract observer poll cadence
	PaymentExpiry       time.Duration // How long a deal may stay unfunded
	ObserverConcurrency int           // Max concurrent on-chain reads per poll

	// Retry bounds
	BookingMaxAttempts int
	RefundMaxAttempts  int
	RewardMaxAttempts  int

	// Rewards
	RewardRateBps int64  // Reward as basis points of the deal price
	RewardAsset   string // Token contract used for reward payouts

	// Alerting
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultRPCURL       = "https://rpc.gnosischain.com"
	DefaultChainID      = 100 // Gnosis Chain
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultProviderName = "derbySoft"

	DefaultPollInterval        = 5 * time.Second
	DefaultPaymentExpiry       = 10 * time.Minute
	DefaultObserverConcurrency = 8

	DefaultBookingMaxAttempts = 3
	DefaultRefundMaxAttempts  = 5
	DefaultRewardMaxAttempts  = 5

	DefaultRewardRateBps = 100 // 1%
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		RPCURL:     getEnv("RPC_URL", DefaultRPCURL),
		ChainID:    getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey: os.Getenv("PRIVATE_KEY"),

		ProviderURL:    os.Getenv("PROVIDER_URL"),
		ProviderAPIKey: os.Getenv("PROVIDER_API_KEY"),
		ProviderName:   getEnv("PROVIDER_NAME", DefaultProviderName),

		PollInterval:        getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PaymentExpiry:       getEnvDuration("PAYMENT_EXPIRY", DefaultPaymentExpiry),
		ObserverConcurrency: int(getEnvInt64("OBSERVER_CONCURRENCY", DefaultObserverConcurrency)),

		BookingMaxAttempts: int(getEnvInt64("BOOKING_MAX_ATTEMPTS", DefaultBookingMaxAttempts)),
		RefundMaxAttempts:  int(getEnvInt64("REFUND_MAX_ATTEMPTS", DefaultRefundMaxAttempts)),
		RewardMaxAttempts:  int(getEnvInt64("REWARD_MAX_ATTEMPTS", DefaultRewardMaxAttempts)),

		RewardRateBps: getEnvInt64("REWARD_RATE_BPS", DefaultRewardRateBps),
		RewardAsset:   os.Getenv("REWARD_ASSET"),

		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ProviderURL == "" {
		return fmt.Errorf("PROVIDER_URL is required")
	}

	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.RewardRateBps < 0 || c.RewardRateBps > 10000 {
		return fmt.Errorf("REWARD_RATE_BPS must be between 0 and 10000")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
