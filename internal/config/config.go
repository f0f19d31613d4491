/**
 * @description
 * This package handles the configuration management for the bridge service. It
 * uses Viper to read configuration from environment variables and an optional
 * .env file, and coerces invalid values to safe defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/shopspring/decimal: transfer amount bounds.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultMinAmount = "1"
	defaultMaxAmount = "1000000"
)

// Config holds all the configuration variables for the bridge service.
type Config struct {
	ServerPort                 string   `mapstructure:"SERVER_PORT"`
	DatabaseURL                string   `mapstructure:"DATABASE_URL"`
	RedisURL                   string   `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string   `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string   `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string   `mapstructure:"EVENTS_EXCHANGE"`
	BankAPIBaseURL             string   `mapstructure:"BANK_API_BASE_URL"`
	BankAPIKey                 string   `mapstructure:"BANK_API_KEY"`
	LedgerAPIBaseURL           string   `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey               string   `mapstructure:"LEDGER_API_KEY"`
	LedgerNetwork              string   `mapstructure:"LEDGER_NETWORK"`
	JWTSecret                  string   `mapstructure:"JWT_SECRET"`
	JWTTTLMinutes              int      `mapstructure:"JWT_TTL_MINUTES"`
	TransferMinAmountRaw       string   `mapstructure:"TRANSFER_MIN_AMOUNT"`
	TransferMaxAmountRaw       string   `mapstructure:"TRANSFER_MAX_AMOUNT"`
	RemoteTimeoutMS            int      `mapstructure:"REMOTE_TIMEOUT_MS"`
	RetryBaseDelayMS           int      `mapstructure:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMS            int      `mapstructure:"RETRY_MAX_DELAY_MS"`
	RetryMaxAttempts           int      `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RecoverySchedule           string   `mapstructure:"RECOVERY_SCHEDULE"`
	RecoveryStaleSeconds       int      `mapstructure:"RECOVERY_STALE_SECONDS"`
	LimboReportSchedule        string   `mapstructure:"LIMBO_REPORT_SCHEDULE"`
	OutboxPollIntervalMS       int      `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	TransferRateLimitPerMinute int      `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	LogLevel                   string   `mapstructure:"LOG_LEVEL"`
	LogFormat                  string   `mapstructure:"LOG_FORMAT"`
	CORSAllowedOriginsRaw      string   `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CORSAllowedOrigins         []string `mapstructure:"-"`

	TransferMinAmount decimal.Decimal `mapstructure:"-"`
	TransferMaxAmount decimal.Decimal `mapstructure:"-"`
}

// RemoteTimeout is the per-call HTTP timeout for the bank and ledger gateways.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutMS) * time.Millisecond
}

// RetryBaseDelay is the first backoff delay.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay caps the backoff delay.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// RecoveryStaleAfter is how long a non-terminal transfer may sit before recovery picks it up.
func (c Config) RecoveryStaleAfter() time.Duration {
	return time.Duration(c.RecoveryStaleSeconds) * time.Second
}

// JWTTTL is the session token lifetime.
func (c Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLMinutes) * time.Minute
}

// OutboxPollInterval is the outbox dispatcher tick.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// LoadConfig reads configuration from environment variables and the optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "bridge:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "bridge.events")
	viper.SetDefault("LEDGER_NETWORK", "testnet")
	viper.SetDefault("JWT_TTL_MINUTES", 60)
	viper.SetDefault("TRANSFER_MIN_AMOUNT", defaultMinAmount)
	viper.SetDefault("TRANSFER_MAX_AMOUNT", defaultMaxAmount)
	viper.SetDefault("REMOTE_TIMEOUT_MS", 10000)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 200)
	viper.SetDefault("RETRY_MAX_DELAY_MS", 5000)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("RECOVERY_SCHEDULE", "@every 1m")
	viper.SetDefault("RECOVERY_STALE_SECONDS", 120)
	viper.SetDefault("LIMBO_REPORT_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL",
		"EVENTS_EXCHANGE", "BANK_API_BASE_URL", "BANK_API_KEY", "LEDGER_API_BASE_URL", "LEDGER_API_KEY",
		"LEDGER_NETWORK", "JWT_SECRET", "JWT_TTL_MINUTES", "TRANSFER_MIN_AMOUNT", "TRANSFER_MAX_AMOUNT",
		"REMOTE_TIMEOUT_MS", "RETRY_BASE_DELAY_MS", "RETRY_MAX_DELAY_MS", "RETRY_MAX_ATTEMPTS",
		"RECOVERY_SCHEDULE", "RECOVERY_STALE_SECONDS", "LIMBO_REPORT_SCHEDULE", "OUTBOX_POLL_INTERVAL_MS",
		"TRANSFER_RATE_LIMIT_PER_MINUTE", "LOG_LEVEL", "LOG_FORMAT", "CORS_ALLOWED_ORIGINS",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()

	if strings.TrimSpace(config.JWTSecret) == "" {
		return config, errors.New("JWT_SECRET is required")
	}
	if strings.TrimSpace(config.BankAPIBaseURL) == "" || strings.TrimSpace(config.LedgerAPIBaseURL) == "" {
		return config, errors.New("BANK_API_BASE_URL and LEDGER_API_BASE_URL are required")
	}
	return config, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = "bridge:rate_limit"
	}
	if strings.TrimSpace(c.EventsExchange) == "" {
		c.EventsExchange = "bridge.events"
	}

	c.TransferMinAmount = parseAmount("TRANSFER_MIN_AMOUNT", c.TransferMinAmountRaw, defaultMinAmount)
	c.TransferMaxAmount = parseAmount("TRANSFER_MAX_AMOUNT", c.TransferMaxAmountRaw, defaultMaxAmount)
	if c.TransferMaxAmount.LessThan(c.TransferMinAmount) {
		log.Printf("level=warn component=config msg=\"max transfer amount below min; using defaults\" min=%s max=%s", c.TransferMinAmount, c.TransferMaxAmount)
		c.TransferMinAmount = decimal.RequireFromString(defaultMinAmount)
		c.TransferMaxAmount = decimal.RequireFromString(defaultMaxAmount)
	}

	c.JWTTTLMinutes = positiveOr("JWT_TTL_MINUTES", c.JWTTTLMinutes, 60)
	c.RemoteTimeoutMS = positiveOr("REMOTE_TIMEOUT_MS", c.RemoteTimeoutMS, 10000)
	c.RetryBaseDelayMS = positiveOr("RETRY_BASE_DELAY_MS", c.RetryBaseDelayMS, 200)
	c.RetryMaxDelayMS = positiveOr("RETRY_MAX_DELAY_MS", c.RetryMaxDelayMS, 5000)
	if c.RetryMaxDelayMS < c.RetryBaseDelayMS {
		c.RetryMaxDelayMS = c.RetryBaseDelayMS
	}
	c.RetryMaxAttempts = positiveOr("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts, 5)
	c.RecoveryStaleSeconds = positiveOr("RECOVERY_STALE_SECONDS", c.RecoveryStaleSeconds, 120)
	c.OutboxPollIntervalMS = positiveOr("OUTBOX_POLL_INTERVAL_MS", c.OutboxPollIntervalMS, 1200)
	if c.TransferRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative TRANSFER_RATE_LIMIT_PER_MINUTE; disabling rate limit\" value=%d", c.TransferRateLimitPerMinute)
		c.TransferRateLimitPerMinute = 0
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	c.CORSAllowedOrigins = nil
	for _, origin := range strings.Split(c.CORSAllowedOriginsRaw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			c.CORSAllowedOrigins = append(c.CORSAllowedOrigins, origin)
		}
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
}

func parseAmount(key, raw, fallback string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !value.IsPositive() {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%s", key, raw, fallback)
		return decimal.RequireFromString(fallback)
	}
	return value
}

func positiveOr(key string, value, fallback int) int {
	if value <= 0 {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%d default=%d", key, value, fallback)
		return fallback
	}
	return value
}
