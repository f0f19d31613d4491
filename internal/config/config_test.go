package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BANK_API_BASE_URL", "http://bank.local")
	t.Setenv("LEDGER_API_BASE_URL", "http://ledger.local")
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setRequiredEnv(t)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port, got %q", cfg.ServerPort)
	}
	if !cfg.TransferMinAmount.Equal(decimal.RequireFromString("1")) || !cfg.TransferMaxAmount.Equal(decimal.RequireFromString("1000000")) {
		t.Fatalf("unexpected amount bounds %s..%s", cfg.TransferMinAmount, cfg.TransferMaxAmount)
	}
	if cfg.RetryBaseDelay() != 200*time.Millisecond || cfg.RetryMaxAttempts != 5 {
		t.Fatalf("unexpected retry defaults: %s x%d", cfg.RetryBaseDelay(), cfg.RetryMaxAttempts)
	}
	if cfg.RecoveryStaleAfter() != 2*time.Minute {
		t.Fatalf("expected 2m stale threshold, got %s", cfg.RecoveryStaleAfter())
	}
	if cfg.EventsExchange != "bridge.events" || cfg.RecoverySchedule != "@every 1m" {
		t.Fatalf("unexpected defaults: exchange=%q schedule=%q", cfg.EventsExchange, cfg.RecoverySchedule)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setRequiredEnv(t)
	t.Setenv("TRANSFER_MIN_AMOUNT", "abc")
	t.Setenv("TRANSFER_MAX_AMOUNT", "-5")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("RETRY_BASE_DELAY_MS", "1000")
	t.Setenv("RETRY_MAX_DELAY_MS", "10")
	t.Setenv("TRANSFER_RATE_LIMIT_PER_MINUTE", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.TransferMinAmount.Equal(decimal.RequireFromString("1")) || !cfg.TransferMaxAmount.Equal(decimal.RequireFromString("1000000")) {
		t.Fatalf("expected default bounds, got %s..%s", cfg.TransferMinAmount, cfg.TransferMaxAmount)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Fatalf("expected default attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryMaxDelayMS != 1000 {
		t.Fatalf("expected max delay raised to base delay, got %d", cfg.RetryMaxDelayMS)
	}
	if cfg.TransferRateLimitPerMinute != 0 {
		t.Fatalf("expected rate limit disabled, got %d", cfg.TransferRateLimitPerMinute)
	}
}

func TestLoadConfig_OverridesAndCORSList(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("TRANSFER_MAX_AMOUNT", "2500.5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com ,")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT override, got %q", cfg.ServerPort)
	}
	if !cfg.TransferMaxAmount.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("expected max 2500.5, got %s", cfg.TransferMaxAmount)
	}
	if strings.Join(cfg.CORSAllowedOrigins, "|") != "https://app.example.com|https://admin.example.com" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_RequiresSecrets(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BANK_API_BASE_URL", "http://bank.local")
	t.Setenv("LEDGER_API_BASE_URL", "http://ledger.local")

	_, err := LoadConfig(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}
}
