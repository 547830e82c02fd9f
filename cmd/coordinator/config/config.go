package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized coordinator option with its default applied.
type Config struct {
	MarketplaceID string
	RouterPort    int

	RequestTimeout time.Duration
	SagaTimeout    time.Duration
	Workers        int

	StateDirectory string
	StateDSN       string

	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryBackoffMultiple float64
	RetryMaxDelay        time.Duration

	OrderDelay time.Duration

	OpsAddr    string
	HealthAddr string
}

// Load reads coordinator configuration from env, falling back to the
// documented defaults for every unset key.
func Load() (Config, error) {
	cfg := Config{
		MarketplaceID:  stringOr("MARKETPLACE_ID", "marketplace1"),
		StateDirectory: stringOr("SAGA_STATE_DIRECTORY", "./saga-states"),
		StateDSN:       strings.TrimSpace(os.Getenv("SAGA_STATE_DSN")),
		OpsAddr:        stringOr("OPS_ADDR", ":8081"),
		HealthAddr:     stringOr("HEALTH_ADDR", ":7070"),
	}

	var err error
	if cfg.RouterPort, err = intOr("MARKETPLACE_ROUTER_PORT", 5555); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = millisOr("REQUEST_TIMEOUT_MS", 5000); err != nil {
		return cfg, err
	}
	if cfg.SagaTimeout, err = secondsOr("SAGA_TIMEOUT_SECONDS", 60); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = intOr("SAGA_PROCESSING_THREADS", 20); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = millisOr("RETRY_BASE_DELAY_MS", 1000); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoffMultiple, err = floatOr("RETRY_BACKOFF_MULTIPLIER", 2.0); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = millisOr("RETRY_MAX_DELAY_MS", 30000); err != nil {
		return cfg, err
	}
	if cfg.OrderDelay, err = millisOr("ORDER_DELAY_MS", 5000); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func stringOr(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intOr(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func floatOr(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return val, nil
}

func millisOr(name string, fallback int64) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return time.Duration(fallback) * time.Millisecond, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return time.Duration(val) * time.Millisecond, nil
}

func secondsOr(name string, fallback int64) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return time.Duration(val) * time.Second, nil
}
