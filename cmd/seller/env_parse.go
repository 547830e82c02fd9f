package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type sellerConfig struct {
	SellerID        string
	CoordinatorAddr string

	InventorySize      int
	ReservationTimeout time.Duration
	CleanupInterval    time.Duration

	IdempotencyRetention time.Duration
	IdempotencyRedisURL  string

	ProcessingDelay   time.Duration
	HeartbeatInterval time.Duration
}

func loadSellerConfig() (sellerConfig, error) {
	cfg := sellerConfig{
		SellerID:            stringOr("SELLER_ID", "seller1"),
		CoordinatorAddr:     stringOr("MARKETPLACE_ADDR", "localhost:5555"),
		IdempotencyRedisURL: strings.TrimSpace(os.Getenv("IDEMPOTENCY_REDIS_URL")),
	}

	var err error
	if cfg.InventorySize, err = intOr("SELLER_INVENTORY_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.ReservationTimeout, err = millisOr("RESERVATION_TIMEOUT_MS", 300000); err != nil {
		return cfg, err
	}
	if cfg.CleanupInterval, err = secondsOr("CLEANUP_INTERVAL_SECONDS", 60); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyRetention, err = millisOr("IDEMPOTENCY_RETENTION_TIME_MS", 1800000); err != nil {
		return cfg, err
	}
	if cfg.ProcessingDelay, err = millisOr("SELLER_PROCESSING_DELAY_MS", 0); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatInterval, err = secondsOr("HEARTBEAT_INTERVAL_SECONDS", 30); err != nil {
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
