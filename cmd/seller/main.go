package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bazaar/internal/idempotency"
	"bazaar/internal/reliability"
	"bazaar/internal/seller"

	"github.com/redis/go-redis/v9"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("seller error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadSellerConfig()
	if err != nil {
		return err
	}

	stock := make(map[string]int)
	for i := 1; i <= 3; i++ {
		stock[fmt.Sprintf("P%d", i)] = cfg.InventorySize
	}

	inventory := seller.NewInventory(cfg.SellerID, stock, seller.InventoryConfig{
		ReservationTimeout: cfg.ReservationTimeout,
		CleanupInterval:    cfg.CleanupInterval,
	})
	defer inventory.Close()
	log.Printf("seller %s: initial inventory %v", cfg.SellerID, inventory.Status())

	cache, cleanupCache, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupCache()

	handler := seller.NewHandler(cfg.SellerID, inventory, cache, seller.HandlerConfig{
		ProcessingDelay: cfg.ProcessingDelay,
	})
	client := seller.NewClient(cfg.SellerID, cfg.CoordinatorAddr, handler, seller.ClientConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// Reconnect with backoff until shutdown or until 30 retries have been
	// used up; Run returns nil on a clean context cancellation.
	reconnect := reliability.RetryPolicy{
		MaxRetries: 30,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		ShouldRetry: func(error) bool {
			return ctx.Err() == nil
		},
	}
	return reconnect.Do(ctx, func() error {
		return client.Run(ctx)
	})
}

// buildCache prefers Redis when a URL is configured and falls back to the
// in-memory cache when it cannot be set up.
func buildCache(ctx context.Context, cfg sellerConfig) (idempotency.Cache, func(), error) {
	if cfg.IdempotencyRedisURL != "" {
		opts, err := redis.ParseURL(cfg.IdempotencyRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("IDEMPOTENCY_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Printf("redis unavailable, falling back to in-memory idempotency cache: %v", err)
			_ = client.Close()
		} else {
			log.Printf("redis idempotency cache enabled")
			cache := idempotency.NewRedisCache(client, cfg.IdempotencyRetention)
			return cache, func() { _ = client.Close() }, nil
		}
	}

	cache := idempotency.NewMemoryCache(idempotency.MemoryCacheConfig{
		Retention: cfg.IdempotencyRetention,
	})
	return cache, cache.Close, nil
}
