package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MarketplaceID != "marketplace1" {
		t.Fatalf("marketplace ID = %q", cfg.MarketplaceID)
	}
	if cfg.RouterPort != 5555 {
		t.Fatalf("router port = %d", cfg.RouterPort)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("request timeout = %v", cfg.RequestTimeout)
	}
	if cfg.SagaTimeout != 60*time.Second {
		t.Fatalf("saga timeout = %v", cfg.SagaTimeout)
	}
	if cfg.Workers != 20 {
		t.Fatalf("workers = %d", cfg.Workers)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBaseDelay != time.Second ||
		cfg.RetryBackoffMultiple != 2.0 || cfg.RetryMaxDelay != 30*time.Second {
		t.Fatalf("retry defaults: %+v", cfg)
	}
	if cfg.StateDirectory != "./saga-states" {
		t.Fatalf("state directory = %q", cfg.StateDirectory)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MARKETPLACE_ID", "marketplace7")
	t.Setenv("MARKETPLACE_ROUTER_PORT", "6666")
	t.Setenv("REQUEST_TIMEOUT_MS", "2500")
	t.Setenv("SAGA_TIMEOUT_SECONDS", "90")
	t.Setenv("SAGA_PROCESSING_THREADS", "8")
	t.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("ORDER_DELAY_MS", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MarketplaceID != "marketplace7" || cfg.RouterPort != 6666 {
		t.Fatalf("identity overrides: %+v", cfg)
	}
	if cfg.RequestTimeout != 2500*time.Millisecond || cfg.SagaTimeout != 90*time.Second {
		t.Fatalf("timeout overrides: %+v", cfg)
	}
	if cfg.Workers != 8 || cfg.RetryBackoffMultiple != 1.5 || cfg.OrderDelay != 100*time.Millisecond {
		t.Fatalf("overrides: %+v", cfg)
	}
}

func TestLoad_RejectsMalformedValues(t *testing.T) {
	t.Setenv("MARKETPLACE_ROUTER_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed port")
	}
}

func TestLoad_RejectsNegativeValues(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_MS", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}
