package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bazaar/cmd/coordinator/config"
	"bazaar/internal/observability"
	"bazaar/internal/orders"
	"bazaar/internal/realtime"
	"bazaar/internal/reliability"
	"bazaar/internal/saga"
	"bazaar/internal/transport"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("coordinator error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	store, cleanupStore := buildSnapshotStore(ctx, cfg)
	defer cleanupStore()

	broker := transport.NewBroker(transport.BrokerConfig{
		Identity:       cfg.MarketplaceID,
		Port:           cfg.RouterPort,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err := broker.Start(); err != nil {
		return err
	}

	orchestrator := saga.NewOrchestrator(broker, store, saga.OrchestratorConfig{
		MarketplaceID: cfg.MarketplaceID,
		SagaTimeout:   cfg.SagaTimeout,
		Retry: reliability.RetryPolicy{
			MaxRetries: cfg.RetryMaxAttempts,
			BaseDelay:  cfg.RetryBaseDelay,
			Multiplier: cfg.RetryBackoffMultiple,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		Metrics: metrics,
	})
	recoverSagas(ctx, orchestrator, store, broker)

	hub := realtime.NewHub(log.Printf)
	go hub.Run()
	defer hub.Close()

	opsSrv := startOpsServer(cfg.OpsAddr, metrics, hub)
	healthSrv, grpcSrv, err := startHealthServer(cfg.HealthAddr)
	if err != nil {
		return err
	}
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("coordinator.transport", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("coordinator.sagastore", healthpb.HealthCheckResponse_SERVING)

	gaugeDone := make(chan struct{})
	go pollGauges(gaugeDone, broker, orchestrator, metrics)

	pipeline := orders.NewPipeline(orchestrator, func(outcome orders.Outcome) {
		metrics.IncOutcome(string(outcome.Status))
		event := realtime.OutcomeEvent{OrderID: outcome.OrderID, Status: string(outcome.Status)}
		if outcome.Err != nil {
			event.Reason = outcome.Err.Error()
		}
		hub.PublishOutcome(event)
	}, orders.PipelineConfig{
		Workers:     cfg.Workers,
		SubmitDelay: cfg.OrderDelay,
	})

	in := make(chan *orders.Order)
	go func() {
		defer close(in)
		for _, order := range orders.DefaultOrders(cfg.MarketplaceID) {
			select {
			case in <- order:
			case <-ctx.Done():
				return
			}
		}
	}()

	submitted := pipeline.Run(ctx, in)
	log.Printf("coordinator: %d orders processed, shutting down", submitted)

	// Teardown in dependency order: stop surfaces, fail outstanding
	// transport futures, then flush saga state.
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(int64(orchestrator.ActiveSagas()))
	close(gaugeDone)
	grpcSrv.GracefulStop()
	if opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = opsSrv.Shutdown(shutdownCtx)
	}
	broker.Close()
	return nil
}

// recoverSagas drives snapshots left by a previous run to a terminal state.
// When there is anything to recover, it waits briefly for sellers from the
// crashed run to reconnect so the CANCELs can reach them; holds at sellers
// that never return are released by their reservation expiry.
func recoverSagas(ctx context.Context, orchestrator *saga.Orchestrator, store saga.SnapshotStore, broker *transport.Broker) {
	pending := store.Active()
	if len(pending) == 0 {
		return
	}
	log.Printf("recovery: %d saga snapshots found, waiting for sellers", len(pending))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if len(broker.PeerIDs()) > 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	orchestrator.RecoverPending(ctx)
}

// buildSnapshotStore prefers Postgres when a DSN is configured and falls
// back to the file store when it cannot be reached.
func buildSnapshotStore(ctx context.Context, cfg config.Config) (saga.SnapshotStore, func()) {
	if cfg.StateDSN != "" {
		sqlDB, err := sql.Open("pgx", cfg.StateDSN)
		if err != nil {
			log.Printf("postgres open failed, falling back to file store: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			store, err := saga.NewPostgresStoreWithSchema(setupCtx, sqlDB, log.Printf)
			if err != nil {
				log.Printf("postgres init failed, falling back to file store: %v", err)
				_ = sqlDB.Close()
			} else {
				log.Printf("postgres saga store enabled")
				return store, func() {
					_ = store.Close()
					_ = sqlDB.Close()
				}
			}
		}
	}

	store, err := saga.NewFileStore(saga.FileStoreConfig{Directory: cfg.StateDirectory})
	if err != nil {
		log.Fatalf("saga state directory: %v", err)
	}
	return store, func() { _ = store.Close() }
}

func startOpsServer(addr string, metrics *observability.Metrics, hub *realtime.Hub) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ops server: %v", err)
		}
	}()
	log.Printf("ops server on %s", addr)
	return srv
}

func startHealthServer(addr string) (*health.Server, *grpcpkg.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	grpcSrv := grpcpkg.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Printf("health server: %v", err)
		}
	}()
	log.Printf("health server on %s", addr)
	return healthSrv, grpcSrv, nil
}

// pollGauges mirrors broker and breaker state into the metrics snapshot.
func pollGauges(done <-chan struct{}, broker *transport.Broker, orchestrator *saga.Orchestrator, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			metrics.SetGauge("pending_requests", int64(broker.PendingRequests()))
			metrics.SetGauge("active_sagas", int64(orchestrator.ActiveSagas()))
			for _, peer := range broker.PeerIDs() {
				if at, ok := broker.LastHeartbeat(peer); ok {
					metrics.SetGauge("heartbeat_age_ms:"+peer, time.Since(at).Milliseconds())
				}
			}
			for peer, stats := range orchestrator.BreakerStats() {
				metrics.SetBreakerState(peer, stats)
			}
		}
	}
}
