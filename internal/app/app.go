package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/token-ledger/internal/api"
	"github.com/ayo6706/token-ledger/internal/config"
	"github.com/ayo6706/token-ledger/internal/db"
	"github.com/ayo6706/token-ledger/internal/gateway"
	"github.com/ayo6706/token-ledger/internal/idempotency"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/redislock"
	"github.com/ayo6706/token-ledger/internal/repository/postgres"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/ayo6706/token-ledger/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until ctx is canceled
// or the server fails.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var (
		cache  redis.Cmdable
		locker *redislock.Locker
	)
	ledgerOpts := []service.Option{
		service.WithHoldTTL(cfg.HoldTTL),
		service.WithRetry(uint(cfg.RetryAttempts), cfg.RetryInitial),
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = redisClient
		locker = redislock.New(redisClient, cfg.WorkerLockExpiry)
		ledgerOpts = append(ledgerOpts, service.WithIdempotencyCache(idempotency.NewStore(redisClient, cfg.IdempotencyTTL)))
	} else {
		logger.Warn("REDIS_URL not set; idempotency cache and worker locks disabled")
	}

	ledger := service.NewLedger(store, ledgerOpts...)
	if _, err := ledger.EnsureSystemAccounts(ctx, cfg.DefaultUnit, cfg.TreasurySupply); err != nil {
		return fmt.Errorf("bootstrap system accounts: %w", err)
	}

	rail := gateway.NewMockGateway()
	rail.FailureRate = cfg.GatewayFailureRate
	payoutGateway := gateway.NewBreakerGateway(rail, gateway.BreakerSettings{
		MaxRequests:      uint32(cfg.BreakerHalfOpenRequests),
		Timeout:          cfg.BreakerOpenTimeout,
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
	})

	payoutSvc := service.NewPayoutService(ledger, payoutGateway)
	purchaseSvc := service.NewPurchaseService(ledger, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)
	reconciliationSvc := service.NewReconciliationService(store).WithConcurrency(cfg.ReconcileConcurrency)

	stopPayouts := worker.NewPayoutWorker(payoutSvc).
		WithPollInterval(cfg.PayoutPollInterval).
		WithBatchSize(cfg.PayoutBatchSize).
		Run(ctx)
	stopExpiry := worker.NewExpiryWorker(ledger, locker).
		WithInterval(cfg.ExpirySweepInterval).
		WithBatchSize(cfg.ExpirySweepBatch).
		Run(ctx)
	stopReconciliation := worker.NewReconciliationWorker(reconciliationSvc, locker).
		WithInterval(cfg.ReconciliationInterval).
		WithFullEvery(cfg.ReconcileFullEvery).
		Run(ctx)
	logger.Info("workers started",
		zap.Duration("payout_interval", cfg.PayoutPollInterval),
		zap.Duration("expiry_interval", cfg.ExpirySweepInterval),
		zap.Duration("reconciliation_interval", cfg.ReconciliationInterval))

	router := api.NewRouter(cfg, logger, api.Deps{
		Store:          store,
		Redis:          cache,
		Ledger:         ledger,
		Payouts:        payoutSvc,
		Purchases:      purchaseSvc,
		Reconciliation: reconciliationSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopPayouts()
	stopExpiry()
	stopReconciliation()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// OpenStore connects to Postgres, applies migrations when enabled and returns the ledger store.
func OpenStore(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *postgres.Store, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.RunMigrations {
		if err := db.Migrate(pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return pool, postgres.NewStore(pool, cfg.LockTimeout), nil
}

func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// newRedisClient returns nil when url is empty.
func newRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
