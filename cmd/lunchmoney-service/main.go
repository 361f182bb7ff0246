package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/config"
	"github.com/boddenberg/ledgerlink-go/internal/handler"
	"github.com/boddenberg/ledgerlink-go/internal/infra/cache"
	"github.com/boddenberg/ledgerlink-go/internal/infra/kafka"
	"github.com/boddenberg/ledgerlink-go/internal/infra/lunchmoney"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"
	"github.com/boddenberg/ledgerlink-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger("lunchmoney-service", cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.ValidateConsumer(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	loc, err := cfg.LunchMoney.Location()
	if err != nil {
		logger.Fatal("invalid LUNCH_MONEY_TIMEZONE", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.ConsumerPort),
		zap.String("log_level", cfg.LogLevel),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.TransactionsTopic),
		zap.String("dead_letter_topic", cfg.DeadLetterTopic),
		zap.String("group_id", cfg.ConsumerGroupID),
		zap.Int("max_attempts", cfg.ConsumerMaxAttempts),
		zap.String("timezone", loc.String()),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "lunchmoney-service")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("lunchmoney")

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	ledger := lunchmoney.NewClient(httpClient, cfg.LunchMoney.APIOrigin, cfg.LunchMoney.AccessToken, cb, resilienceCfg, logger)

	// --- Ledger state ---
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	assets := service.NewAssetReconciler(ledger, cache.NewAssetIndex(), metrics, logger)
	if err := assets.Seed(startupCtx); err != nil {
		logger.Fatal("failed to seed asset index", zap.Error(err))
	}
	pendingCategoryID, err := service.ResolvePendingCategory(startupCtx, ledger, cfg.LunchMoney.PendingCategoryName, logger)
	cancelStartup()
	if err != nil {
		logger.Fatal("failed to resolve pending category", zap.Error(err))
	}

	sink := service.NewLedgerSink(assets, service.NewInserter(ledger, metrics, logger), pendingCategoryID, loc, metrics, logger)

	// --- Kafka ---
	reader := kafka.NewReader(cfg.KafkaBrokers, cfg.ConsumerGroupID, cfg.TransactionsTopic)
	defer reader.Close()
	dlq := kafka.NewWriter(cfg.KafkaBrokers, cfg.DeadLetterTopic)
	defer dlq.Close()

	consumer := kafka.NewConsumer(reader, dlq, sink, kafka.ConsumerConfig{
		MaxAttempts:  cfg.ConsumerMaxAttempts,
		RetryBackoff: cfg.ConsumerRetryBackoff,
	}, metrics, logger)

	// --- Ops server ---
	checks := []handler.HealthCheck{{Name: "consumer", Check: func(context.Context) error {
		if !consumer.Running() {
			return errors.New("consumer is not running")
		}
		return nil
	}}}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ConsumerPort),
		Handler:      handler.NewOpsRouter(checks, metrics, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("ops server starting", zap.Int("port", cfg.ConsumerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	// --- Consume until signalled ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := consumer.Run(ctx)
	if runErr != nil {
		logger.Error("consumer stopped with error", zap.Error(runErr))
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced shutdown", zap.Error(err))
	}

	logger.Info("service stopped")
	if runErr != nil {
		// Deferred closes do not run past os.Exit.
		_ = reader.Close()
		_ = dlq.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}
