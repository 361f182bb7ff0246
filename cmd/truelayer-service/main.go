package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/config"
	"github.com/boddenberg/ledgerlink-go/internal/handler"
	"github.com/boddenberg/ledgerlink-go/internal/infra/cache"
	"github.com/boddenberg/ledgerlink-go/internal/infra/crypto"
	"github.com/boddenberg/ledgerlink-go/internal/infra/kafka"
	"github.com/boddenberg/ledgerlink-go/internal/infra/mongo"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/infra/postgres"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"
	"github.com/boddenberg/ledgerlink-go/internal/infra/truelayer"
	"github.com/boddenberg/ledgerlink-go/internal/port"
	"github.com/boddenberg/ledgerlink-go/internal/scheduler"
	"github.com/boddenberg/ledgerlink-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger("truelayer-service", cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.ValidateProducer(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("sandbox", cfg.TrueLayer.UseSandbox),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.TransactionsTopic),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Strings("backfill_times", cfg.BackfillTimes),
		zap.Int("backfill_days", cfg.BackfillDays),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "truelayer-service")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := openStore(startupCtx, cfg, logger)
	cancelStartup()
	if err != nil {
		logger.Fatal("failed to open connection store", zap.Error(err))
	}
	defer closeStore()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("truelayer")
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	tl := truelayer.NewClient(httpClient, cfg.TrueLayer, cb, bulkhead, resilienceCfg, logger)

	cipher, err := crypto.NewTokenCipher(cfg.TrueLayer.TokenEncryptionSecret, cfg.TrueLayer.TokenEncryptionSalt)
	if err != nil {
		logger.Fatal("failed to init token cipher", zap.Error(err))
	}

	// --- Kafka ---
	producer := kafka.NewProducer(kafka.NewWriter(cfg.KafkaBrokers, cfg.TransactionsTopic), logger)
	defer producer.Close()

	// --- Services ---
	tokens := service.NewTokenManager(store, tl, cipher, cfg.TrueLayer.RefreshTokenLifetime, metrics, logger)
	fetcher := service.NewSourceFetcher(tl)
	publisher := service.NewPublisher(producer, metrics, logger)
	orchestrator := service.NewSyncOrchestrator(store, tokens, fetcher, publisher, cfg.BackfillDays, cfg.MaxConcurrency, metrics, logger)
	state := service.NewStateSigner(cfg.TrueLayer.StateSecret, cfg.TrueLayer.StateTTL, cache.New[bool](cfg.TrueLayer.StateTTL))
	connections := service.NewConnectionService(store, tl, tl, fetcher, tokens, orchestrator, state, logger)

	// --- Scheduler ---
	sched, err := scheduler.New(scheduler.Config{
		Interval:    cfg.SyncInterval,
		IntervalJob: orchestrator.SyncScheduled,
		DailyTimes:  cfg.BackfillTimes,
		DailyJob:    orchestrator.SyncWayBack,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}
	sched.Start()
	if cfg.SyncOnStartup {
		sched.TriggerNow()
	}

	// --- Router ---
	checks := []handler.HealthCheck{{Name: "connection-store", Check: store.Ping}}
	router := handler.NewRouter(connections, orchestrator, checks, metrics, cfg.CORSOrigins, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	sched.Shutdown(15 * time.Second)
	orchestrator.Wait()

	logger.Info("server stopped")
}

// openStore connects the configured connection store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (port.ConnectionStore, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewConnectionStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("using PostgreSQL connection store")
		return store, func() { _ = db.Close() }, nil

	default:
		client, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoUsername, cfg.MongoPassword, logger)
		if err != nil {
			return nil, nil, err
		}
		coll := client.Database(cfg.MongoDatabase).Collection(mongo.ConnectionsCollection)
		if err := mongo.EnsureIndexes(ctx, coll); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		logger.Info("using MongoDB connection store", zap.String("database", cfg.MongoDatabase))
		return mongo.NewConnectionStore(coll, mongo.NewClientPinger(client)), func() {
			_ = client.Disconnect(context.Background())
		}, nil
	}
}
