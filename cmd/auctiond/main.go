package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/api"
	"github.com/openlot/auctiond/internal/config"
	"github.com/openlot/auctiond/internal/database"
	"github.com/openlot/auctiond/internal/expiry"
	"github.com/openlot/auctiond/internal/fanout"
	"github.com/openlot/auctiond/internal/ingress"
	"github.com/openlot/auctiond/internal/lots"
	"github.com/openlot/auctiond/internal/messaging"
	"github.com/openlot/auctiond/internal/settlement"
	"github.com/openlot/auctiond/pkg/logger"
	"github.com/openlot/auctiond/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// The snapshot cache is optional; reads fall through to the database.
	cache, err := database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zapLogger.Warn("Redis unavailable, snapshot cache disabled", zap.Error(err))
		cache = nil
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	producer := messaging.NewKafkaProducer(cfg.Kafka, zapLogger)
	defer producer.Close()

	hub := fanout.NewHub(16, 256, zapLogger)

	scheduler := expiry.NewScheduler(producer, db, zapLogger)
	defer scheduler.Close()

	lotSvc := lots.NewService(db, cache, cfg.Redis.CacheTTL, scheduler, cfg.Auction.WindowDuration, zapLogger)
	worker := settlement.NewWorker(db, hub, scheduler, lotSvc, cfg.Auction.ExtensionDuration, zapLogger)
	ingressSvc := ingress.NewService(producer, zapLogger)

	server := api.NewServer(zapLogger, ingressSvc, lotSvc, hub, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Expired windows from before the restart finalize immediately; the rest
	// re-arm from persisted lot state.
	if err := scheduler.Recover(ctx); err != nil {
		zapLogger.Fatal("Failed to recover expiry schedule", zap.Error(err))
	}

	consumer := messaging.NewKafkaConsumer(cfg.Kafka, zapLogger)
	defer consumer.Close()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx, worker.Handle)
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}
	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutdown signal received")
	case err := <-consumerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("Settlement consumer stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	zapLogger.Info("auctiond stopped")
}
