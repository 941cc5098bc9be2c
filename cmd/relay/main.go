package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/finance/internal/bus"
	"example.com/finance/internal/config"
	"example.com/finance/internal/outbox"
	"example.com/finance/internal/persistence/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MinConns: cfg.DatabaseMinConns,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	publisher := bus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.PublishTimeout)
	defer publisher.Close()

	relay := outbox.NewRelay(pool, publisher, logger, outbox.RelayConfig{
		PollInterval:   cfg.RelayPollInterval,
		BatchSize:      cfg.RelayBatchSize,
		MaxAttempts:    cfg.RelayMaxAttempts,
		RetryBaseDelay: cfg.RelayRetryBaseDelay,
		ClaimMode:      outbox.ClaimMode(cfg.RelayClaimMode),
		KeySource:      outbox.KeySource(cfg.PartitionKeySource),
	})
	go relay.Run(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("relay metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("relay received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	relay.Wait()
}
