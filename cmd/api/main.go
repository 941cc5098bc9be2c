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

	"example.com/finance/internal/api"
	"example.com/finance/internal/auth"
	"example.com/finance/internal/bus"
	"example.com/finance/internal/config"
	"example.com/finance/internal/eventstore"
	"example.com/finance/internal/outbox"
	"example.com/finance/internal/persistence/postgres"
	httptransport "example.com/finance/internal/transport/http"
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

	store := eventstore.NewStore(pool, logger, relay)

	handler := api.NewHandler(store)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	requestLogger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(
		auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		},
	)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(requestLogger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("finance-service listening", zap.String("address", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	relay.Wait()
}
