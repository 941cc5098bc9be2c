// Command redrive returns dead-lettered outbox rows to the drain and exits.
// Run it after fixing whatever kept the bus from acknowledging them.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MinConns: 1,
		MaxConns: 2,
	})
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	redriver := outbox.NewRedriver(pool, logger)
	redriven, err := redriver.RunOnce(ctx, cfg.RedriveLimit)
	if err != nil {
		logger.Fatal("redrive failed", zap.Error(err))
	}

	logger.Info("redrive complete", zap.Int("redriven", redriven))
}
