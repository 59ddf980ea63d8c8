// Package main provides the harvest worker entry point: it claims
// queued jobs and runs them through the pipeline.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/pipeline"
	"github.com/korenhskoh/SocyBase-sub000/internal/progress"
	"github.com/korenhskoh/SocyBase-sub000/internal/ratelimit"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
	"github.com/korenhskoh/SocyBase-sub000/internal/storage"
	"github.com/korenhskoh/SocyBase-sub000/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "harvest-worker",
	})
	logging.SetDefault(logger)
	logger.Info("harvest worker starting")

	postgres, err := storage.NewPostgresDB(&cfg.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	defer redis.Close()

	limiter, err := ratelimit.New(&ratelimit.Config{
		Redis:   redis.Client(),
		MaxWait: cfg.RateLimit.SlotMaxWait,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create rate limiter")
	}

	jobRepo := storage.NewJobRepository(postgres)
	resultRepo := storage.NewResultRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres)
	publisher := progress.NewPublisher(redis.Client(), logger)
	client := source.NewGraphClient(&cfg.Source)

	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Jobs:      jobRepo,
		Results:   resultRepo,
		Ledger:    ledgerRepo,
		Limiter:   limiter,
		Publisher: publisher,
		Source:    client,
		Pipeline:  cfg.Pipeline,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	})
	dispatcher := worker.NewDispatcher(jobRepo, runner, cfg.Worker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
}
