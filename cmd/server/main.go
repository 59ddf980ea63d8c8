// Package main provides the harvest API server entry point.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/korenhskoh/SocyBase-sub000/internal/api"
	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "harvest-api",
	})
	logging.SetDefault(logger)
	logger.Info("harvest API server starting")

	postgres, err := storage.NewPostgresDB(&cfg.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer postgres.Close()

	jobRepo := storage.NewJobRepository(postgres)
	resultRepo := storage.NewResultRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres)

	server := api.NewServer(&cfg.Server, jobRepo, resultRepo, ledgerRepo, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
}
