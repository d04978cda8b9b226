package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"escrow-engine-go/internal/api"
	"escrow-engine-go/internal/config"
	"escrow-engine-go/internal/database"
	"escrow-engine-go/internal/engine"
	"escrow-engine-go/internal/ledger"
	"escrow-engine-go/internal/logger"
	"escrow-engine-go/internal/signing"
	"escrow-engine-go/internal/store"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize signing keyring
	keyring, err := signing.NewKeyring(cfg.Keyring.Keys)
	if err != nil {
		log.Fatal("Failed to load signing keys", zap.Error(err))
	}

	// Initialize ledger gateway client and verify connectivity
	ledgerClient := ledger.NewRestClient(&cfg.Ledger, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	height, err := ledgerClient.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatal("Failed to connect to ledger gateway", zap.Error(err))
	}
	log.Info("Connected to ledger gateway", zap.Uint64("chain_height", height))

	// Wire the lifecycle engine and API server
	tradeStore := store.NewTradeStore(db)
	listingStore := store.NewListingStore(db)
	eng := engine.NewEngine(log, tradeStore, ledgerClient)

	server := api.NewServer(cfg.Server.Port, eng, listingStore, keyring, log)
	server.Start()

	// Wait for shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Service has been shut down.")
}
