package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexspace/deskbooking/internal/di"
	"github.com/flexspace/deskbooking/pkg/config"
	"github.com/flexspace/deskbooking/pkg/logger"
	"github.com/flexspace/deskbooking/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.Init(&logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Environment == "development",
	})
	defer appLog.Sync()

	appLog.Info("Starting outbox relay...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	_, err = telemetry.Init(ctx, &telemetry.Config{
		Enabled:       cfg.OTel.Enabled,
		ServiceName:   "outbox-relay",
		Environment:   cfg.App.Environment,
		CollectorAddr: cfg.OTel.CollectorAddr,
		SampleRatio:   cfg.OTel.SampleRatio,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}

	// Build dependencies
	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}
	defer container.Close()
	appLog.Info("Database connected, publisher ready")

	// Start relay worker
	if err := container.OutboxRelayWorker.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start outbox relay worker: %v", err))
	}
	appLog.Info("Outbox relay worker started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down outbox relay...")
	cancel()
	container.OutboxRelayWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Telemetry shutdown failed: %v", err))
	}

	appLog.Info("Outbox relay stopped")
}
