package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mediguard-intake/internal/api"
	"github.com/mediguard-intake/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	// Load configuration
	configManager, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg := configManager.GetConfig()

	logger, err := bootstrap.NewLogger(cfg.Logging, "")
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer app.Close()

	sessions, err := api.NewSessionStore(cfg.Intake.SessionLimit, app.NewController, app.Metrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session store")
	}

	server := api.NewServer(api.Dependencies{
		Config:   cfg,
		Service:  app.Service,
		Sessions: sessions,
		Registry: app.Registry,
		Metrics:  app.Metrics,
		Logger:   logger,
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithField("backend", cfg.Backend.BaseURL).
		Infof("Starting MediGuard intake server on %s:%d", cfg.Server.Host, cfg.Server.Port)

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed to start")
	}

	logger.Info("Server stopped")
}
