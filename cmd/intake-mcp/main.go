// Package main runs the intake MCP server over stdio. Logs go to stderr
// so they never interleave with protocol messages on stdout.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/mcp"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	log.SetOutput(os.Stderr)

	configManager, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg := configManager.GetConfig()

	logger, err := bootstrap.NewLogger(cfg.Logging, "stderr")
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer app.Close()

	server, err := mcp.NewServer(mcp.Dependencies{
		Config:    cfg,
		Predictor: app.Service,
		Verifier:  app.Service,
		Registry:  app.Registry,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("MCP server failed")
	}

	logger.Info("MediGuard intake MCP server stopped")
}
