// Package main is the entry point for the cardvault API server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/server"
)

func main() {
	// Step 1: load configuration from defaults, the optional YAML file and
	// the environment.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	// Step 2: cancel on SIGINT/SIGTERM so in-flight requests drain.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 3: build the component graph. The server applies migrations on
	// start so a fresh database is usable immediately.
	app, err := server.Build(ctx, cfg, zl, server.Options{Migrate: true})
	if err != nil {
		zl.Fatal("init server", "error", err)
	}
	defer app.Close()

	// Step 4: block until the HTTP server exits.
	if err := app.Serve(ctx); err != nil {
		zl.Error("server stopped", "error", err)
		app.Close()
		zl.Sync()
		os.Exit(1)
	}
}
