package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/server"
	"github.com/dharsanguruparan/cardvault/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()
	if !cfg.UseRedis() {
		zl.Fatal("the worker needs CARDVAULT_REDIS_ADDR; without Redis the API server resolves media in process")
	}

	app, err := server.Build(ctx, cfg, zl, server.Options{})
	if err != nil {
		zl.Fatal("init components", "error", err)
	}
	defer app.Close()

	srv := asynq.NewServer(server.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      zl.SugaredLogger,
	})
	processor := worker.NewProcessor(app.Media, zl)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	zl.Info("worker started", "concurrency", cfg.ProcessingPool)
	if err := srv.Run(mux); err != nil {
		zl.Error("worker stopped", "error", err)
		app.Close()
		zl.Sync()
		os.Exit(1)
	}
}
