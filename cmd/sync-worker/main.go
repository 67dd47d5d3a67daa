package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/PartSync/config"
	"github.com/BearBump/PartSync/internal/logger"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer func() { _ = log.Sync() }()

	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = cfg.Sync.SwaggerPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunSyncWorker(ctx, cfg, defaultWorkerFactories(), workerOpts{swaggerPath: swaggerPath}, log)
	if err != nil && err != context.Canceled {
		log.Fatal("sync worker stopped", zap.Error(err))
	}
}
