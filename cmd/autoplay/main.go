package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chaturaji-autoplay/internal/botbuilder"
	appcfg "github.com/park285/chaturaji-autoplay/internal/config"
	"github.com/park285/chaturaji-autoplay/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := botbuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bot init failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if err := deps.Controller.Start(ctx); err != nil {
		logger.Error("startup failed", zap.Error(err))
		shutdown(deps, logger)
		_ = logger.Sync()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("signal received, shutting down")
	shutdown(deps, logger)
}

func shutdown(deps *botbuilder.Deps, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := deps.Controller.Shutdown(ctx); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
}
