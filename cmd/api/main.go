package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"energyagent/internal"
	"energyagent/internal/api"
	"energyagent/internal/config"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		internal.NewDefaultLogger().Error("configuration: %v", err)
		os.Exit(1)
	}
	logger := internal.NewLogger(internal.ParseLogLevel(cfg.Pipeline.LogLevel))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.Serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed: %v", err)
		os.Exit(1)
	}
}
