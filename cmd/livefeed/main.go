package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"livefeed/config"
	"livefeed/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search next to the binary)")
	flag.Parse()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	if err := cfg.ResolveSecrets(); err != nil {
		log.Fatal("failed to resolve secrets", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("livefeed failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("livefeed stopped")
}
