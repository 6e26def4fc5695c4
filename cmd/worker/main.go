package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ingest"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

func main() {
	defer logger.Sync()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := app.LoadConfig(path)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	app.ConfigureLogging(cfg, "notify-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Retries.Run(ctx); err != nil {
			logger.Error("retry scheduler stopped", "error", err)
		}
	}()

	if cfg.SQS.Enabled && cfg.SQS.QueueURL != "" {
		client, err := ingest.NewSQSClient(ctx, cfg.SQS.Region)
		if err != nil {
			logger.Error("failed to create SQS client", "error", err)
			os.Exit(1)
		}
		consumer := ingest.NewConsumer(client, cfg.SQS.QueueURL, a.Classifier,
			ingest.WithPolling(cfg.SQS.WaitSeconds, cfg.SQS.MaxMessages))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("sqs consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Info("SES notification queue not configured, consumer disabled")
	}

	logger.Info("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}
