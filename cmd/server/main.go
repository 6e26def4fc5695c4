package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/api"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ingest"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	return ln.Close()
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	defer logger.Sync()

	cfg, err := app.LoadConfig(configPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	app.ConfigureLogging(cfg, "notify-server")

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		logger.Error("pre-flight check failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Recovery runs here as well as in the worker; per-job locks keep a
	// retry from firing twice.
	go func() {
		if err := a.Retries.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("retry scheduler stopped", "error", err)
		}
	}()

	webhooks := ingest.NewHandler(a.Classifier, ingest.HandlerConfig{
		SendGridToken:        cfg.Webhooks.SendGridToken,
		TwilioAuthToken:      cfg.SMS.Twilio.AuthToken,
		PublicBaseURL:        cfg.Webhooks.PublicBaseURL,
		SkipTwilioValidation: cfg.Webhooks.SkipTwilioValidation,
		SNSTopicARNs:         cfg.Webhooks.SNSTopicARNs,
		SkipSNSVerification:  cfg.Webhooks.SkipSNSVerification,
	})

	server := api.NewServer(cfg.Server, api.Deps{
		Store:        a.Store,
		DB:           a.DB,
		Limiter:      a.Limiter,
		Abuse:        a.Abuse,
		Suppressions: a.Suppressions,
		Audit:        a.Audit,
		Retries:      a.Retries,
		Sender:       a.Sender,
		Webhooks:     webhooks,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr(), "channels", a.Dispatch.Channels())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
