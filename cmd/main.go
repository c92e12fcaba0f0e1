package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"mortgage-assistant/handler"
	"mortgage-assistant/internal/app"
	"mortgage-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.Level())
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	a, err := app.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("failed to build services", "err", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	h, err := handler.NewHandler(a.Services, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
