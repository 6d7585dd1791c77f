package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomkendall/shutterwell/internal/app"
	"github.com/tomkendall/shutterwell/internal/config"
	"github.com/tomkendall/shutterwell/internal/logging"
)

func main() {
	cfg := config.Load()

	application, err := app.New(cfg)
	if err != nil {
		logging.New(logging.LevelError).Error("Startup failed", logging.WithField("error", err.Error()))
		os.Exit(1)
	}
	logger := application.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	logger.Info("Starting variant worker")
	if err := application.RunWorker(ctx); err != nil {
		logger.Error("Worker error", logging.WithField("error", err.Error()))
		os.Exit(1)
	}
}
