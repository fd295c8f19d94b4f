package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/VenkatGGG/pushrelay-bridge/internal/app"
	"github.com/VenkatGGG/pushrelay-bridge/internal/config"
)

func main() {
	logger := log.New(os.Stderr, "pushrelay ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.Printf("config loaded: backend=%s api=%s auto_notify=%t", cfg.StoreBackend, cfg.APIBaseURL, cfg.AutoNotify)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	if err := runtime.Run(ctx); err != nil {
		logger.Fatalf("relay failed: %v", err)
	}
}
