package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eventrelay/eventrelay/config"
	"github.com/eventrelay/eventrelay/pkg/tracing"
)

// osExit is a variable to allow mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	app := NewApp(cfg)

	if cfg.Telemetry {
		if err := tracing.InitTracing(&cfg.Tracing); err != nil {
			app.logger.WithField("error", err.Error()).Warn("tracing initialization failed, continuing without it")
		}
	}

	if err := app.Initialize(); err != nil {
		app.logger.WithField("error", err.Error()).Fatal("failed to initialize application")
		osExit(1)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.RunDispatcher(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		app.logger.WithField("error", err.Error()).Error("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		app.logger.WithField("error", err.Error()).Error("error during shutdown")
		osExit(1)
		return
	}

	app.logger.Info("shutdown complete")
}
