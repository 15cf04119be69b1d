// Package service wires the pipeline, event bus and HTTP surface together
// and owns process lifecycle: startup order, signal handling and graceful
// shutdown.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomasvidal/vigia/internal/api"
	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/logging"
	"github.com/tomasvidal/vigia/internal/observability"
	"github.com/tomasvidal/vigia/internal/pipeline"
)

const shutdownGrace = 10 * time.Second

// Run starts the full service and blocks until SIGINT or SIGTERM.
func Run(settings *conf.Settings) error {
	logging.Init(logging.ParseLevel(settings.Main.LogLevel))
	logger := logging.ForService("service")

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	bus := events.NewBus(&events.Config{
		BufferSize: settings.Pipeline.QueueSize,
		Workers:    2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe, err := pipeline.New(ctx, settings, metrics, bus)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	server, err := api.New(settings, metrics, bus, pipe.Register(), pipe.Store())
	if err != nil {
		pipe.Stop()
		return fmt.Errorf("building http server: %w", err)
	}

	bus.Start()
	if err := pipe.Start(ctx); err != nil {
		pipe.Stop()
		return fmt.Errorf("starting pipeline: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("service started",
		"name", settings.Main.Name,
		"listen", settings.Realtime.Listen,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	pipe.Stop()
	if err := bus.Shutdown(shutdownGrace); err != nil {
		logger.Warn("event bus shutdown incomplete", "error", err)
	}

	logger.Info("service stopped")
	return nil
}
