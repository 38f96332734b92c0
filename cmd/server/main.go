// Package main is the entry point for the Ovasabi relay.
// It loads configuration, builds the application and serves until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/ovasabi-relay/internal/config"
	"github.com/nmxmxh/ovasabi-relay/internal/server"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"github.com/nmxmxh/ovasabi-relay/pkg/tracing"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		boot := logger.New(logger.Config{ServiceName: "ovasabi-relay"})
		boot.Fatal("Failed to load configuration", zap.Error(err))
	}
	os.Exit(run(cfg))
}

// run serves until interrupted and returns the process exit code. Deferred
// flushes run before main exits.
func run(cfg *config.Config) int {
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		_ = log.Sync()
	}()
	for _, w := range cfg.Warnings() {
		log.Warn("Configuration adjusted", zap.String("detail", w))
	}

	// Create context that listens for the interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: version,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.TracingEndpoint,
	})
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	app, err := server.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build relay", zap.Error(err))
		return 1
	}

	log.Info("Starting relay",
		zap.String("environment", cfg.AppEnv),
		zap.String("version", version),
		zap.String("transport", cfg.TransportAdapter),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("tracing", !tracing.Disabled()),
	)
	if err := app.Run(ctx); err != nil {
		log.Error("Relay exited with error", zap.Error(err))
		return 1
	}
	return 0
}
