package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/config"
	"camevents-worker-go/internal/logging"
	"camevents-worker-go/internal/services"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = time.RFC3339
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(console)

	// Load configuration
	cfg := config.Load()

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogdyEnabled {
		writer, err := logging.StartLogdy(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start Logdy, logging to console only")
		} else {
			log.Logger = log.Output(zerolog.MultiLevelWriter(console, writer))
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Str("input_stream", cfg.InputStream).
		Str("output_subject", cfg.OutputSubject).
		Strs("processors", cfg.Processors).
		Msg("Starting camera events worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := services.NewServiceContainer(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Err(err).Msg("Shutdown requested before services were ready")
			return
		}
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	container.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker forced to shutdown")
	} else {
		log.Info().Msg("Worker shutdown complete")
	}
}
