package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/app"
	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/pkg/logger"
)

const statusEvery = time.Minute

type job interface {
	Start()
	Stop()
}

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "worker"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Str("env", cfg.Env).Msg("Starting zmooth worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer a.Close()

	jobs := []job{a.Dispatcher(), a.SweepWorker(), a.Poller()}

	exporter, err := a.Archiver(ctx)
	switch {
	case errors.Is(err, app.ErrArchiveDisabled):
		log.Info().Msg("Usage archive disabled")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to create archive storage")
	default:
		jobs = append(jobs, exporter)
	}

	for _, j := range jobs {
		j.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-sigChan:
			log.Info().Msg("Shutdown signal received")
			break loop
		case <-ticker.C:
			depth, err := a.Queue.Len(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to read NAS queue depth")
				continue
			}
			active, err := a.Sessions.CountActive(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to count active sessions")
				continue
			}
			log.Info().Int64("nas_queue", depth).Int("active_sessions", active).Msg("Worker status")
		}
	}

	for i := len(jobs) - 1; i >= 0; i-- {
		jobs[i].Stop()
	}
	log.Info().Msg("Worker stopped")
}
