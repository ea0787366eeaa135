package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cachemir/cachewire/internal/logging"
	"github.com/cachemir/cachewire/internal/server"
	"github.com/cachemir/cachewire/pkg/config"
)

func main() {
	cfg := config.LoadServerConfig()

	profile := logging.DefaultProfile()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		profile.Level = lvl
	}
	logger := logging.Configure("cachewire-server", profile)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("addr", cfg.Address()).
		Int("read_timeout", cfg.ReadTimeout).
		Int("write_timeout", cfg.WriteTimeout).
		Msg("starting cachewire dev server")

	srv := server.New(cfg.Address(),
		server.WithLogger(logger),
		server.WithTimeouts(time.Duration(cfg.ReadTimeout)*time.Second, time.Duration(cfg.WriteTimeout)*time.Second),
	)
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info().Msg("shutting down server")

	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping server")
	}

	logger.Info().Msg("server stopped")
}
