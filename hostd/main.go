package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	var (
		configPath = flag.String("config", "/etc/keymeld/connect.yaml", "Path to configuration file")
		natsURL    = flag.String("nats-url", "", "NATS server URL (overrides config)")
		dbPath     = flag.String("db-path", "", "Session store path (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Flag overrides
	if *natsURL != "" {
		config.NATS.URL = *natsURL
	}
	if *dbPath != "" {
		config.Store.Path = *dbPath
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	level, err := zerolog.ParseLevel(config.Log.Level)
	if err != nil {
		log.Warn().Str("level", config.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Harden before any key material is in memory
	applyHardening()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	process := NewHostProcess(config)
	if err := process.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Connect host failed")
	}

	log.Info().Msg("Connect host stopped")
}
