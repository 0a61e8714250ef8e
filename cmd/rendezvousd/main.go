package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/lanternworks/rendezvous/internal/broker"
	"github.com/lanternworks/rendezvous/internal/config"
	"github.com/lanternworks/rendezvous/internal/lobbycode"
	"github.com/lanternworks/rendezvous/internal/snapshot"
	"github.com/lanternworks/rendezvous/internal/store"
)

const startupTimeout = 30 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fallback := config.NewLogger("info", "json")
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := store.RunMigrations(ctx, cfg.DSN()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	st, err := store.New(ctx, cfg.DSN(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to store")
	}
	defer st.Close()

	seed := cfg.CodeSeed
	if seed == 0 {
		seed = rand.Uint64() % lobbycode.Space
		logger.Info().Msg("CODE_SEED not set, drew a process-scoped seed")
	}
	codes, err := lobbycode.New(ctx, st, seed, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize lobby code generator")
	}

	snapshots := snapshot.NewCache(cfg.MaxSaveGames, st, logger)
	b := broker.New(cfg, codes, snapshots, logger)
	server := broker.NewServer(cfg, b, snapshots, logger)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
}
