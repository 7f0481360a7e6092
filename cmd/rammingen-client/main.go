// Package main is the entry point for the rammingen sync client: it runs
// the ACQUIRE_LOCK -> PULL -> PUSH -> RETENTION_HINT -> RELEASE sync engine
// (§4.7) once per sync_interval tick against every configured mount.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/rammingen/internal/config"
	"github.com/prn-tf/rammingen/internal/repository/sqlite"
	"github.com/prn-tf/rammingen/internal/sync"
	"github.com/prn-tf/rammingen/internal/syncclient"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting rammingen sync client")

	cfg, err := config.LoadClient("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	indexDB, err := sqlite.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local index")
	}
	defer indexDB.Close()
	localIndex := sqlite.NewLocalIndex(indexDB)

	clientCfg := syncclient.DefaultConfig()
	clientCfg.BaseURL = cfg.ServerURL
	clientCfg.AccessToken = cfg.AccessToken
	client, err := syncclient.New(clientCfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server client")
	}

	engine, err := sync.New(cfg, client, localIndex, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build sync engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown requested, finishing current sync run...")
		cancel()
	}()

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	runOnce := func() {
		runCtx, runCancel := context.WithTimeout(ctx, cfg.SyncInterval*10)
		defer runCancel()
		if _, err := engine.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("sync run failed")
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync client stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
