// Package main is the entry point for the rammingen server: the metadata
// store, content blob store, and the 13-endpoint RPC surface (§4.5) every
// sync client talks to, plus the background retention/GC loop (§4.8).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/rammingen/internal/config"
	"github.com/prn-tf/rammingen/internal/handler"
	"github.com/prn-tf/rammingen/internal/lock"
	"github.com/prn-tf/rammingen/internal/metrics"
	"github.com/prn-tf/rammingen/internal/repository/postgres"
	"github.com/prn-tf/rammingen/internal/retention"
	"github.com/prn-tf/rammingen/internal/service"
	"github.com/prn-tf/rammingen/internal/storage/filesystem"
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
		Msg("starting rammingen server")

	cfg, err := config.LoadServer("")
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

	ctx := context.Background()

	db, err := postgres.NewDB(ctx, cfg.Database.URL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to metadata store")

	blobs, err := filesystem.NewStorage(filesystem.Config{
		DataDir: cfg.Storage.DataDir,
		TempDir: cfg.Storage.TempDir,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize content blob store")
	}

	entryRepo := postgres.NewEntryRepository(db)
	versionRepo := postgres.NewEntryVersionRepository(db)
	snapshotRepo := postgres.NewSnapshotRepository(db)
	sourceRepo := postgres.NewSourceRepository(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	entryService := service.NewEntryService(entryRepo, versionRepo, blobs, log.Logger)
	entryHandler := handler.NewEntryHandler(entryService, m, log.Logger)

	router := handler.NewRouter(handler.RouterConfig{
		EntryHandler: entryHandler,
		Sources:      sourceRepo,
		Logger:       log.Logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	locker := lock.NewLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 0)
	defer locker.Close()
	if err := locker.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	log.Info().Msg("connected to redis")

	retentionCtx, cancelRetention := context.WithCancel(context.Background())
	retentionController := retention.NewController(retention.Config{
		CheckInterval:            cfg.Retention.GCInterval,
		SnapshotInterval:         cfg.Retention.SnapshotInterval,
		RetainDetailedHistoryFor: cfg.Retention.RetainDetailedHistoryFor,
	}, snapshotRepo, versionRepo, blobs, locker, log.Logger)
	if err := retentionController.Start(retentionCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start retention controller")
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down server...")

	cancelRetention()
	if err := retentionController.Stop(); err != nil {
		log.Error().Err(err).Msg("retention controller shutdown error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
