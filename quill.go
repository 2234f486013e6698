package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quillhq/quill/admin"
	"github.com/quillhq/quill/cfg"
	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/docs"
	"github.com/quillhq/quill/publish"
	"github.com/quillhq/quill/queue"
	"github.com/quillhq/quill/reconciler"
	"github.com/quillhq/quill/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("Quill - Local-First Document Synchronization Engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	if err := os.MkdirAll(cfg.Config.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("data_dir", cfg.Config.DataDir).Msg("Failed to create data directory")
		return
	}

	// Record store
	log.Info().Str("path", cfg.Config.Storage.Path).Msg("Opening record store")
	store, err := db.NewSQLiteStore(
		cfg.Config.Storage.Path,
		cfg.Config.Storage.BusyTimeoutMS,
		cfg.Config.Storage.CompressMinSize,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
		return
	}
	defer store.Close()

	// External publisher
	publisher, err := publish.New(cfg.Config.Publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create publisher")
		return
	}
	defer publisher.Close()

	filter, err := publish.NewScopeFilter(cfg.Config.Publisher.ScopePatterns)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid publish scope patterns")
		return
	}

	// Durable event channel. The dead-letter hook is wired after the
	// reconciler exists; channel deliveries only start flowing once the
	// reconciler's workers consume them, so the indirection is safe.
	var rec *reconciler.Reconciler
	channel, err := queue.Open(filepath.Join(cfg.Config.DataDir, "events"), queue.Options{
		BatchSize:       cfg.Config.Queue.BatchSize,
		PollInterval:    time.Duration(cfg.Config.Queue.PollIntervalMS) * time.Millisecond,
		FlushInterval:   time.Duration(cfg.Config.Queue.FlushIntervalMS) * time.Millisecond,
		MaxAttempts:     cfg.Config.Queue.MaxAttempts,
		RetryInitial:    time.Duration(cfg.Config.Queue.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Config.Queue.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: cfg.Config.Queue.RetryMultiplier,
		OnDeadLetter: func(ev queue.Event, cause error) {
			rec.HandleDeadLetter(ev, cause)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event channel")
		return
	}

	// Command layer
	service, err := docs.NewService(store, channel, cfg.Config.Cache.Size)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create document service")
		return
	}

	// Reconciler
	rec = reconciler.New(store, channel, publisher, filter, reconciler.Options{
		Concurrency:    cfg.Config.Reconciler.Concurrency,
		PublishTimeout: time.Duration(cfg.Config.Reconciler.PublishTimeoutMS) * time.Millisecond,
	})
	rec.Start()

	// Operator surface
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer = admin.NewServer(service, channel, cfg.Config.NodeID, cfg.Config.Prometheus.Enabled)
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		go func() {
			if err := adminServer.Start(addr); err != nil {
				log.Error().Err(err).Msg("Admin server exited")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Str("publisher", cfg.Config.Publisher.Kind).
		Msg("Node is operational")

	// Wait for termination
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Config.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}

	rec.Stop()
	if err := channel.Close(); err != nil {
		log.Warn().Err(err).Msg("Event channel close failed")
	}

	log.Info().Msg("Shutdown complete")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}

	if cfg.Config.Logging.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.Config.Logging.File,
			MaxSize:    cfg.Config.Logging.MaxSizeMB,
			MaxBackups: cfg.Config.Logging.MaxBackups,
		}
		writer = zerolog.MultiLevelWriter(writer, fileWriter)
	}

	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
