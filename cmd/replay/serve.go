package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/api"
	"github.com/newthinker/replay/internal/archive"
	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/logger"
	"github.com/newthinker/replay/internal/marketdata"
	"github.com/newthinker/replay/internal/metrics"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/runner"
	"github.com/newthinker/replay/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backtest API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Initialize logger
	log := logger.Must(debug)
	defer log.Sync()

	// Load config
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Defaults()
		log.Warn("no config file specified, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Market data backend
	var store marketdata.Store
	if cfg.Storage.DSN != "" {
		pg, err := marketdata.NewPostgresStore(cfg.Storage.DSN, cfg.Storage.QueryTimeout)
		if err != nil {
			return fmt.Errorf("connecting market data store: %w", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Warn("no storage DSN configured, serving from an empty in-memory store")
		store = marketdata.NewMemoryStore()
	}

	archiver, err := archive.NewFromConfig(cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("configuring archive: %w", err)
	}

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
	}

	tasks := task.NewStore(cfg.Server.MaxTasks, time.Duration(cfg.Server.TaskTTLHours)*time.Hour)
	publisher := progress.NewPublisher(cfg.Engine.ProgressBuffer, log)

	run := runner.New(runner.Options{
		Config:    cfg,
		Store:     store,
		Tasks:     tasks,
		Publisher: publisher,
		Archiver:  archiver,
		Registry:  registry,
		Logger:    log,
	})
	run.Start()
	defer run.Stop()

	server := api.NewServer(api.Options{
		Config:    cfg,
		Runner:    run,
		Tasks:     tasks,
		Publisher: publisher,
		Registry:  registry,
		Logger:    log,
	})

	log.Info("starting replay server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Engine.Workers),
	)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down replay server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return server.Shutdown(ctx)
}
