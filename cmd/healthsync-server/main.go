package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthsync/healthsync/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthsync-server",
		Short: "Offline health record sync server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(batchesCmd())
	rootCmd.AddCommand(conflictsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server with in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued sync batches without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(ctx, cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}
	defer a.close()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.runWorkers(ctx)
	}()

	e := newEcho(a)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("queue", cfg.QueueBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForSignal()

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	<-workersDone
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.QueueBackend != "postgres" {
		return fmt.Errorf("worker requires QUEUE_BACKEND=postgres, got %q", cfg.QueueBackend)
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	a, err := newApp(ctx, cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}
	defer a.close()

	go func() {
		waitForSignal()
		logger.Info().Msg("stopping workers")
		cancel()
	}()

	logger.Info().Int("workers", cfg.WorkerCount).Msg("worker started")
	a.runWorkers(ctx)
	logger.Info().Msg("worker stopped")
	return nil
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)
}
