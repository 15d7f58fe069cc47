package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"steadyscope/internal/cli"
	"steadyscope/internal/config"
	"steadyscope/internal/logging"
	"steadyscope/internal/movieio"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return err
	}
	defer movieio.Shutdown()

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		return err
	}
	defer store.Close()
	log.Debug("database opened", "path", cfg.Paths.DatabasePath, "driver", store.Driver())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	// Cobra already printed the error.
	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
