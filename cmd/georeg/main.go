package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"georeg/internal/cli"
	"georeg/internal/config"
	"georeg/internal/events"
	"georeg/internal/fetch"
	"georeg/internal/fsutil"
	"georeg/internal/logging"
	"georeg/internal/pipeline"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "georeg:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// stdout carries PROGRESS lines and command output.
	log, err := logging.SetupWriter(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fsutil.EnsureParentDir(cfg.Paths.DatabasePath); err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	pub, err := events.New(cfg.Events)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}

	resolver, err := fetch.NewResolver(cfg.S3.Region, cfg.Processing.TempDir, log)
	if err != nil {
		pub.Close()
		return fmt.Errorf("s3: %w", err)
	}

	runner := tasks.NewRunner(cfg, tasks.GDALBackend(cfg.Align.Compression), log)
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, pipeline.NewRouter(runner, resolver, log), pub)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
