// Command scheduler is the main entry point for the central scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lingua-io/scheduler/internal/config"
	"github.com/lingua-io/scheduler/pkg/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scheduler: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		}
		return 1
	}

	slog.Info("scheduler starting", "config", *configPath, "addr", cfg.Server.Host, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := scheduler.New(cfg)
	if err != nil {
		slog.Error("failed to initialize scheduler", "err", err)
		return 1
	}

	slog.Info("scheduler ready — press Ctrl+C to shut down")

	runErr := inst.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := inst.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}
