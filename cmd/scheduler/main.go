package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/scheduler"
	"github.com/modelmux/modelmux/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadScheduler()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "control-plane listen address")
	flag.StringVar(&cfg.ProfileRoot, "profile-root", cfg.ProfileRoot, "directory of model profile files")
	flag.StringVar(&cfg.WorkloadFile, "workload", cfg.WorkloadFile, "optional static workload file")
	flag.DurationVar(&cfg.BeaconInterval, "beacon-interval", cfg.BeaconInterval, "keep-alive beacon interval handed to nodes")
	flag.DurationVar(&cfg.AliveTimeout, "alive-timeout", cfg.AliveTimeout, "node liveness timeout")
	flag.DurationVar(&cfg.EpochInterval, "epoch-interval", cfg.EpochInterval, "control-plane epoch interval")
	flag.Parse()

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	logger.Info("Starting scheduler", "version", version.Current().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Scheduler) error {
	appLogger := logger.With("component", "app")

	profiles, err := profile.LoadDir(cfg.ProfileRoot, logger.With("component", "profile_db"))
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	appLogger.Info("Loaded profiles", "count", profiles.Len(), "devices", profiles.Devices())

	sched := scheduler.New(profiles, logger)
	sched.SetIntervals(cfg.BeaconInterval, cfg.AliveTimeout, cfg.EpochInterval)

	if cfg.WorkloadFile != "" {
		workload, err := scheduler.LoadWorkload(cfg.WorkloadFile)
		if err != nil {
			return fmt.Errorf("load workload: %w", err)
		}
		sched.SetWorkload(workload)
		appLogger.Info("Static workload loaded", "file", cfg.WorkloadFile)
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- sched.Run(schedCtx)
	}()

	srv := scheduler.NewServer(cfg.ListenAddr, sched, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			schedCancel()
			if err != nil {
				return err
			}
			if schedErr := <-schedErrCh; schedErr != nil && !errors.Is(schedErr, context.Canceled) {
				return schedErr
			}
			return nil
		case err := <-schedErrCh:
			schedErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("Shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			schedCancel()
			if schedErrCh != nil {
				if schedErr := <-schedErrCh; schedErr != nil && !errors.Is(schedErr, context.Canceled) {
					return schedErr
				}
			}

			appLogger.Info("Shutdown complete")
			return nil
		}
	}
}
