package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/gpu"
	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	var simulate bool
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "task and control listen address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "address advertised to the scheduler (defaults to the listen address)")
	flag.StringVar(&cfg.SchedulerAddr, "scheduler", cfg.SchedulerAddr, "scheduler control-plane address")
	flag.StringVar(&cfg.ModelRoot, "model-root", cfg.ModelRoot, "directory of model files and the model manifest")
	flag.StringVar(&cfg.ProfileRoot, "profile-root", cfg.ProfileRoot, "directory of model profile files")
	flag.IntVar(&cfg.GPUIndex, "gpu", cfg.GPUIndex, "index of the GPU to serve on")
	flag.BoolVar(&simulate, "simulate", false, "serve on a virtual GPU with simulated forward latency")
	flag.Parse()

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	logger.Info("Starting backend", "version", version.Current().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, simulate); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}

func selectDevice(cfg config.Backend, simulate bool, logger *slog.Logger) (gpu.Device, error) {
	if simulate {
		if cfg.GPUName == "" {
			return gpu.Device{}, fmt.Errorf("simulated mode needs a device name; set APP_GPU_NAME")
		}
		return gpu.Virtual(cfg.GPUName, cfg.GPUMemory), nil
	}
	devices, err := gpu.Discover(cfg.SysfsRoot, logger.With("component", "gpu_discovery"))
	if err != nil {
		return gpu.Device{}, fmt.Errorf("discover gpus: %w", err)
	}
	if cfg.GPUIndex >= len(devices) {
		return gpu.Device{}, fmt.Errorf("gpu index %d out of range: %d device(s) found", cfg.GPUIndex, len(devices))
	}
	return devices[cfg.GPUIndex], nil
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Backend, simulate bool) error {
	appLogger := logger.With("component", "app")

	device, err := selectDevice(cfg, simulate, logger)
	if err != nil {
		return err
	}
	appLogger.Info("Serving on GPU", "gpu_id", device.ID, "name", device.Name,
		"memory", device.TotalMemory, "profile_key", device.ProfileKey())

	profiles, err := profile.LoadDir(cfg.ProfileRoot, logger.With("component", "profile_db"))
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	manifest, err := profile.LoadManifest(filepath.Join(cfg.ModelRoot, "models.yml"))
	if err != nil {
		return fmt.Errorf("load model manifest: %w", err)
	}
	appLogger.Info("Loaded model catalog", "profiles", profiles.Len(), "models", manifest.Len())

	var factory executor.InstanceFactory
	if simulate {
		factory = func(sess model.ModelSession, info profile.ModelInfo, prof *profile.ModelProfile) (executor.ModelInstance, error) {
			return executor.NewSimInstance(sess, info, prof, executor.WithSimulatedLatency())
		}
	}
	node := backend.NewNode(device, profiles, manifest, factory, logger)
	srv := backend.NewServer(cfg.ListenAddr, node, logger)

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.ListenAddr
	}
	if host, _, err := net.SplitHostPort(advertise); err == nil && host == "" {
		return fmt.Errorf("advertise address %q has no host; set APP_ADVERTISE_ADDR or -advertise", advertise)
	}
	beacon := backend.NewBeacon(cfg.SchedulerAddr, advertise, advertise, node, logger)

	nodeCtx, nodeCancel := context.WithCancel(ctx)
	defer nodeCancel()

	nodeErrCh := make(chan error, 1)
	go func() {
		nodeErrCh <- node.Run(nodeCtx)
	}()

	beaconErrCh := make(chan error, 1)
	go func() {
		beaconErrCh <- beacon.Run(nodeCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			nodeCancel()
			if err != nil {
				return err
			}
			return drain(nodeErrCh, beaconErrCh)
		case err := <-nodeErrCh:
			nodeErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case err := <-beaconErrCh:
			beaconErrCh = nil
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

			nodeCancel()
			if err := drain(nodeErrCh, beaconErrCh); err != nil {
				return err
			}

			appLogger.Info("Shutdown complete")
			return nil
		}
	}
}

func drain(chans ...chan error) error {
	for _, ch := range chans {
		if ch == nil {
			continue
		}
		if err := <-ch; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
