// Package config loads runtime configuration for the scheduler and
// backend binaries. Defaults are overridden by APP_-prefixed
// environment variables; command-line flags in each main take final
// precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Scheduler is the scheduler binary's configuration.
type Scheduler struct {
	ListenAddr     string
	ProfileRoot    string
	WorkloadFile   string
	BeaconInterval time.Duration
	AliveTimeout   time.Duration
	EpochInterval  time.Duration
	LogLevel       slog.Level
}

// Backend is the backend binary's configuration.
type Backend struct {
	ListenAddr    string
	AdvertiseAddr string
	SchedulerAddr string
	ModelRoot     string
	ProfileRoot   string
	SysfsRoot     string
	GPUIndex      int
	GPUName       string
	GPUMemory     uint64
	LogLevel      slog.Level
}

// LoadScheduler builds the scheduler configuration from the environment.
func LoadScheduler() (Scheduler, error) {
	cfg := Scheduler{
		ListenAddr:     ":7001",
		ProfileRoot:    "profiles",
		BeaconInterval: 2 * time.Second,
		AliveTimeout:   6 * time.Second,
		EpochInterval:  500 * time.Millisecond,
		LogLevel:       slog.LevelInfo,
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_PROFILE_ROOT")); value != "" {
		cfg.ProfileRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_WORKLOAD_FILE")); value != "" {
		cfg.WorkloadFile = value
	}

	var err error
	if cfg.BeaconInterval, err = durationEnv("APP_BEACON_INTERVAL", cfg.BeaconInterval); err != nil {
		return Scheduler{}, err
	}
	if cfg.AliveTimeout, err = durationEnv("APP_ALIVE_TIMEOUT", cfg.AliveTimeout); err != nil {
		return Scheduler{}, err
	}
	if cfg.EpochInterval, err = durationEnv("APP_EPOCH_INTERVAL", cfg.EpochInterval); err != nil {
		return Scheduler{}, err
	}
	if cfg.AliveTimeout <= cfg.BeaconInterval {
		return Scheduler{}, fmt.Errorf("APP_ALIVE_TIMEOUT must exceed APP_BEACON_INTERVAL")
	}
	if cfg.LogLevel, err = logLevelEnv("APP_LOG_LEVEL", cfg.LogLevel); err != nil {
		return Scheduler{}, err
	}
	return cfg, nil
}

// LoadBackend builds the backend configuration from the environment.
func LoadBackend() (Backend, error) {
	cfg := Backend{
		ListenAddr:    ":7002",
		SchedulerAddr: "127.0.0.1:7001",
		ModelRoot:     "models",
		ProfileRoot:   "profiles",
		SysfsRoot:     "/sys",
		GPUIndex:      0,
		GPUMemory:     16 << 30,
		LogLevel:      slog.LevelInfo,
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_ADVERTISE_ADDR")); value != "" {
		cfg.AdvertiseAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_SCHEDULER_ADDR")); value != "" {
		cfg.SchedulerAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_MODEL_ROOT")); value != "" {
		cfg.ModelRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_PROFILE_ROOT")); value != "" {
		cfg.ProfileRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_GPU_INDEX")); value != "" {
		index, err := strconv.Atoi(value)
		if err != nil {
			return Backend{}, fmt.Errorf("parse APP_GPU_INDEX: %w", err)
		}
		if index < 0 {
			return Backend{}, fmt.Errorf("APP_GPU_INDEX must be >= 0")
		}
		cfg.GPUIndex = index
	}
	if value := strings.TrimSpace(os.Getenv("APP_GPU_NAME")); value != "" {
		cfg.GPUName = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_GPU_MEMORY")); value != "" {
		memory, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Backend{}, fmt.Errorf("parse APP_GPU_MEMORY: %w", err)
		}
		if memory == 0 {
			return Backend{}, fmt.Errorf("APP_GPU_MEMORY must be > 0")
		}
		cfg.GPUMemory = memory
	}

	var err error
	if cfg.LogLevel, err = logLevelEnv("APP_LOG_LEVEL", cfg.LogLevel); err != nil {
		return Backend{}, err
	}
	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return duration, nil
}

func logLevelEnv(name string, fallback slog.Level) (slog.Level, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	switch strings.ToUpper(value) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return fallback, fmt.Errorf("parse %s: unsupported log level %q", name, value)
	}
}
