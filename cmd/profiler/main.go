// The profiler measures a model's forward latency curve on one GPU and
// writes the profile file the scheduler plans with. Each batch size is
// run repeatedly through the serving engine and the mean and standard
// deviation of the wall time are recorded.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/gpu"
	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/task"
	"github.com/modelmux/modelmux/internal/version"
)

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	var (
		framework = flag.String("framework", "", "model framework (required)")
		modelName = flag.String("model", "", "model name (required)")
		modelVer  = flag.Uint("model-version", 1, "model version")
		height    = flag.Uint("height", 0, "input image height")
		width     = flag.Uint("width", 0, "input image width")
		minBatch  = flag.Uint("min-batch", 1, "first batch size to measure")
		maxBatch  = flag.Uint("max-batch", 64, "last batch size to measure")
		repeats   = flag.Int("repeats", 20, "forward passes per batch size")
		simulate  = flag.Bool("simulate", false, "profile the simulated engine on a virtual GPU")
	)
	flag.StringVar(&cfg.ModelRoot, "model-root", cfg.ModelRoot, "directory of model files and the model manifest")
	flag.StringVar(&cfg.ProfileRoot, "profile-root", cfg.ProfileRoot, "directory profile files are written to")
	flag.IntVar(&cfg.GPUIndex, "gpu", cfg.GPUIndex, "index of the GPU to profile on")
	flag.Parse()

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler).With("component", "profiler")
	logger.Info("Starting profiler", "version", version.Current().String())

	if *framework == "" || *modelName == "" {
		logger.Error("both -framework and -model are required")
		os.Exit(1)
	}
	if *minBatch == 0 || *maxBatch < *minBatch {
		logger.Error("invalid batch range", "min", *minBatch, "max", *maxBatch)
		os.Exit(1)
	}

	sess := model.ModelSession{
		Framework:   *framework,
		ModelName:   *modelName,
		Version:     uint32(*modelVer),
		ImageHeight: uint32(*height),
		ImageWidth:  uint32(*width),
	}

	if err := run(logger, cfg, sess, uint32(*minBatch), uint32(*maxBatch), *repeats, *simulate); err != nil {
		logger.Error("profiling failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Backend, sess model.ModelSession, minBatch, maxBatch uint32, repeats int, simulate bool) error {
	var device gpu.Device
	if simulate {
		name := cfg.GPUName
		if name == "" {
			name = "simulated"
		}
		device = gpu.Virtual(name, cfg.GPUMemory)
	} else {
		devices, err := gpu.Discover(cfg.SysfsRoot, logger)
		if err != nil {
			return fmt.Errorf("discover gpus: %w", err)
		}
		if cfg.GPUIndex >= len(devices) {
			return fmt.Errorf("gpu index %d out of range: %d device(s) found", cfg.GPUIndex, len(devices))
		}
		device = devices[cfg.GPUIndex]
	}
	logger.Info("Profiling", "profile_id", sess.ProfileID(), "gpu", device.Name,
		"batches", fmt.Sprintf("%d..%d", minBatch, maxBatch), "repeats", repeats)

	manifest, err := profile.LoadManifest(filepath.Join(cfg.ModelRoot, "models.yml"))
	if err != nil {
		return fmt.Errorf("load model manifest: %w", err)
	}
	info, ok := manifest.ModelInfo(sess.Framework, sess.ModelName, sess.Version)
	if !ok && sess.ImageHeight == 0 {
		return fmt.Errorf("model %s not in manifest and no input dimensions given", sess.ProfileID())
	}

	instance, err := executor.NewSimInstance(sess, info, nil)
	if err != nil {
		return err
	}

	builder := profile.NewBuilder(device.ProfileKey(), sess.ProfileID())
	inputArray := instance.CreateInputGpuArray(maxBatch)
	elemBytes := uint64(inputArray.ElemSize()) * 4

	for batch := minBatch; batch <= maxBatch; batch++ {
		samples := make([]float64, 0, repeats)
		for rep := 0; rep < repeats; rep++ {
			elapsed, err := measureForward(instance, sess, inputArray, batch, builder, rep == 0)
			if err != nil {
				return fmt.Errorf("batch %d: %w", batch, err)
			}
			samples = append(samples, float64(elapsed.Microseconds()))
		}
		memory := uint64(batch) * elemBytes
		if err := builder.AddForward(batch, samples, memory); err != nil {
			return err
		}
		logger.Debug("Measured batch", "batch", batch)
	}

	prof, err := builder.Profile()
	if err != nil {
		return err
	}
	path, err := writeProfile(cfg.ProfileRoot, prof)
	if err != nil {
		return err
	}
	logger.Info("Profile written", "path", path)
	return nil
}

// measureForward runs one preprocessed batch through the engine and
// returns the forward wall time. Pre and post latencies are sampled on
// the first repeat only, per input.
func measureForward(instance *executor.SimInstance, sess model.ModelSession, inputArray *task.Array, batch uint32, builder *profile.Builder, sampleOverheads bool) (time.Duration, error) {
	t := task.New(sess, 0, "profiler")
	req := model.TaskRequest{Inputs: make([][]float32, batch)}
	for i := range req.Inputs {
		req.Inputs[i] = make([]float32, inputArray.ElemSize())
	}

	preStart := time.Now()
	if err := instance.Preprocess(t, req); err != nil {
		return 0, err
	}
	if sampleOverheads {
		perInput := float64(time.Since(preStart).Microseconds()) / float64(batch)
		builder.AddPreprocess(perInput)
	}

	bt := task.NewBatchTask(0, batch)
	bt.SetInputArray(inputArray)
	for _, in := range t.Inputs() {
		if err := bt.Append(in, t); err != nil {
			return 0, err
		}
	}
	bt.CreateOutputArrays(instance.OutputShapes())

	start := time.Now()
	if err := instance.Forward(bt); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	if sampleOverheads {
		postStart := time.Now()
		if err := instance.Postprocess(t); err != nil {
			return 0, err
		}
		perInput := float64(time.Since(postStart).Microseconds()) / float64(batch)
		builder.AddPostprocess(perInput)
	}
	return elapsed, nil
}

func writeProfile(root string, prof *profile.ModelProfile) (string, error) {
	dir := filepath.Join(root, prof.GPUDevice)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	name := strings.ReplaceAll(prof.ProfileID, ":", "_") + ".txt"
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create profile file: %w", err)
	}
	if _, err := prof.WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("write profile: %w", err)
	}
	return path, f.Close()
}
