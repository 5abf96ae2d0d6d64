package profile

import (
	"fmt"
	"math"
)

// Builder accumulates raw latency measurements and produces a
// ModelProfile in the on-disk format. Used by the profiler binary.
type Builder struct {
	profileID string
	gpuDevice string

	minBatch    uint32
	forward     []ForwardEntry
	preprocess  []float64
	postprocess []float64
}

// NewBuilder starts a profile for one (gpu device, profile id) pair.
func NewBuilder(gpuDevice, profileID string) *Builder {
	return &Builder{profileID: profileID, gpuDevice: gpuDevice}
}

// AddForward records the measured forward latencies (µs) and memory
// footprint for one batch size. Batch sizes must be added contiguously
// in increasing order.
func (b *Builder) AddForward(batch uint32, latenciesUS []float64, memory uint64) error {
	if len(latenciesUS) == 0 {
		return fmt.Errorf("profile builder: no forward samples for batch %d", batch)
	}
	if b.forward == nil {
		b.minBatch = batch
	} else if batch != b.minBatch+uint32(len(b.forward)) {
		return fmt.Errorf("profile builder: batch %d out of order, want %d",
			batch, b.minBatch+uint32(len(b.forward)))
	}
	mean, std := MeanStd(latenciesUS)
	b.forward = append(b.forward, ForwardEntry{
		LatencyUS: mean,
		StdUS:     std,
		Memory:    memory,
	})
	return nil
}

// AddPreprocess appends preprocess latency samples in microseconds.
func (b *Builder) AddPreprocess(latenciesUS ...float64) {
	b.preprocess = append(b.preprocess, latenciesUS...)
}

// AddPostprocess appends postprocess latency samples in microseconds.
func (b *Builder) AddPostprocess(latenciesUS ...float64) {
	b.postprocess = append(b.postprocess, latenciesUS...)
}

// Profile finalizes the accumulated measurements.
func (b *Builder) Profile() (*ModelProfile, error) {
	if len(b.forward) == 0 {
		return nil, fmt.Errorf("profile builder %s: no forward measurements", b.profileID)
	}
	preMean, preStd := MeanStd(b.preprocess)
	postMean, postStd := MeanStd(b.postprocess)
	return &ModelProfile{
		ProfileID:   b.profileID,
		GPUDevice:   b.gpuDevice,
		minBatch:    b.minBatch,
		forward:     append([]ForwardEntry(nil), b.forward...),
		preprocess:  Stat{Mean: preMean, Std: preStd},
		postprocess: Stat{Mean: postMean, Std: postStd},
	}, nil
}

// MeanStd returns the sample mean and standard deviation. A single
// sample has std 0; an empty slice yields 0,0.
func MeanStd(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	if len(samples) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	return mean, math.Sqrt(variance / float64(len(samples)-1))
}
