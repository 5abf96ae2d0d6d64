// Package profile holds the offline-measured latency and memory curves
// for (GPU device, model) pairs, and the model manifest consumed by
// backends when instantiating models.
package profile

// Stat is a mean/std pair of a latency measurement in microseconds.
type Stat struct {
	Mean float64
	Std  float64
}

// ForwardEntry is one row of the forward-latency curve.
type ForwardEntry struct {
	LatencyUS float64
	StdUS     float64
	Memory    uint64
}

// ModelProfile is the measured curve for one (gpu device, profile id)
// pair. Immutable after parsing.
type ModelProfile struct {
	ProfileID string
	GPUDevice string

	// forward[i] holds the entry for batch size minBatch+i.
	minBatch    uint32
	forward     []ForwardEntry
	preprocess  Stat
	postprocess Stat
}

// MinBatch returns the smallest profiled batch size.
func (p *ModelProfile) MinBatch() uint32 { return p.minBatch }

// MaxProfiledBatch returns the largest profiled batch size.
func (p *ModelProfile) MaxProfiledBatch() uint32 {
	return p.minBatch + uint32(len(p.forward)) - 1
}

// ForwardLatency returns the mean forward latency in microseconds for the
// given batch size, or 0 when the batch size was not profiled.
func (p *ModelProfile) ForwardLatency(batch uint32) float64 {
	entry, ok := p.entry(batch)
	if !ok {
		return 0
	}
	return entry.LatencyUS
}

// MemoryUsage returns the GPU memory footprint in bytes for the given
// batch size, or 0 when the batch size was not profiled.
func (p *ModelProfile) MemoryUsage(batch uint32) uint64 {
	entry, ok := p.entry(batch)
	if !ok {
		return 0
	}
	return entry.Memory
}

// PreprocessLatency returns the mean preprocess latency in microseconds.
func (p *ModelProfile) PreprocessLatency() float64 { return p.preprocess.Mean }

// PostprocessLatency returns the mean postprocess latency in microseconds.
func (p *ModelProfile) PostprocessLatency() float64 { return p.postprocess.Mean }

// MaxBatch returns the largest batch size whose full service time
// (forward + preprocess + postprocess) fits within the latency SLA.
func (p *ModelProfile) MaxBatch(latencySLAms uint32) uint32 {
	budget := float64(latencySLAms)*1000 - p.preprocess.Mean - p.postprocess.Mean
	best := uint32(0)
	for batch := p.minBatch; batch <= p.MaxProfiledBatch(); batch++ {
		if p.ForwardLatency(batch) > budget {
			break
		}
		best = batch
	}
	return best
}

// MaxThroughput returns the batch size maximizing batch/forward(batch)
// subject to the SLA budget, together with the throughput in qps that
// batch size sustains when the GPU runs back-to-back forwards.
func (p *ModelProfile) MaxThroughput(latencySLAms uint32) (uint32, float64) {
	budget := float64(latencySLAms)*1000 - p.preprocess.Mean - p.postprocess.Mean
	var (
		bestBatch      uint32
		bestThroughput float64
	)
	for batch := p.minBatch; batch <= p.MaxProfiledBatch(); batch++ {
		lat := p.ForwardLatency(batch)
		if lat <= 0 || lat > budget {
			continue
		}
		throughput := float64(batch) * 1e6 / lat
		if throughput > bestThroughput {
			bestThroughput = throughput
			bestBatch = batch
		}
	}
	return bestBatch, bestThroughput
}

func (p *ModelProfile) entry(batch uint32) (ForwardEntry, bool) {
	if batch < p.minBatch || batch > p.MaxProfiledBatch() {
		return ForwardEntry{}, false
	}
	return p.forward[batch-p.minBatch], true
}
