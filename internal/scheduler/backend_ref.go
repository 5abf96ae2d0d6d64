// Package scheduler hosts the control plane: backend registry, the
// profile-driven placement engine, workload bootstrapping, and the
// websocket push channel that keeps frontends' routing tables current.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/rpc"
)

// BackendRef is the scheduler-side record of one registered backend.
type BackendRef struct {
	id         string
	serverAddr string
	rpcAddr    string
	gpuDevice  string
	client     *rpc.Client

	mu          sync.Mutex
	memoryTotal uint64
	memoryUsed  uint64
	instances   []model.ModelInstanceConfig
	execCycleUS float64
	dutyCycleUS float64
	dirty       bool
	lastAlive   time.Time
}

// NewBackendRef records a freshly registered backend.
func NewBackendRef(id string, req model.RegisterRequest) *BackendRef {
	return &BackendRef{
		id:          id,
		serverAddr:  req.ServerAddress,
		rpcAddr:     req.RPCAddress,
		gpuDevice:   req.GPUDevice,
		client:      rpc.NewClient(req.RPCAddress),
		memoryTotal: req.GPUAvailableMemory,
		lastAlive:   time.Now(),
	}
}

// ID returns the assigned node id.
func (b *BackendRef) ID() string { return b.id }

// ServerAddress returns the address frontends send task traffic to.
func (b *BackendRef) ServerAddress() string { return b.serverAddr }

// GPUDevice returns the profile key of the backend's GPU.
func (b *BackendRef) GPUDevice() string { return b.gpuDevice }

// Info returns the frontend-visible description.
func (b *BackendRef) Info() model.BackendInfo {
	return model.BackendInfo{NodeID: b.id, ServerAddress: b.serverAddr}
}

// Occupancy returns the fraction of the backend's duty cycle already
// committed to forward passes.
func (b *BackendRef) Occupancy() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dutyCycleUS <= 0 {
		return 0
	}
	return b.execCycleUS / b.dutyCycleUS
}

// Idle reports whether the backend serves no model instances yet.
func (b *BackendRef) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances) == 0
}

// Instances returns a copy of the placed instance configs.
func (b *BackendRef) Instances() []model.ModelInstanceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ModelInstanceConfig(nil), b.instances...)
}

// PrepareLoadModel sizes a candidate placement of the session on this
// backend without committing it. A zero Batch in the returned config
// means the placement is infeasible here.
//
// An idle backend gets one of two shapes: when the requested workload
// meets or exceeds the profile's peak throughput under the SLA, the
// placement saturates the GPU with the throughput-optimal batch. Below
// that, the batch is sized so that queueing delay plus one forward pass
// still fits the SLA, leaving duty-cycle headroom for other models. A
// backend already serving models rejects the candidate; multi-model
// packing happens through the workload-file path.
func (b *BackendRef) PrepareLoadModel(prof *profile.ModelProfile, sess model.ModelSession, workloadQPS float64) (model.ModelInstanceConfig, float64) {
	cfg := model.ModelInstanceConfig{Session: sess, Workload: workloadQPS}
	if prof == nil {
		return cfg, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.instances) > 0 {
		return cfg, 0
	}

	slaUS := float64(sess.LatencySLA) * 1000
	overheadUS := prof.PreprocessLatency() + prof.PostprocessLatency()
	maxBatch, maxThroughput := prof.MaxThroughput(sess.LatencySLA)
	if maxBatch == 0 {
		return cfg, 0
	}

	memory := prof.MemoryUsage(maxBatch)
	if memory > b.availableMemoryLocked() {
		return cfg, 0
	}
	cfg.MaxBatch = maxBatch
	cfg.MemoryUsage = memory

	if workloadQPS <= 0 || workloadQPS >= maxThroughput {
		// Saturating: the GPU runs this model back to back.
		cfg.Batch = maxBatch
		cfg.ForwardLatency = prof.ForwardLatency(maxBatch)
		cfg.Throughput = maxThroughput
		return cfg, 1.0
	}

	// Residue load: size the batch so that the wait for a full batch to
	// accumulate plus one forward pass still meets the SLA.
	var batch uint32
	for candidate := prof.MinBatch(); candidate <= maxBatch; candidate++ {
		fwd := prof.ForwardLatency(candidate)
		if fwd <= 0 {
			continue
		}
		queueUS := float64(candidate-1) / workloadQPS * 1e6
		if queueUS+fwd+overheadUS > slaUS {
			break
		}
		batch = candidate
	}
	if batch == 0 {
		return cfg, 0
	}

	fwd := prof.ForwardLatency(batch)
	dutyCycleUS := slaUS - fwd - overheadUS
	cfg.Batch = batch
	cfg.ForwardLatency = fwd
	cfg.MemoryUsage = prof.MemoryUsage(batch)
	cfg.Throughput = float64(batch) * 1e6 / dutyCycleUS
	return cfg, fwd / dutyCycleUS
}

// LoadModel commits a prepared placement, marking the table dirty so the
// next sync pushes it to the backend.
func (b *BackendRef) LoadModel(cfg model.ModelInstanceConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances = append(b.instances, cfg)
	b.memoryUsed += cfg.MemoryUsage
	b.execCycleUS += cfg.ForwardLatency
	if cfg.Throughput > 0 {
		duty := float64(cfg.Batch) * 1e6 / cfg.Throughput
		if duty > b.dutyCycleUS {
			b.dutyCycleUS = duty
		}
	}
	if b.dutyCycleUS < b.execCycleUS {
		b.dutyCycleUS = b.execCycleUS
	}
	b.dirty = true
}

// LoadModelAdditive commits a workload-file placement: every already
// placed instance stretches its cycle to make room, and throughputs are
// rewritten against the longer duty cycle.
func (b *BackendRef) LoadModelAdditive(cfg model.ModelInstanceConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances = append(b.instances, cfg)
	b.memoryUsed += cfg.MemoryUsage
	b.execCycleUS += cfg.ForwardLatency
	b.dutyCycleUS += cfg.ForwardLatency
	if b.dutyCycleUS > 0 {
		for i := range b.instances {
			b.instances[i].Throughput = float64(b.instances[i].Batch) * 1e6 / b.dutyCycleUS
		}
	}
	b.dirty = true
}

// AvailableMemory returns GPU memory not yet committed to placements.
func (b *BackendRef) AvailableMemory() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableMemoryLocked()
}

func (b *BackendRef) availableMemoryLocked() uint64 {
	if b.memoryUsed >= b.memoryTotal {
		return 0
	}
	return b.memoryTotal - b.memoryUsed
}

// ModelTable builds the config pushed to the backend.
func (b *BackendRef) ModelTable() model.ModelTableConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.ModelTableConfig{
		Instances:   append([]model.ModelInstanceConfig(nil), b.instances...),
		ExecCycleUS: b.execCycleUS,
		DutyCycleUS: b.dutyCycleUS,
	}
}

// SyncModelTable pushes the model table to the backend when it has
// changed since the last successful push. A failed push leaves the
// table dirty so the next sync retries.
func (b *BackendRef) SyncModelTable(ctx context.Context) error {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	table := model.ModelTableConfig{
		Instances:   append([]model.ModelInstanceConfig(nil), b.instances...),
		ExecCycleUS: b.execCycleUS,
		DutyCycleUS: b.dutyCycleUS,
	}
	b.mu.Unlock()

	var reply model.RPCReply
	if err := b.client.Post(ctx, "/api/v1/model_table", table, &reply); err != nil {
		return err
	}
	if !reply.Status.OK() {
		return &tableRejectedError{status: reply.Status, detail: reply.Error}
	}

	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return nil
}

type tableRejectedError struct {
	status model.CtrlStatus
	detail string
}

func (e *tableRejectedError) Error() string {
	return "model table rejected: " + string(e.status) + ": " + e.detail
}

// Touch refreshes the liveness record.
func (b *BackendRef) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAlive = time.Now()
}

// LastAlive returns the most recent proof of life.
func (b *BackendRef) LastAlive() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAlive
}

// IsAlive reports whether the backend is considered live. Inside the
// timeout window the cached record answers; past it the backend gets one
// direct probe, which refreshes the record on success.
func (b *BackendRef) IsAlive(ctx context.Context, timeout time.Duration) bool {
	b.mu.Lock()
	elapsed := time.Since(b.lastAlive)
	b.mu.Unlock()
	if elapsed < timeout {
		return true
	}

	var reply model.RPCReply
	req := model.CheckAliveRequest{NodeType: model.BackendNode, NodeID: b.id}
	if err := b.client.Post(ctx, "/api/v1/check_alive", req, &reply); err != nil {
		return false
	}
	if !reply.Status.OK() {
		return false
	}
	b.Touch()
	return true
}
