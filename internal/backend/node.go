// Package backend runs one GPU worker node: it keeps the model table the
// scheduler assigned to it, routes incoming task requests to per-model
// executors, and drives the shared GPU through its duty cycle.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/gpu"
	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/task"
)

// ErrModelNotLoaded reports a task request naming a model session the
// node does not currently serve.
var ErrModelNotLoaded = errors.New("model session not loaded")

const (
	defaultPostWorkers = 4
	idleDispatchCycle  = time.Millisecond
)

type modelEntry struct {
	config   model.ModelInstanceConfig
	instance executor.ModelInstance
	exec     *executor.Executor
}

// Node owns the serving state of one backend.
type Node struct {
	device      gpu.Device
	profiles    *profile.DB
	manifest    *profile.Manifest
	factory     executor.InstanceFactory
	postQueue   *task.Queue
	postWorkers int
	logger      *slog.Logger

	mu        sync.RWMutex
	id        string
	models    map[string]*modelEntry
	order     []string
	execCycle time.Duration
	dutyCycle time.Duration

	tasksTotal    atomic.Uint64
	tasksRejected atomic.Uint64
	tasksTimeout  atomic.Uint64
}

// NewNode assembles a backend node serving models on the given device.
func NewNode(device gpu.Device, profiles *profile.DB, manifest *profile.Manifest, factory executor.InstanceFactory, logger *slog.Logger) *Node {
	if factory == nil {
		factory = executor.SimFactory
	}
	return &Node{
		device:      device,
		profiles:    profiles,
		manifest:    manifest,
		factory:     factory,
		postQueue:   task.NewQueue(),
		postWorkers: defaultPostWorkers,
		logger:      logger.With("component", "backend"),
		models:      make(map[string]*modelEntry),
	}
}

// Device returns the GPU this node serves models on.
func (n *Node) Device() gpu.Device { return n.device }

// SetID stores the node id assigned at registration.
func (n *Node) SetID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
}

// ID returns the assigned node id, empty before registration.
func (n *Node) ID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// UpdateModelTable reconciles the served model set against the desired
// table: absent sessions are drained and removed, new sessions get fresh
// executors, existing ones have their batch bounds updated in place.
func (n *Node) UpdateModelTable(cfg model.ModelTableConfig) error {
	desired := make(map[string]model.ModelInstanceConfig, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		desired[inst.Session.ID()] = inst
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var removed []*executor.Executor
	for sessionID, entry := range n.models {
		if _, ok := desired[sessionID]; !ok {
			removed = append(removed, entry.exec)
			delete(n.models, sessionID)
			n.logger.Info("Model unloaded", "model", sessionID)
		}
	}

	var errs []error
	for sessionID, instCfg := range desired {
		if entry, ok := n.models[sessionID]; ok {
			entry.config = instCfg
			entry.exec.SetBatch(instCfg.Batch, instCfg.MaxBatch)
			continue
		}
		entry, err := n.loadModelLocked(instCfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n.models[sessionID] = entry
		n.logger.Info("Model loaded",
			"model", sessionID,
			"batch", instCfg.Batch,
			"max_batch", instCfg.MaxBatch,
			"memory", instCfg.MemoryUsage)
	}

	n.order = make([]string, 0, len(n.models))
	for sessionID := range n.models {
		n.order = append(n.order, sessionID)
	}
	sort.Strings(n.order)

	n.execCycle = time.Duration(cfg.ExecCycleUS) * time.Microsecond
	n.dutyCycle = time.Duration(cfg.DutyCycleUS) * time.Microsecond

	for _, exec := range removed {
		exec.Drain()
	}
	return errors.Join(errs...)
}

func (n *Node) loadModelLocked(instCfg model.ModelInstanceConfig) (*modelEntry, error) {
	sess := instCfg.Session
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	info, ok := n.manifest.ModelInfo(sess.Framework, sess.ModelName, sess.Version)
	if !ok {
		return nil, fmt.Errorf("load model %s: not in manifest", sess.ID())
	}
	prof := n.profiles.Lookup(n.device.ProfileKey(), sess.ProfileID())
	if prof == nil {
		n.logger.Warn("No profile for model, deadline projection disabled",
			"model", sess.ID(), "device", n.device.ProfileKey())
	}
	inst, err := n.factory(sess, info, prof)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", sess.ID(), err)
	}
	exec := executor.New(inst, prof, instCfg.Batch, instCfg.MaxBatch, n.postQueue, n.logger)
	return &modelEntry{config: instCfg, instance: inst, exec: exec}, nil
}

// ModelTable returns the currently served instance configs.
func (n *Node) ModelTable() []model.ModelInstanceConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	configs := make([]model.ModelInstanceConfig, 0, len(n.order))
	for _, sessionID := range n.order {
		configs = append(configs, n.models[sessionID].config)
	}
	return configs
}

// EnqueueTask creates a task for the request and hands its inputs to the
// serving executor. The returned task completes asynchronously.
func (n *Node) EnqueueTask(req model.TaskRequest) (*task.Task, error) {
	n.mu.RLock()
	entry, ok := n.models[req.SessionID]
	n.mu.RUnlock()
	if !ok {
		n.tasksRejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, req.SessionID)
	}

	t := task.New(entry.instance.Session(), req.QueryID, req.UserID)
	if err := entry.exec.AddTask(t, req); err != nil {
		n.tasksRejected.Add(1)
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	n.tasksTotal.Add(1)
	return t, nil
}

// Run drives the node: postprocess workers drain the completion queue
// while the dispatch loop walks the model table once per duty cycle,
// giving each executor one batched forward pass in turn.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < n.postWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			n.postprocessLoop(ctx, worker)
		}(i)
	}

	err := n.dispatchLoop(ctx)
	wg.Wait()
	return err
}

func (n *Node) dispatchLoop(ctx context.Context) error {
	n.logger.Info("Dispatch loop started", "device", n.device.Name)
	timer := time.NewTimer(idleDispatchCycle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			n.drainAll()
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		n.mu.RLock()
		execs := make([]*executor.Executor, 0, len(n.order))
		for _, sessionID := range n.order {
			execs = append(execs, n.models[sessionID].exec)
		}
		duty := n.dutyCycle
		n.mu.RUnlock()

		for _, exec := range execs {
			exec.Execute(time.Now())
		}

		next := idleDispatchCycle
		if duty > 0 {
			if elapsed := time.Since(start); elapsed < duty {
				next = duty - elapsed
			} else {
				next = time.Microsecond
			}
		}
		timer.Reset(next)
	}
}

func (n *Node) postprocessLoop(ctx context.Context, worker int) {
	logger := n.logger.With("postprocess_worker", worker)
	for {
		t, err := n.postQueue.Pop(ctx)
		if err != nil {
			return
		}
		n.mu.RLock()
		entry := n.models[t.Session.ID()]
		n.mu.RUnlock()
		if entry != nil {
			if err := entry.instance.Postprocess(t); err != nil {
				logger.Error("Postprocess failed", "task_id", t.ID, "error", err)
				t.Fail(model.CtrlInternalError)
			}
		}
		t.Finish()
		if t.Status() == model.CtrlTimeout {
			n.tasksTimeout.Add(1)
		}
	}
}

func (n *Node) drainAll() {
	n.mu.RLock()
	execs := make([]*executor.Executor, 0, len(n.models))
	for _, entry := range n.models {
		execs = append(execs, entry.exec)
	}
	n.mu.RUnlock()
	for _, exec := range execs {
		exec.Drain()
	}
}

// ModelStats is one model's share of a stats snapshot.
type ModelStats struct {
	SessionID string `json:"model_session_id"`
	QueueLen  int    `json:"queue_len"`
	Forwards  uint64 `json:"forwards"`
	Dropped   uint64 `json:"dropped_inputs"`
}

// Stats is the periodic report a backend sends the scheduler.
type Stats struct {
	NodeID        string       `json:"node_id"`
	TasksTotal    uint64       `json:"tasks_total"`
	TasksRejected uint64       `json:"tasks_rejected"`
	TasksTimeout  uint64       `json:"tasks_timeout"`
	Models        []ModelStats `json:"models"`
}

// Snapshot collects the current serving counters.
func (n *Node) Snapshot() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := Stats{
		NodeID:        n.id,
		TasksTotal:    n.tasksTotal.Load(),
		TasksRejected: n.tasksRejected.Load(),
		TasksTimeout:  n.tasksTimeout.Load(),
	}
	for _, sessionID := range n.order {
		entry := n.models[sessionID]
		forwards, dropped := entry.exec.Stats()
		stats.Models = append(stats.Models, ModelStats{
			SessionID: sessionID,
			QueueLen:  entry.exec.QueueLen(),
			Forwards:  forwards,
			Dropped:   dropped,
		})
	}
	return stats
}
