// Package executor runs one model instance on a GPU: it batches queued
// inputs under their deadlines, drops what cannot make it, and routes
// finished tasks to the postprocess queue.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/task"
)

type inputItem struct {
	in  *task.Input
	seq uint64
}

func inputLess(a, b inputItem) bool {
	if !a.in.Deadline.Equal(b.in.Deadline) {
		return a.in.Deadline.Before(b.in.Deadline)
	}
	return a.seq < b.seq
}

// Executor owns the execution pipeline of one model instance. Inputs are
// queued in deadline order; each Execute call snapshots a batch, drops
// inputs that would finish past their deadline, runs one forward pass
// and demultiplexes the outputs back onto their tasks.
type Executor struct {
	instance  ModelInstance
	prof      *profile.ModelProfile
	postQueue *task.Queue
	logger    *slog.Logger

	mu         sync.Mutex
	inputs     *btree.BTreeG[inputItem]
	seq        uint64
	processing map[string]*task.Task
	batch      uint32
	maxBatch   uint32
	inputArray *task.Array

	batchID  atomic.Uint64
	forwards atomic.Uint64
	dropped  atomic.Uint64
}

// New creates an executor for the given instance. batch is the target
// batch size from the placement config, maxBatch the allocation bound.
func New(instance ModelInstance, prof *profile.ModelProfile, batch, maxBatch uint32, postQueue *task.Queue, logger *slog.Logger) *Executor {
	if maxBatch < batch {
		maxBatch = batch
	}
	if maxBatch == 0 {
		maxBatch = 1
	}
	return &Executor{
		instance:   instance,
		prof:       prof,
		postQueue:  postQueue,
		logger:     logger.With("component", "executor", "model", instance.Session().ID()),
		inputs:     btree.NewG(8, inputLess),
		processing: make(map[string]*task.Task),
		batch:      batch,
		maxBatch:   maxBatch,
		inputArray: instance.CreateInputGpuArray(maxBatch),
	}
}

// Session returns the model session this executor serves.
func (e *Executor) Session() model.ModelSession { return e.instance.Session() }

// SetBatch updates the target and maximum batch sizes, reallocating the
// input staging buffer when the bound grows.
func (e *Executor) SetBatch(batch, maxBatch uint32) {
	if maxBatch < batch {
		maxBatch = batch
	}
	if maxBatch == 0 {
		maxBatch = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batch = batch
	if maxBatch > e.maxBatch {
		e.inputArray = e.instance.CreateInputGpuArray(maxBatch)
	}
	e.maxBatch = maxBatch
}

// AddTask preprocesses the request into the task and queues its inputs.
func (e *Executor) AddTask(t *task.Task, req model.TaskRequest) error {
	if err := e.instance.Preprocess(t, req); err != nil {
		return err
	}
	t.SetStage(task.StageExec)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processing[t.ID] = t
	for _, in := range t.Inputs() {
		e.seq++
		e.inputs.ReplaceOrInsert(inputItem{in: in, seq: e.seq})
	}
	return nil
}

// QueueLen returns the number of inputs waiting for a forward pass.
func (e *Executor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs.Len()
}

// Stats returns the cumulative forward and dropped-input counters.
func (e *Executor) Stats() (forwards, dropped uint64) {
	return e.forwards.Load(), e.dropped.Load()
}

// Execute runs at most one batched forward pass. It pops inputs in
// deadline order, dropping any input whose task already failed or whose
// deadline falls before the batch's projected finish time, then forwards
// the surviving batch and scatters outputs back to their tasks. It
// returns the batch size forwarded, 0 when the queue yielded nothing or
// the forward pass failed.
func (e *Executor) Execute(now time.Time) uint32 {
	bt, completed := e.collectBatch(now)
	for _, t := range completed {
		e.postQueue.Push(t)
	}
	if bt == nil || bt.BatchSize() == 0 {
		return 0
	}

	bt.CreateOutputArrays(e.instance.OutputShapes())
	if err := e.instance.Forward(bt); err != nil {
		e.logger.Error("Forward pass failed", "batch_id", bt.ID, "batch_size", bt.BatchSize(), "error", err)
		e.failBatch(bt)
		return 0
	}
	e.forwards.Add(1)

	for i, in := range bt.Inputs() {
		t := bt.Tasks()[i]
		done := t.AddOutput(&task.Output{
			Index:  in.Index,
			Status: model.CtrlOK,
			Arrays: bt.OutputRow(i),
		})
		if done {
			e.finishTask(t)
		}
	}
	return bt.BatchSize()
}

// collectBatch snapshots the batch size, computes the projected finish
// time for that size, and pops inputs until the batch is full. Inputs
// that cannot finish in time get virtual outputs; tasks completed that
// way are returned for postprocess routing.
func (e *Executor) collectBatch(now time.Time) (*task.BatchTask, []*task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued := uint32(e.inputs.Len())
	if queued == 0 {
		return nil, nil
	}
	batchSize := e.batch
	if batchSize == 0 || queued < batchSize {
		batchSize = queued
	}
	if batchSize > e.maxBatch {
		batchSize = e.maxBatch
	}

	finish := now
	if e.prof != nil {
		if lat := e.prof.ForwardLatency(batchSize); lat > 0 {
			finish = now.Add(time.Duration(lat) * time.Microsecond)
		}
	}

	bt := task.NewBatchTask(e.batchID.Add(1), e.maxBatch)
	bt.SetInputArray(e.inputArray)
	var completed []*task.Task
	for bt.BatchSize() < batchSize {
		item, ok := e.inputs.DeleteMin()
		if !ok {
			break
		}
		in := item.in
		t := e.processing[in.TaskID]
		if t == nil {
			continue
		}
		if !t.Status().OK() || in.Deadline.Before(finish) {
			e.dropped.Add(1)
			if t.AddVirtualOutput(in.Index) {
				delete(e.processing, t.ID)
				t.SetStage(task.StagePostprocess)
				completed = append(completed, t)
			}
			continue
		}
		if err := bt.Append(in, t); err != nil {
			// Capacity race after a SetBatch shrink; requeue and stop.
			e.inputs.ReplaceOrInsert(item)
			break
		}
	}
	return bt, completed
}

// failBatch marks every task in a failed batch with an internal error and
// fills the affected slots with virtual outputs.
func (e *Executor) failBatch(bt *task.BatchTask) {
	for i, in := range bt.Inputs() {
		t := bt.Tasks()[i]
		t.Fail(model.CtrlInternalError)
		if t.AddVirtualOutput(in.Index) {
			e.finishTask(t)
		}
	}
}

// finishTask removes a completed task from the processing set and hands
// it to the postprocess queue.
func (e *Executor) finishTask(t *task.Task) {
	e.mu.Lock()
	delete(e.processing, t.ID)
	e.mu.Unlock()
	t.SetStage(task.StagePostprocess)
	e.postQueue.Push(t)
}

// Drain empties the input queue, filling every remaining input with a
// virtual output, and routes the affected tasks to postprocessing.
// Called on model unload and shutdown.
func (e *Executor) Drain() {
	e.mu.Lock()
	var completed []*task.Task
	for {
		item, ok := e.inputs.DeleteMin()
		if !ok {
			break
		}
		t := e.processing[item.in.TaskID]
		if t == nil {
			continue
		}
		e.dropped.Add(1)
		if t.AddVirtualOutput(item.in.Index) {
			delete(e.processing, t.ID)
			t.SetStage(task.StagePostprocess)
			completed = append(completed, t)
		}
	}
	e.mu.Unlock()
	for _, t := range completed {
		e.postQueue.Push(t)
	}
}

// Run executes forward passes whenever inputs are queued, pacing by the
// configured duty cycle when one is set. A zero duty cycle polls on a
// short fixed cadence.
func (e *Executor) Run(ctx context.Context, dutyCycle time.Duration) error {
	if dutyCycle <= 0 {
		dutyCycle = time.Millisecond
	}
	ticker := time.NewTicker(dutyCycle)
	defer ticker.Stop()
	e.logger.Debug("Executor loop started", "duty_cycle", dutyCycle)
	for {
		select {
		case <-ctx.Done():
			e.Drain()
			return ctx.Err()
		case now := <-ticker.C:
			for e.Execute(now) > 0 && e.QueueLen() > 0 {
				now = time.Now()
			}
		}
	}
}
