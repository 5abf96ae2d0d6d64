// Package task defines the serving unit for one user query, the batched
// execution unit, and the blocking queue that hands executed tasks to
// postprocessing.
package task

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/modelmux/modelmux/internal/model"
)

// Stage tracks a task through its pipeline.
type Stage int

const (
	StagePreprocess Stage = iota
	StageExec
	StagePostprocess
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StagePreprocess:
		return "preprocess"
	case StageExec:
		return "exec"
	case StagePostprocess:
		return "postprocess"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// Input is one element of a task, scheduled independently by the
// executor's deadline queue.
type Input struct {
	TaskID   string
	Index    int
	Deadline time.Time
	Data     []float32
}

// Output is the result slot for one input.
type Output struct {
	Index   int
	Status  model.CtrlStatus
	Arrays  map[string][]float32
	Virtual bool
}

// Task is the serving unit for one user query. It owns one or more
// inputs that must all be forwarded (or dropped) before postprocessing.
type Task struct {
	ID      string
	QueryID uint64
	UserID  string
	Session model.ModelSession

	Deadline time.Time
	Timer    Timer

	mu      sync.Mutex
	stage   Stage
	status  model.CtrlStatus
	inputs  []*Input
	outputs []*Output
	filled  int
	done    chan struct{}

	// Attrs carries opaque per-task state between preprocess and
	// postprocess, owned by the model instance.
	Attrs any
}

// New creates a task for the given session; its deadline is the session
// SLA from now.
func New(session model.ModelSession, queryID uint64, userID string) *Task {
	now := time.Now()
	t := &Task{
		ID:       xid.New().String(),
		QueryID:  queryID,
		UserID:   userID,
		Session:  session,
		Deadline: now.Add(session.SLA()),
		stage:    StagePreprocess,
		status:   model.CtrlOK,
		done:     make(chan struct{}),
	}
	t.Timer.Record("created")
	return t
}

// AddInput appends one input element; called during preprocess, before
// the task is handed to an executor.
func (t *Task) AddInput(data []float32) *Input {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := &Input{
		TaskID:   t.ID,
		Index:    len(t.inputs),
		Deadline: t.Deadline,
		Data:     data,
	}
	t.inputs = append(t.inputs, in)
	t.outputs = append(t.outputs, nil)
	return in
}

// Inputs returns the task's inputs. The slice must not be mutated after
// the task enters an executor.
func (t *Task) Inputs() []*Input {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputs
}

// NumInputs returns the input count.
func (t *Task) NumInputs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputs)
}

// AddOutput stores a real output for the input at index and reports
// whether the task now has every output slot filled.
func (t *Task) AddOutput(out *Output) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fillLocked(out)
}

// AddVirtualOutput fills the slot at index with a timeout sentinel so the
// task can still complete, and reports whether it is now complete.
func (t *Task) AddVirtualOutput(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fillLocked(&Output{
		Index:   index,
		Status:  model.CtrlTimeout,
		Virtual: true,
	})
}

func (t *Task) fillLocked(out *Output) bool {
	if out.Index < 0 || out.Index >= len(t.outputs) || t.outputs[out.Index] != nil {
		return false
	}
	t.outputs[out.Index] = out
	t.filled++
	return t.filled == len(t.outputs)
}

// Outputs returns the filled output slots in input order.
func (t *Task) Outputs() []*Output {
	t.mu.Lock()
	defer t.mu.Unlock()
	outs := make([]*Output, 0, t.filled)
	for _, out := range t.outputs {
		if out != nil {
			outs = append(outs, out)
		}
	}
	return outs
}

// Stage returns the current pipeline stage.
func (t *Task) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// SetStage advances the pipeline stage and timestamps the transition.
func (t *Task) SetStage(stage Stage) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
	t.Timer.Record(stage.String())
}

// Status returns the task-level status.
func (t *Task) Status() model.CtrlStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Fail records a task-level error status. Inputs popped afterwards are
// dropped by the executor.
func (t *Task) Fail(status model.CtrlStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == model.CtrlOK {
		t.status = status
	}
}

// Finish aggregates per-output statuses into the task status, marks the
// task done, and releases waiters. A task succeeds if any input produced
// a real output; it times out only when every input was dropped.
func (t *Task) Finish() {
	t.mu.Lock()
	if t.stage == StageDone {
		t.mu.Unlock()
		return
	}
	t.stage = StageDone
	if t.status == model.CtrlOK {
		allVirtual := len(t.outputs) > 0
		for _, out := range t.outputs {
			if out == nil || !out.Virtual {
				allVirtual = false
				break
			}
		}
		if allVirtual {
			t.status = model.CtrlTimeout
		}
	}
	t.mu.Unlock()
	t.Timer.Record("done")
	close(t.done)
}

// Done returns a channel closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Reply builds the wire response for the task.
func (t *Task) Reply() model.TaskReply {
	t.mu.Lock()
	defer t.mu.Unlock()
	reply := model.TaskReply{
		Status:  t.status,
		QueryID: t.QueryID,
		TaskID:  t.ID,
	}
	for _, out := range t.outputs {
		if out == nil {
			continue
		}
		reply.Outputs = append(reply.Outputs, model.TaskOutput{
			Index:   out.Index,
			Status:  out.Status,
			Arrays:  out.Arrays,
			Virtual: out.Virtual,
		})
	}
	if created, done, ok := t.Timer.Span("created", "done"); ok {
		reply.LatencyUS = done.Sub(created).Microseconds()
	}
	return reply
}

// Timer records named timestamps along the task pipeline.
type Timer struct {
	mu     sync.Mutex
	points map[string]time.Time
}

// Record stores now under the given name, keeping the first record for
// repeated names.
func (tm *Timer) Record(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.points == nil {
		tm.points = make(map[string]time.Time)
	}
	if _, ok := tm.points[name]; !ok {
		tm.points[name] = time.Now()
	}
}

// Span returns the timestamps recorded under from and to.
func (tm *Timer) Span(from, to string) (time.Time, time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	a, okA := tm.points[from]
	b, okB := tm.points[to]
	return a, b, okA && okB
}
