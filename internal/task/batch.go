package task

import "fmt"

// Array is a contiguous buffer pre-sliced into fixed-size elements. The
// executor owns one as its GPU input staging area.
type Array struct {
	data  []float32
	elems int
}

// NewArray allocates a buffer for capacity elements of elemSize floats.
func NewArray(capacity, elemSize int) *Array {
	return &Array{
		data:  make([]float32, capacity*elemSize),
		elems: elemSize,
	}
}

// Slice returns the i-th element view.
func (a *Array) Slice(i int) []float32 {
	return a.data[i*a.elems : (i+1)*a.elems]
}

// Data returns the first n elements as one contiguous view.
func (a *Array) Data(n int) []float32 {
	return a.data[:n*a.elems]
}

// Capacity returns the number of elements the array holds.
func (a *Array) Capacity() int { return len(a.data) / a.elems }

// ElemSize returns the number of floats per element.
func (a *Array) ElemSize() int { return a.elems }

// BatchTask is one batched forward pass: up to maxBatch (input, task)
// pairs sharing a contiguous input buffer. Created fresh per Execute call.
type BatchTask struct {
	ID       uint64
	maxBatch uint32

	inputs     []*Input
	tasks      []*Task
	inputArray *Array
	outputs    map[string][][]float32
}

// NewBatchTask creates an empty batch with the given id and capacity.
func NewBatchTask(id uint64, maxBatch uint32) *BatchTask {
	return &BatchTask{
		ID:       id,
		maxBatch: maxBatch,
		inputs:   make([]*Input, 0, maxBatch),
		tasks:    make([]*Task, 0, maxBatch),
	}
}

// SetInputArray attaches the executor's staging buffer.
func (b *BatchTask) SetInputArray(arr *Array) { b.inputArray = arr }

// Append adds one (input, task) pair and stages the input data into the
// batch buffer.
func (b *BatchTask) Append(in *Input, t *Task) error {
	if uint32(len(b.inputs)) >= b.maxBatch {
		return fmt.Errorf("batch %d: capacity %d exceeded", b.ID, b.maxBatch)
	}
	if b.inputArray != nil {
		slot := b.inputArray.Slice(len(b.inputs))
		n := copy(slot, in.Data)
		for i := n; i < len(slot); i++ {
			slot[i] = 0
		}
	}
	b.inputs = append(b.inputs, in)
	b.tasks = append(b.tasks, t)
	return nil
}

// BatchSize returns the number of appended inputs.
func (b *BatchTask) BatchSize() uint32 { return uint32(len(b.inputs)) }

// Inputs returns the appended inputs in append order.
func (b *BatchTask) Inputs() []*Input { return b.inputs }

// Tasks returns the owning task for each appended input, position-aligned
// with Inputs.
func (b *BatchTask) Tasks() []*Task { return b.tasks }

// InputData returns the staged contiguous input view for the current
// batch size, or nil when no staging buffer is attached.
func (b *BatchTask) InputData() []float32 {
	if b.inputArray == nil {
		return nil
	}
	return b.inputArray.Data(len(b.inputs))
}

// CreateOutputArrays allocates per-input output buffers on the CPU for
// every named output. Sizes are recomputed each call since models may
// have variable output shapes.
func (b *BatchTask) CreateOutputArrays(sizes map[string]int) {
	b.outputs = make(map[string][][]float32, len(sizes))
	for name, size := range sizes {
		rows := make([][]float32, len(b.inputs))
		for i := range rows {
			rows[i] = make([]float32, size)
		}
		b.outputs[name] = rows
	}
}

// OutputRow returns the output buffers for the i-th input, one per
// output name.
func (b *BatchTask) OutputRow(i int) map[string][]float32 {
	row := make(map[string][]float32, len(b.outputs))
	for name, rows := range b.outputs {
		row[name] = rows[i]
	}
	return row
}

// Outputs returns the raw output arrays keyed by output name.
func (b *BatchTask) Outputs() map[string][][]float32 { return b.outputs }
