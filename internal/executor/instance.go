package executor

import (
	"fmt"
	"time"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/task"
)

// ModelInstance is the capability set every framework wrapper provides.
// The executor only ever talks to models through this interface.
type ModelInstance interface {
	Session() model.ModelSession
	// OutputShapes returns elements-per-input for each named output.
	// Called before every forward since shapes may vary per batch.
	OutputShapes() map[string]int
	// CreateInputGpuArray allocates the executor's input staging buffer.
	CreateInputGpuArray(maxBatch uint32) *task.Array
	// Preprocess parses a request payload into task inputs.
	Preprocess(t *task.Task, req model.TaskRequest) error
	// Forward runs one batched pass, filling the batch output arrays.
	Forward(b *task.BatchTask) error
	// Postprocess turns a task's raw outputs into its reply form.
	Postprocess(t *task.Task) error
}

// InstanceFactory builds a model instance for a session. Backends use it
// so framework wrappers stay out of the executor.
type InstanceFactory func(sess model.ModelSession, info profile.ModelInfo, prof *profile.ModelProfile) (ModelInstance, error)

// SimOption tweaks a SimInstance.
type SimOption func(*SimInstance)

// WithSimulatedLatency makes Forward sleep for the profiled latency,
// for profiling runs and latency experiments.
func WithSimulatedLatency() SimOption {
	return func(s *SimInstance) { s.simulateLatency = true }
}

// SimInstance is a deterministic model instance: Forward copies each
// input to the "output" array. It backs tests and the profiler binary,
// and serves as the placeholder engine when no framework wrapper is
// compiled in.
type SimInstance struct {
	session         model.ModelSession
	inputSize       int
	outputSize      int
	prof            *profile.ModelProfile
	simulateLatency bool
}

// NewSimInstance builds a sim instance from a manifest entry.
func NewSimInstance(sess model.ModelSession, info profile.ModelInfo, prof *profile.ModelProfile, opts ...SimOption) (*SimInstance, error) {
	inputSize := int(info.InputSize)
	if inputSize == 0 && sess.ImageHeight > 0 {
		inputSize = int(sess.ImageHeight * sess.ImageWidth * 3)
	}
	if inputSize == 0 {
		return nil, fmt.Errorf("sim instance %s: input size unknown", sess.ID())
	}
	outputSize := int(info.OutputSize)
	if outputSize == 0 {
		outputSize = inputSize
	}
	s := &SimInstance{
		session:    sess,
		inputSize:  inputSize,
		outputSize: outputSize,
		prof:       prof,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Session implements ModelInstance.
func (s *SimInstance) Session() model.ModelSession { return s.session }

// OutputShapes implements ModelInstance.
func (s *SimInstance) OutputShapes() map[string]int {
	return map[string]int{"output": s.outputSize}
}

// CreateInputGpuArray implements ModelInstance.
func (s *SimInstance) CreateInputGpuArray(maxBatch uint32) *task.Array {
	return task.NewArray(int(maxBatch), s.inputSize)
}

// Preprocess implements ModelInstance. Each request input is padded or
// truncated to the model input size.
func (s *SimInstance) Preprocess(t *task.Task, req model.TaskRequest) error {
	if len(req.Inputs) == 0 {
		return fmt.Errorf("preprocess %s: request has no inputs", s.session.ID())
	}
	for _, raw := range req.Inputs {
		data := make([]float32, s.inputSize)
		copy(data, raw)
		t.AddInput(data)
	}
	return nil
}

// Forward implements ModelInstance.
func (s *SimInstance) Forward(b *task.BatchTask) error {
	if s.simulateLatency && s.prof != nil {
		if lat := s.prof.ForwardLatency(b.BatchSize()); lat > 0 {
			time.Sleep(time.Duration(lat) * time.Microsecond)
		}
	}
	rows, ok := b.Outputs()["output"]
	if !ok {
		return fmt.Errorf("forward %s: output arrays not created", s.session.ID())
	}
	for i, in := range b.Inputs() {
		copy(rows[i], in.Data)
	}
	return nil
}

// Postprocess implements ModelInstance. The sim engine's outputs are
// already in reply form.
func (s *SimInstance) Postprocess(*task.Task) error { return nil }

// SimFactory is the default instance factory.
func SimFactory(sess model.ModelSession, info profile.ModelInfo, prof *profile.ModelProfile) (ModelInstance, error) {
	return NewSimInstance(sess, info, prof)
}
