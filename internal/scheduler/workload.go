package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/internal/model"
)

// WorkloadModel is one model assignment in a static workload file.
// Batch is optional; when omitted the profile's SLA-optimal batch is
// used.
type WorkloadModel struct {
	Session     model.ModelSession `yaml:"model_session"`
	WorkloadQPS float64            `yaml:"workload_qps"`
	Batch       uint32             `yaml:"batch,omitempty"`
}

// Workload is a static placement plan: backends pick up one model list
// each, in registration order. Used for experiments where the placement
// is decided offline.
type Workload struct {
	Backends [][]WorkloadModel `yaml:"backends"`
}

// LoadWorkload parses a workload file.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload file: %w", err)
	}
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workload file %s: %w", path, err)
	}
	for i, backend := range w.Backends {
		for j, m := range backend {
			if err := m.Session.Validate(); err != nil {
				return nil, fmt.Errorf("workload file %s: backend %d model %d: %w", path, i, j, err)
			}
		}
	}
	return &w, nil
}

// SetWorkload installs a static workload plan. Must be called before
// backends register.
func (s *Scheduler) SetWorkload(w *Workload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workload = w
	s.workloadNext = 0
}

// assignWorkload hands the next unclaimed workload entry to a newly
// registered backend. Unlike interactive placement there is no SLA
// sizing here: the file is trusted and every model is packed onto the
// backend additively.
func (s *Scheduler) assignWorkload(ref *BackendRef) {
	s.mu.Lock()
	if s.workload == nil || s.workloadNext >= len(s.workload.Backends) {
		s.mu.Unlock()
		return
	}
	assignment := s.workload.Backends[s.workloadNext]
	s.workloadNext++
	s.mu.Unlock()

	for _, m := range assignment {
		sess := m.Session
		prof := s.profiles.Lookup(ref.GPUDevice(), sess.ProfileID())
		if prof == nil {
			s.logger.Error("Workload model has no profile, skipping",
				"model", sess.ID(), "device", ref.GPUDevice())
			continue
		}
		batch := m.Batch
		if batch == 0 {
			batch = prof.MaxBatch(sess.LatencySLA)
		}
		if batch == 0 {
			s.logger.Error("Workload model infeasible at any batch, skipping", "model", sess.ID())
			continue
		}
		cfg := model.ModelInstanceConfig{
			Session:        sess,
			Batch:          batch,
			MaxBatch:       batch,
			ForwardLatency: prof.ForwardLatency(batch),
			MemoryUsage:    prof.MemoryUsage(batch),
			Workload:       m.WorkloadQPS,
		}
		ref.LoadModelAdditive(cfg)
		s.recordPlacement(sess.ID(), sess, m.WorkloadQPS, ref.ID())
		s.logger.Info("Workload model assigned",
			"model", sess.ID(),
			"backend", ref.ID(),
			"batch", batch)
	}
}
