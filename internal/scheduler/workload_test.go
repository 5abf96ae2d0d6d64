package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/modelmux/modelmux/internal/profile"
)

const workloadYAML = `backends:
  - - model_session:
        framework: tensorflow
        model_name: resnet_50
        version: 1
        latency_sla: 10
      workload_qps: 500
    - model_session:
        framework: tensorflow
        model_name: inception_v3
        version: 1
        latency_sla: 10
      workload_qps: 200
      batch: 2
  - - model_session:
        framework: tensorflow
        model_name: resnet_50
        version: 1
        latency_sla: 10
      workload_qps: 300
`

func writeWorkload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write workload file: %v", err)
	}
	return path
}

func TestLoadWorkload(t *testing.T) {
	t.Parallel()

	w, err := LoadWorkload(writeWorkload(t, workloadYAML))
	if err != nil {
		t.Fatalf("LoadWorkload: %v", err)
	}
	if len(w.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(w.Backends))
	}
	if len(w.Backends[0]) != 2 || len(w.Backends[1]) != 1 {
		t.Fatalf("backend model counts = %d/%d, want 2/1", len(w.Backends[0]), len(w.Backends[1]))
	}
	first := w.Backends[0][0]
	if first.Session.ID() != "tensorflow:resnet_50:1:10" {
		t.Errorf("first session = %q", first.Session.ID())
	}
	if first.WorkloadQPS != 500 || first.Batch != 0 {
		t.Errorf("first model = %+v", first)
	}
	if got := w.Backends[0][1].Batch; got != 2 {
		t.Errorf("pinned batch = %d, want 2", got)
	}
}

func TestLoadWorkloadRejectsInvalidSession(t *testing.T) {
	t.Parallel()

	bad := `backends:
  - - model_session:
        framework: tensorflow
        version: 1
        latency_sla: 10
      workload_qps: 500
`
	if _, err := LoadWorkload(writeWorkload(t, bad)); err == nil {
		t.Fatal("workload with incomplete session accepted")
	}

	if _, err := LoadWorkload(writeWorkload(t, "backends: {not a list}")); err == nil {
		t.Fatal("malformed yaml accepted")
	}

	if _, err := LoadWorkload(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestSetWorkloadAssignsOnRegister(t *testing.T) {
	t.Parallel()

	db := profile.NewDB()
	db.Add(linearProfile(t))
	s := New(db, testLogger())

	w, err := LoadWorkload(writeWorkload(t, workloadYAML))
	if err != nil {
		t.Fatalf("LoadWorkload: %v", err)
	}
	s.SetWorkload(w)

	firstID := registerBackend(t, s)
	table, ok := s.ModelTable(firstID)
	if !ok {
		t.Fatal("no model table for first backend")
	}
	// inception_v3 has no profile and is skipped; resnet_50 lands with
	// the SLA-optimal batch since the file leaves batch unset.
	if len(table.Instances) != 1 {
		t.Fatalf("instances = %d, want 1: %+v", len(table.Instances), table.Instances)
	}
	inst := table.Instances[0]
	if inst.Session.ModelName != "resnet_50" {
		t.Errorf("assigned model = %q", inst.Session.ModelName)
	}
	if inst.Batch != 8 {
		t.Errorf("defaulted batch = %d, want 8", inst.Batch)
	}
	if inst.Workload != 500 {
		t.Errorf("workload = %v, want 500", inst.Workload)
	}
	if table.ExecCycleUS != 9000 || table.DutyCycleUS != 9000 {
		t.Errorf("cycle = %v/%v, want 9000/9000", table.ExecCycleUS, table.DutyCycleUS)
	}

	update, ok := s.SessionBackends(refSession().ID())
	if !ok {
		t.Fatal("assigned session has no routing entry")
	}
	if len(update.Backends) != 1 || update.Backends[0].NodeID != firstID {
		t.Errorf("routing entry = %+v", update)
	}

	// The second backend claims the next list in registration order.
	secondID := registerBackend(t, s)
	table, ok = s.ModelTable(secondID)
	if !ok || len(table.Instances) != 1 {
		t.Fatalf("second backend table = %+v ok=%v", table, ok)
	}
	if table.Instances[0].Workload != 300 {
		t.Errorf("second backend workload = %v, want 300", table.Instances[0].Workload)
	}
	update, _ = s.SessionBackends(refSession().ID())
	if len(update.Backends) != 2 {
		t.Errorf("session should route to both backends: %+v", update.Backends)
	}

	// The plan is exhausted: later backends register idle.
	thirdID := registerBackend(t, s)
	if table, _ := s.ModelTable(thirdID); len(table.Instances) != 0 {
		t.Errorf("backend past the plan got models: %+v", table.Instances)
	}
}
