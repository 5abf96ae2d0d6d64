package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/gpu"
	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession() model.ModelSession {
	return model.ModelSession{
		Framework:  "tensorflow",
		ModelName:  "resnet_50",
		Version:    1,
		LatencySLA: 100,
	}
}

const manifestYAML = `models:
  - framework: tensorflow
    model_name: resnet_50
    version: 1
    input_size: 4
    output_size: 4
`

func testManifest(t *testing.T) *profile.Manifest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := profile.LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	return m
}

func testNode(t *testing.T) *Node {
	t.Helper()
	device := gpu.Virtual("Tesla V100", 16<<30)
	db := profile.NewDB()
	b := profile.NewBuilder(device.ProfileKey(), testSession().ProfileID())
	for batch := uint32(1); batch <= 8; batch++ {
		if err := b.AddForward(batch, []float64{10000}, uint64(batch)<<20); err != nil {
			t.Fatalf("AddForward: %v", err)
		}
	}
	prof, err := b.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	db.Add(prof)
	return NewNode(device, db, testManifest(t), nil, testLogger())
}

func testTable(batch, maxBatch uint32) model.ModelTableConfig {
	return model.ModelTableConfig{
		Instances: []model.ModelInstanceConfig{{
			Session:        testSession(),
			Batch:          batch,
			MaxBatch:       maxBatch,
			ForwardLatency: 10000,
		}},
		ExecCycleUS: 10000,
		DutyCycleUS: 10000,
	}
}

func TestUpdateModelTableLoadsModels(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	if err := n.UpdateModelTable(testTable(4, 8)); err != nil {
		t.Fatalf("UpdateModelTable: %v", err)
	}

	configs := n.ModelTable()
	if len(configs) != 1 {
		t.Fatalf("model table = %d entries, want 1", len(configs))
	}
	if configs[0].Session.ID() != testSession().ID() || configs[0].Batch != 4 {
		t.Errorf("served config = %+v", configs[0])
	}
}

func TestUpdateModelTableUpdatesInPlace(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	if err := n.UpdateModelTable(testTable(4, 8)); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := n.UpdateModelTable(testTable(2, 4)); err != nil {
		t.Fatalf("second update: %v", err)
	}

	configs := n.ModelTable()
	if len(configs) != 1 || configs[0].Batch != 2 || configs[0].MaxBatch != 4 {
		t.Errorf("config after resize = %+v", configs)
	}
}

func TestUpdateModelTableRemovesAbsentModels(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	if err := n.UpdateModelTable(testTable(4, 8)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := n.UpdateModelTable(model.ModelTableConfig{}); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if got := n.ModelTable(); len(got) != 0 {
		t.Errorf("model table after unload = %+v", got)
	}
	if _, err := n.EnqueueTask(model.TaskRequest{SessionID: testSession().ID()}); err == nil {
		t.Error("unloaded model still accepts tasks")
	}
}

func TestUpdateModelTableRejectsUnknownModel(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	table := testTable(4, 8)
	table.Instances[0].Session.ModelName = "not_in_manifest"
	if err := n.UpdateModelTable(table); err == nil {
		t.Fatal("model outside the manifest accepted")
	}
	if got := n.ModelTable(); len(got) != 0 {
		t.Errorf("model table = %+v, want empty", got)
	}
}

func TestEnqueueTaskUnknownSession(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	_, err := n.EnqueueTask(model.TaskRequest{SessionID: "tensorflow:ghost:1:50"})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("err = %v, want ErrModelNotLoaded", err)
	}
	if got := n.Snapshot().TasksRejected; got != 1 {
		t.Errorf("rejected counter = %d, want 1", got)
	}
}

func TestNodeServesTaskEndToEnd(t *testing.T) {
	t.Parallel()

	n := testNode(t)
	n.SetID("backend-1")
	if err := n.UpdateModelTable(testTable(4, 8)); err != nil {
		t.Fatalf("UpdateModelTable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	tk, err := n.EnqueueTask(model.TaskRequest{
		QueryID:   1,
		UserID:    "user",
		SessionID: testSession().ID(),
		Inputs:    [][]float32{{1, 2, 3, 4}},
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
	reply := tk.Reply()
	if !reply.Status.OK() {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(reply.Outputs))
	}

	stats := n.Snapshot()
	if stats.NodeID != "backend-1" || stats.TasksTotal != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Models) != 1 || stats.Models[0].Forwards == 0 {
		t.Errorf("model stats = %+v", stats.Models)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
