package scheduler

import (
	"context"
	"testing"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db := profile.NewDB()
	db.Add(linearProfile(t))
	return New(db, testLogger())
}

func registerBackend(t *testing.T, s *Scheduler) string {
	t.Helper()
	reply := s.Register(model.RegisterRequest{
		NodeType:           model.BackendNode,
		ServerAddress:      "10.0.0.1:7002",
		RPCAddress:         "10.0.0.1:7002",
		GPUDevice:          "tesla_v100",
		GPUAvailableMemory: 16 << 30,
	})
	if !reply.Status.OK() || reply.NodeID == "" {
		t.Fatalf("backend register reply = %+v", reply)
	}
	return reply.NodeID
}

func TestRegisterAssignsIDsAndBeacon(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	backendID := registerBackend(t, s)

	reply := s.Register(model.RegisterRequest{
		NodeType:      model.FrontendNode,
		ServerAddress: "10.0.0.2:7003",
	})
	if !reply.Status.OK() || reply.NodeID == "" {
		t.Fatalf("frontend register reply = %+v", reply)
	}
	if reply.NodeID == backendID {
		t.Error("node ids must be unique")
	}
	if reply.BeaconIntervalMS <= 0 {
		t.Errorf("beacon interval = %d", reply.BeaconIntervalMS)
	}

	bad := s.Register(model.RegisterRequest{NodeType: "router"})
	if bad.Status != model.CtrlInvalidRequest {
		t.Errorf("unknown node type status = %v", bad.Status)
	}

	if got := len(s.Backends()); got != 1 {
		t.Errorf("backends = %d, want 1", got)
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	backendID := registerBackend(t, s)

	ok := s.KeepAlive(model.KeepAliveRequest{NodeType: model.BackendNode, NodeID: backendID})
	if !ok.Status.OK() {
		t.Errorf("keepalive for known backend = %+v", ok)
	}

	unknown := s.KeepAlive(model.KeepAliveRequest{NodeType: model.BackendNode, NodeID: "ghost"})
	if unknown.Status != model.CtrlServerUnreachable {
		t.Errorf("keepalive for unknown node = %v, want %v", unknown.Status, model.CtrlServerUnreachable)
	}

	// A backend id with the wrong node type must not pass.
	mismatched := s.KeepAlive(model.KeepAliveRequest{NodeType: model.FrontendNode, NodeID: backendID})
	if mismatched.Status.OK() {
		t.Error("keepalive accepted mismatched node type")
	}
}

func TestLoadModelPlacesOnIdleBackend(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	backendID := registerBackend(t, s)

	reply := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()})
	if !reply.Status.OK() {
		t.Fatalf("load model reply = %+v", reply)
	}
	if reply.BackendID != backendID {
		t.Errorf("placed on %q, want %q", reply.BackendID, backendID)
	}
	if reply.Config.Batch != 8 {
		t.Errorf("batch = %d, want saturating 8", reply.Config.Batch)
	}
	if reply.Occupancy != 1.0 {
		t.Errorf("occupancy = %v, want 1.0", reply.Occupancy)
	}

	update, ok := s.SessionBackends(refSession().ID())
	if !ok {
		t.Fatal("session has no routing entry after placement")
	}
	if len(update.Backends) != 1 || update.Backends[0].NodeID != backendID {
		t.Errorf("routing entry = %+v", update)
	}
	if update.Version == 0 {
		t.Error("routing version not bumped")
	}

	table, ok := s.ModelTable(backendID)
	if !ok || len(table.Instances) != 1 {
		t.Fatalf("model table = %+v ok=%v", table, ok)
	}
}

func TestLoadModelReusesExistingPlacement(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	registerBackend(t, s)

	first := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()})
	second := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()})
	if !second.Status.OK() {
		t.Fatalf("repeat load reply = %+v", second)
	}
	if second.BackendID != first.BackendID {
		t.Errorf("repeat load moved the session: %q -> %q", first.BackendID, second.BackendID)
	}
	if second.Config.Batch != first.Config.Batch {
		t.Errorf("repeat load changed the config: %+v", second.Config)
	}
}

func TestLoadModelInfeasible(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	registerBackend(t, s)

	// First session saturates the only backend.
	if reply := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()}); !reply.Status.OK() {
		t.Fatalf("first load = %+v", reply)
	}

	other := refSession()
	other.LatencySLA = 20
	reply := s.LoadModel(context.Background(), model.LoadModelRequest{Session: other})
	if reply.Status != model.CtrlPlacementInfeasible {
		t.Errorf("second load status = %v, want %v", reply.Status, model.CtrlPlacementInfeasible)
	}
}

func TestLoadModelRejectsInvalidSession(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	reply := s.LoadModel(context.Background(), model.LoadModelRequest{
		Session: model.ModelSession{Framework: "tensorflow"},
	})
	if reply.Status != model.CtrlInvalidRequest {
		t.Errorf("status = %v, want %v", reply.Status, model.CtrlInvalidRequest)
	}
}

func TestLoadModelNoProfile(t *testing.T) {
	t.Parallel()

	s := New(profile.NewDB(), testLogger())
	registerBackend(t, s)

	reply := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()})
	if reply.Status != model.CtrlPlacementInfeasible {
		t.Errorf("status = %v, want %v", reply.Status, model.CtrlPlacementInfeasible)
	}
}

func TestRemoveBackendRewritesRoutes(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	backendID := registerBackend(t, s)
	if reply := s.LoadModel(context.Background(), model.LoadModelRequest{Session: refSession()}); !reply.Status.OK() {
		t.Fatalf("load = %+v", reply)
	}

	sub := s.Hub().Attach()
	s.Hub().Subscribe(sub, refSession().ID())

	s.removeBackend(backendID)

	if got := len(s.Backends()); got != 0 {
		t.Fatalf("backends after removal = %d", got)
	}
	update, ok := s.SessionBackends(refSession().ID())
	if !ok {
		t.Fatal("session entry vanished with its backend")
	}
	if len(update.Backends) != 0 {
		t.Errorf("routing still lists removed backend: %+v", update.Backends)
	}

	select {
	case data := <-sub.Out():
		if len(data) == 0 {
			t.Error("empty push payload")
		}
	default:
		t.Error("subscriber not notified of backend removal")
	}
}
