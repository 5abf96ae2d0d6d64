package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/profile"
)

const (
	defaultBeaconInterval = 2 * time.Second
	defaultAliveTimeout   = 6 * time.Second
	defaultEpochInterval  = 500 * time.Millisecond
)

type sessionState struct {
	session  model.ModelSession
	workload float64
	backends []string
	version  uint64
}

type frontendRef struct {
	id         string
	serverAddr string
	lastAlive  time.Time
}

// Scheduler is the control-plane state machine: it tracks registered
// nodes, places model sessions onto backends using offline profiles,
// and keeps backends' model tables and frontends' routing tables in
// sync.
type Scheduler struct {
	profiles       *profile.DB
	logger         *slog.Logger
	hub            *Hub
	beaconInterval time.Duration
	aliveTimeout   time.Duration
	epochInterval  time.Duration

	mu           sync.RWMutex
	backends     map[string]*BackendRef
	frontends    map[string]*frontendRef
	sessions     map[string]*sessionState
	workload     *Workload
	workloadNext int
}

// New builds a scheduler over the given profile database.
func New(profiles *profile.DB, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		profiles:       profiles,
		logger:         logger.With("component", "scheduler"),
		beaconInterval: defaultBeaconInterval,
		aliveTimeout:   defaultAliveTimeout,
		epochInterval:  defaultEpochInterval,
		backends:       make(map[string]*BackendRef),
		frontends:      make(map[string]*frontendRef),
		sessions:       make(map[string]*sessionState),
	}
	s.hub = NewHub(s.logger)
	return s
}

// SetIntervals overrides the beacon, liveness, and epoch timing. Zero
// values keep the current setting. Call before Run.
func (s *Scheduler) SetIntervals(beacon, alive, epoch time.Duration) {
	if beacon > 0 {
		s.beaconInterval = beacon
	}
	if alive > 0 {
		s.aliveTimeout = alive
	}
	if epoch > 0 {
		s.epochInterval = epoch
	}
}

// Register admits a backend or frontend and assigns it a node id.
func (s *Scheduler) Register(req model.RegisterRequest) model.RegisterReply {
	id := xid.New().String()
	switch req.NodeType {
	case model.BackendNode:
		ref := NewBackendRef(id, req)
		s.mu.Lock()
		s.backends[id] = ref
		s.mu.Unlock()
		s.logger.Info("Backend registered",
			"node_id", id,
			"gpu_device", req.GPUDevice,
			"gpu_memory", req.GPUAvailableMemory,
			"addr", req.ServerAddress)
		s.assignWorkload(ref)
	case model.FrontendNode:
		s.mu.Lock()
		s.frontends[id] = &frontendRef{
			id:         id,
			serverAddr: req.ServerAddress,
			lastAlive:  time.Now(),
		}
		s.mu.Unlock()
		s.logger.Info("Frontend registered", "node_id", id, "addr", req.ServerAddress)
	default:
		return model.RegisterReply{
			Status: model.CtrlInvalidRequest,
			Error:  "unknown node type",
		}
	}
	return model.RegisterReply{
		Status:           model.CtrlOK,
		NodeID:           id,
		BeaconIntervalMS: s.beaconInterval.Milliseconds(),
	}
}

// KeepAlive refreshes a node's liveness record. An unknown node gets a
// non-OK status so it re-registers.
func (s *Scheduler) KeepAlive(req model.KeepAliveRequest) model.RPCReply {
	s.mu.RLock()
	backend := s.backends[req.NodeID]
	frontend := s.frontends[req.NodeID]
	s.mu.RUnlock()

	switch {
	case req.NodeType == model.BackendNode && backend != nil:
		backend.Touch()
	case req.NodeType == model.FrontendNode && frontend != nil:
		s.mu.Lock()
		frontend.lastAlive = time.Now()
		s.mu.Unlock()
	default:
		return model.RPCReply{Status: model.CtrlServerUnreachable, Error: "node not registered"}
	}
	return model.RPCReply{Status: model.CtrlOK}
}

// TouchBackend refreshes a backend's liveness from a stats report.
func (s *Scheduler) TouchBackend(nodeID string) {
	s.mu.RLock()
	backend := s.backends[nodeID]
	s.mu.RUnlock()
	if backend != nil {
		backend.Touch()
	}
}

// LoadModel places a model session onto a backend. A session already
// placed answers from the existing assignment; otherwise idle backends
// are tried in registration order.
func (s *Scheduler) LoadModel(ctx context.Context, req model.LoadModelRequest) model.LoadModelReply {
	sess := req.Session
	if err := sess.Validate(); err != nil {
		return model.LoadModelReply{Status: model.CtrlInvalidRequest, Error: err.Error()}
	}
	sessionID := sess.ID()

	s.mu.Lock()
	if state, ok := s.sessions[sessionID]; ok && len(state.backends) > 0 {
		backendID := state.backends[0]
		ref := s.backends[backendID]
		s.mu.Unlock()
		reply := model.LoadModelReply{Status: model.CtrlOK, BackendID: backendID}
		if ref != nil {
			for _, inst := range ref.Instances() {
				if inst.Session.ID() == sessionID {
					reply.Config = inst
					break
				}
			}
			reply.Occupancy = ref.Occupancy()
		}
		return reply
	}

	candidates := make([]*BackendRef, 0, len(s.backends))
	for _, ref := range s.backends {
		candidates = append(candidates, ref)
	}
	s.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID() < candidates[j].ID() })

	for _, ref := range candidates {
		prof := s.profiles.Lookup(ref.GPUDevice(), sess.ProfileID())
		if prof == nil {
			continue
		}
		cfg, occupancy := ref.PrepareLoadModel(prof, sess, req.WorkloadQPS)
		if cfg.Batch == 0 {
			continue
		}
		ref.LoadModel(cfg)
		s.recordPlacement(sessionID, sess, req.WorkloadQPS, ref.ID())
		if err := ref.SyncModelTable(ctx); err != nil {
			s.logger.Warn("Model table push failed, will retry", "backend", ref.ID(), "error", err)
		}
		s.logger.Info("Model placed",
			"model", sessionID,
			"backend", ref.ID(),
			"batch", cfg.Batch,
			"throughput", cfg.Throughput,
			"occupancy", occupancy)
		return model.LoadModelReply{
			Status:    model.CtrlOK,
			BackendID: ref.ID(),
			Config:    cfg,
			Occupancy: occupancy,
		}
	}

	s.logger.Warn("No backend can host model", "model", sessionID, "workload", req.WorkloadQPS)
	return model.LoadModelReply{
		Status: model.CtrlPlacementInfeasible,
		Error:  "no backend can host " + sessionID,
	}
}

func (s *Scheduler) recordPlacement(sessionID string, sess model.ModelSession, workload float64, backendID string) {
	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{session: sess}
		s.sessions[sessionID] = state
	}
	state.workload += workload
	state.backends = append(state.backends, backendID)
	state.version++
	update := s.backendsUpdateLocked(sessionID, state)
	s.mu.Unlock()
	s.hub.Publish(update)
}

func (s *Scheduler) backendsUpdateLocked(sessionID string, state *sessionState) model.BackendsUpdate {
	infos := make([]model.BackendInfo, 0, len(state.backends))
	for _, backendID := range state.backends {
		if ref := s.backends[backendID]; ref != nil {
			infos = append(infos, ref.Info())
		}
	}
	return model.NewBackendsUpdate(sessionID, state.version, infos)
}

// SessionBackends returns the current routing entry for a session.
func (s *Scheduler) SessionBackends(sessionID string) (model.BackendsUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return model.BackendsUpdate{}, false
	}
	return s.backendsUpdateLocked(sessionID, state), true
}

// ModelTable returns the table currently assigned to one backend.
func (s *Scheduler) ModelTable(backendID string) (model.ModelTableConfig, bool) {
	s.mu.RLock()
	ref := s.backends[backendID]
	s.mu.RUnlock()
	if ref == nil {
		return model.ModelTableConfig{}, false
	}
	return ref.ModelTable(), true
}

// Backends returns the registered backend refs in id order.
func (s *Scheduler) Backends() []*BackendRef {
	s.mu.RLock()
	refs := make([]*BackendRef, 0, len(s.backends))
	for _, ref := range s.backends {
		refs = append(refs, ref)
	}
	s.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID() < refs[j].ID() })
	return refs
}

// Run drives the periodic epoch: dead-backend sweeps and dirty model
// table pushes.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.epochInterval)
	defer ticker.Stop()
	s.logger.Info("Epoch loop started", "interval", s.epochInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
			s.syncTables(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	for _, ref := range s.Backends() {
		if ref.IsAlive(ctx, s.aliveTimeout) {
			continue
		}
		s.logger.Warn("Backend presumed dead", "node_id", ref.ID(), "last_alive", ref.LastAlive())
		s.removeBackend(ref.ID())
	}

	s.mu.Lock()
	for id, fe := range s.frontends {
		if time.Since(fe.lastAlive) > 2*s.aliveTimeout {
			delete(s.frontends, id)
			s.logger.Warn("Frontend presumed dead", "node_id", id)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) removeBackend(backendID string) {
	var updates []model.BackendsUpdate
	s.mu.Lock()
	delete(s.backends, backendID)
	for sessionID, state := range s.sessions {
		kept := state.backends[:0]
		removed := false
		for _, id := range state.backends {
			if id == backendID {
				removed = true
				continue
			}
			kept = append(kept, id)
		}
		if !removed {
			continue
		}
		state.backends = kept
		state.version++
		updates = append(updates, s.backendsUpdateLocked(sessionID, state))
	}
	s.mu.Unlock()
	for _, update := range updates {
		s.hub.Publish(update)
	}
}

func (s *Scheduler) syncTables(ctx context.Context) {
	for _, ref := range s.Backends() {
		if err := ref.SyncModelTable(ctx); err != nil {
			s.logger.Warn("Model table push failed", "backend", ref.ID(), "error", err)
		}
	}
}

// Hub returns the frontend push hub.
func (s *Scheduler) Hub() *Hub { return s.hub }
