package model

// CtrlStatus is the status code carried by every control-plane reply.
type CtrlStatus string

const (
	CtrlOK                  CtrlStatus = "ok"
	CtrlServerUnreachable   CtrlStatus = "server_unreachable"
	CtrlModelNotLoaded      CtrlStatus = "model_not_loaded"
	CtrlPlacementInfeasible CtrlStatus = "placement_infeasible"
	CtrlInvalidRequest      CtrlStatus = "invalid_request"
	CtrlTimeout             CtrlStatus = "timeout"
	CtrlInternalError       CtrlStatus = "internal_error"
)

// OK reports whether the status signals success.
func (s CtrlStatus) OK() bool { return s == CtrlOK }

// NodeType distinguishes the two registerable node roles.
type NodeType string

const (
	BackendNode  NodeType = "backend"
	FrontendNode NodeType = "frontend"
)

// RPCReply is the generic control-plane acknowledgement.
type RPCReply struct {
	Status CtrlStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// ModelInstanceConfig describes one model instance placed on a backend.
type ModelInstanceConfig struct {
	Session        ModelSession `json:"model_session"`
	Batch          uint32       `json:"batch"`
	MaxBatch       uint32       `json:"max_batch"`
	ForwardLatency float64      `json:"forward_latency_us"`
	MemoryUsage    uint64       `json:"memory_usage_bytes"`
	Throughput     float64      `json:"throughput_qps"`
	Workload       float64      `json:"workload_qps"`
}

// ModelTableConfig is the desired model set pushed to a backend, together
// with the cyclic schedule the placement engine derived for it.
type ModelTableConfig struct {
	Instances   []ModelInstanceConfig `json:"model_instances"`
	ExecCycleUS float64               `json:"exec_cycle_us"`
	DutyCycleUS float64               `json:"duty_cycle_us"`
}

// RegisterRequest announces a backend or frontend to the scheduler.
type RegisterRequest struct {
	NodeType           NodeType `json:"node_type"`
	ServerAddress      string   `json:"server_address"`
	RPCAddress         string   `json:"rpc_address"`
	GPUDevice          string   `json:"gpu_device,omitempty"`
	GPUAvailableMemory uint64   `json:"gpu_available_memory,omitempty"`
}

// RegisterReply carries the assigned node id and the keep-alive cadence.
type RegisterReply struct {
	Status           CtrlStatus `json:"status"`
	NodeID           string     `json:"node_id,omitempty"`
	BeaconIntervalMS int64      `json:"beacon_interval_ms,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// KeepAliveRequest refreshes a node's liveness record.
type KeepAliveRequest struct {
	NodeType NodeType `json:"node_type"`
	NodeID   string   `json:"node_id"`
}

// CheckAliveRequest is the scheduler-initiated liveness probe.
type CheckAliveRequest struct {
	NodeType NodeType `json:"node_type"`
	NodeID   string   `json:"node_id"`
}

// LoadModelRequest asks the scheduler to place a model session.
type LoadModelRequest struct {
	Session     ModelSession `json:"model_session"`
	WorkloadQPS float64      `json:"workload_qps"`
}

// LoadModelReply reports the placement outcome.
type LoadModelReply struct {
	Status    CtrlStatus          `json:"status"`
	BackendID string              `json:"backend_id,omitempty"`
	Config    ModelInstanceConfig `json:"config,omitempty"`
	Occupancy float64             `json:"occupancy,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// SubscribeRequest registers a frontend's interest in a model session.
type SubscribeRequest struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"model_session_id"`
}

// BackendInfo is the frontend-visible description of one backend.
type BackendInfo struct {
	NodeID        string `json:"node_id"`
	ServerAddress string `json:"server_address"`
}

// BackendsUpdate is pushed to subscribed frontends whenever the set of
// backends hosting a model session changes.
type BackendsUpdate struct {
	Type      string        `json:"type"`
	SessionID string        `json:"model_session_id"`
	Version   uint64        `json:"version"`
	Backends  []BackendInfo `json:"backends"`
}

// NewBackendsUpdate constructs a backends push payload.
func NewBackendsUpdate(sessionID string, version uint64, backends []BackendInfo) BackendsUpdate {
	return BackendsUpdate{
		Type:      "backends",
		SessionID: sessionID,
		Version:   version,
		Backends:  backends,
	}
}

// TaskRequest is the payload a frontend submits to a backend for one query.
type TaskRequest struct {
	QueryID   uint64      `json:"query_id"`
	UserID    string      `json:"user_id,omitempty"`
	SessionID string      `json:"model_session_id"`
	Inputs    [][]float32 `json:"inputs"`
}

// TaskOutput is one input's result inside a task reply.
type TaskOutput struct {
	Index   int                  `json:"index"`
	Status  CtrlStatus           `json:"status"`
	Arrays  map[string][]float32 `json:"arrays,omitempty"`
	Virtual bool                 `json:"virtual,omitempty"`
}

// TaskReply is the backend's response for one task.
type TaskReply struct {
	Status    CtrlStatus   `json:"status"`
	QueryID   uint64       `json:"query_id"`
	TaskID    string       `json:"task_id"`
	Outputs   []TaskOutput `json:"outputs,omitempty"`
	LatencyUS int64        `json:"latency_us"`
	Error     string       `json:"error,omitempty"`
}
