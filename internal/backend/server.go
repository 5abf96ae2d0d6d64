package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/rpc"
	"github.com/modelmux/modelmux/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// Server exposes the backend control and task surface over HTTP.
type Server struct {
	node       *Node
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer assembles the backend HTTP server on addr.
func NewServer(addr string, node *Node, logger *slog.Logger) *Server {
	s := &Server{
		node:   node,
		logger: logger.With("component", "backend_http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/v1/model_table", s.handleModelTable)
	mux.HandleFunc("/api/v1/task", s.handleTask)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/check_alive", s.handleCheckAlive)
	s.registerPrometheus(mux)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           rpc.WithRequestLogging(s.logger, mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start serves HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("Listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequireGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequireGet(w, r) {
		return
	}
	rpc.WriteJSON(w, http.StatusOK, version.Current(), rpc.LoggerFromContext(r.Context(), s.logger))
}

func (s *Server) handleModelTable(w http.ResponseWriter, r *http.Request) {
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	switch r.Method {
	case http.MethodGet:
		rpc.WriteJSON(w, http.StatusOK, model.ModelTableConfig{Instances: s.node.ModelTable()}, logger)
	case http.MethodPost:
		var cfg model.ModelTableConfig
		if err := rpc.DecodeJSON(r, &cfg); err != nil {
			rpc.WriteJSON(w, http.StatusBadRequest, model.RPCReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
			return
		}
		if err := s.node.UpdateModelTable(cfg); err != nil {
			logger.Error("Model table update failed", "error", err)
			rpc.WriteJSON(w, http.StatusOK, model.RPCReply{Status: model.CtrlInternalError, Error: err.Error()}, logger)
			return
		}
		rpc.WriteJSON(w, http.StatusOK, model.RPCReply{Status: model.CtrlOK}, logger)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)

	var req model.TaskRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.TaskReply{
			Status:  model.CtrlInvalidRequest,
			QueryID: req.QueryID,
			Error:   err.Error(),
		}, logger)
		return
	}
	if len(req.Inputs) == 0 {
		rpc.WriteJSON(w, http.StatusOK, model.TaskReply{
			Status:  model.CtrlInvalidRequest,
			QueryID: req.QueryID,
			Error:   "request has no inputs",
		}, logger)
		return
	}

	t, err := s.node.EnqueueTask(req)
	if err != nil {
		status := model.CtrlInternalError
		if errors.Is(err, ErrModelNotLoaded) {
			status = model.CtrlModelNotLoaded
		}
		rpc.WriteJSON(w, http.StatusOK, model.TaskReply{
			Status:  status,
			QueryID: req.QueryID,
			Error:   err.Error(),
		}, logger)
		return
	}

	select {
	case <-t.Done():
		rpc.WriteJSON(w, http.StatusOK, t.Reply(), logger)
	case <-r.Context().Done():
		logger.Warn("Task abandoned by caller", "task_id", t.ID)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequireGet(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	rpc.WriteJSON(w, http.StatusOK, s.node.Snapshot(), logger)
}

func (s *Server) handleCheckAlive(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	var req model.CheckAliveRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.RPCReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, model.RPCReply{Status: model.CtrlOK}, logger)
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "modelmux",
			Subsystem: "backend",
			Name:      "tasks_total",
			Help:      "Tasks accepted since start.",
		}, func() float64 {
			return float64(s.node.tasksTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "modelmux",
			Subsystem: "backend",
			Name:      "tasks_rejected_total",
			Help:      "Task requests rejected before execution.",
		}, func() float64 {
			return float64(s.node.tasksRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "modelmux",
			Subsystem: "backend",
			Name:      "tasks_timeout_total",
			Help:      "Tasks that finished with every input dropped.",
		}, func() float64 {
			return float64(s.node.tasksTimeout.Load())
		}),
		newNodeMetricsCollector(s.node),
	)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
