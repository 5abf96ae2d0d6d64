package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/rpc"
	"github.com/modelmux/modelmux/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// Server exposes the scheduler control plane over HTTP plus a websocket
// push channel for frontends.
type Server struct {
	sched      *Scheduler
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer assembles the scheduler HTTP server on addr.
func NewServer(addr string, sched *Scheduler, logger *slog.Logger) *Server {
	s := &Server{
		sched:  sched,
		logger: logger.With("component", "scheduler_http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/v1/register", s.handleRegister)
	mux.HandleFunc("/api/v1/keepalive", s.handleKeepAlive)
	mux.HandleFunc("/api/v1/load_model", s.handleLoadModel)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/backends", s.handleBackends)
	mux.HandleFunc("/api/v1/model_table", s.handleModelTable)
	mux.HandleFunc("/ws", s.handleWS)
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

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	var req model.RegisterRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.RegisterReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, s.sched.Register(req), logger)
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	var req model.KeepAliveRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.RPCReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, s.sched.KeepAlive(req), logger)
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	var req model.LoadModelRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.LoadModelReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, s.sched.LoadModel(r.Context(), req), logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequirePost(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	var report struct {
		NodeID string `json:"node_id"`
	}
	if err := rpc.DecodeJSON(r, &report); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, model.RPCReply{Status: model.CtrlInvalidRequest, Error: err.Error()}, logger)
		return
	}
	s.sched.TouchBackend(report.NodeID)
	rpc.WriteJSON(w, http.StatusOK, model.RPCReply{Status: model.CtrlOK}, logger)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequireGet(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	refs := s.sched.Backends()
	infos := make([]model.BackendInfo, 0, len(refs))
	for _, ref := range refs {
		infos = append(infos, ref.Info())
	}
	rpc.WriteJSON(w, http.StatusOK, infos, logger)
}

func (s *Server) handleModelTable(w http.ResponseWriter, r *http.Request) {
	if !rpc.RequireGet(w, r) {
		return
	}
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	backendID := r.URL.Query().Get("backend")
	table, ok := s.sched.ModelTable(backendID)
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, table, logger)
}

type wsClientMessage struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id,omitempty"`
	SessionID string `json:"model_session_id,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := rpc.LoggerFromContext(r.Context(), s.logger)
	if !rpc.RequireGet(w, r) {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hub := s.sched.Hub()
	sub := hub.Attach()
	defer hub.Detach(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Out():
				if !ok {
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, msg)
				cancelWrite()
				if err != nil {
					if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
						logger.Warn("Websocket write failed", "error", err)
					}
					cancel()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				logger.Debug("Websocket read ended", "error", err)
			}
			cancel()
			<-writerDone
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Invalid websocket message", "error", err)
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.SessionID == "" {
				hub.Send(sub, map[string]string{"type": "error", "message": "missing model_session_id"})
				continue
			}
			hub.Subscribe(sub, msg.SessionID)
			if msg.NodeID != "" {
				s.sched.KeepAlive(model.KeepAliveRequest{NodeType: model.FrontendNode, NodeID: msg.NodeID})
			}
			if update, ok := s.sched.SessionBackends(msg.SessionID); ok {
				hub.Send(sub, update)
			} else {
				hub.Send(sub, model.NewBackendsUpdate(msg.SessionID, 0, nil))
			}
			logger.Info("Frontend subscribed", "model", msg.SessionID, "node_id", msg.NodeID)
		case "ping":
			hub.Send(sub, map[string]string{"type": "pong"})
		default:
			logger.Debug("Unknown websocket message type", "type", msg.Type)
		}
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "modelmux",
			Subsystem: "scheduler",
			Name:      "backends",
			Help:      "Currently registered backends.",
		}, func() float64 {
			return float64(len(s.sched.Backends()))
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "modelmux",
			Subsystem: "scheduler",
			Name:      "push_published_total",
			Help:      "Backend-set updates published to subscribers.",
		}, func() float64 {
			published, _ := s.sched.Hub().Stats()
			return float64(published)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "modelmux",
			Subsystem: "scheduler",
			Name:      "push_dropped_total",
			Help:      "Backend-set updates dropped on slow subscriber queues.",
		}, func() float64 {
			_, dropped := s.sched.Hub().Stats()
			return float64(dropped)
		}),
	)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
