package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/model"
	"github.com/modelmux/modelmux/internal/rpc"
)

const (
	registerRetryInterval = 2 * time.Second
	statsReportInterval   = 10 * time.Second
)

// Beacon registers the node with the scheduler and keeps its liveness
// record fresh, reporting serving stats on a slower cadence.
type Beacon struct {
	node       *Node
	client     *rpc.Client
	serverAddr string
	rpcAddr    string
	logger     *slog.Logger
}

// NewBeacon builds the scheduler-facing client loop for a node reachable
// at serverAddr (task traffic) and rpcAddr (control traffic).
func NewBeacon(schedulerAddr, serverAddr, rpcAddr string, node *Node, logger *slog.Logger) *Beacon {
	return &Beacon{
		node:       node,
		client:     rpc.NewClient(schedulerAddr),
		serverAddr: serverAddr,
		rpcAddr:    rpcAddr,
		logger:     logger.With("component", "beacon"),
	}
}

// Run registers with the scheduler, retrying until it succeeds, then
// sends keep-alives at the interval the scheduler dictated.
func (b *Beacon) Run(ctx context.Context) error {
	interval, err := b.register(ctx)
	if err != nil {
		return err
	}

	keepAlive := time.NewTicker(interval)
	defer keepAlive.Stop()
	stats := time.NewTicker(statsReportInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive.C:
			req := model.KeepAliveRequest{NodeType: model.BackendNode, NodeID: b.node.ID()}
			var reply model.RPCReply
			if err := b.client.Post(ctx, "/api/v1/keepalive", req, &reply); err != nil {
				b.logger.Warn("Keep-alive failed", "error", err)
				continue
			}
			if !reply.Status.OK() {
				b.logger.Warn("Keep-alive rejected, re-registering", "status", reply.Status)
				if _, err := b.register(ctx); err != nil {
					return err
				}
			}
		case <-stats.C:
			if err := b.client.Post(ctx, "/api/v1/stats", b.node.Snapshot(), nil); err != nil {
				b.logger.Debug("Stats report failed", "error", err)
			}
		}
	}
}

func (b *Beacon) register(ctx context.Context) (time.Duration, error) {
	device := b.node.Device()
	req := model.RegisterRequest{
		NodeType:           model.BackendNode,
		ServerAddress:      b.serverAddr,
		RPCAddress:         b.rpcAddr,
		GPUDevice:          device.ProfileKey(),
		GPUAvailableMemory: device.AvailableMemory(),
	}

	for {
		var reply model.RegisterReply
		err := b.client.Post(ctx, "/api/v1/register", req, &reply)
		if err == nil && reply.Status.OK() {
			b.node.SetID(reply.NodeID)
			interval := time.Duration(reply.BeaconIntervalMS) * time.Millisecond
			if interval <= 0 {
				interval = 2 * time.Second
			}
			b.logger.Info("Registered with scheduler",
				"node_id", reply.NodeID,
				"beacon_interval", interval)
			return interval, nil
		}
		if err == nil {
			err = fmt.Errorf("scheduler refused registration: %s: %s", reply.Status, reply.Error)
		}
		b.logger.Warn("Registration failed, retrying", "error", err)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(registerRetryInterval):
		}
	}
}
