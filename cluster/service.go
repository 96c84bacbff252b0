package cluster

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/rpc"
)

// Service adapts the manager to the controller RPC surface.
type Service struct {
	manager *Manager
}

var _ rpc.Handler = (*Service)(nil)

func NewService(manager *Manager) *Service {
	return &Service{
		manager: manager,
	}
}

func (s *Service) JoinNode(ctx context.Context, req *rpc.JoinNodeRequest) (*rpc.JoinNodeReply, error) {
	return s.manager.HandleJoinRequest(ctx, req)
}

func (s *Service) UpdateNodeConfiguration(
	ctx context.Context, req *rpc.ConfigurationUpdateRequest,
) (*rpc.ConfigurationUpdateReply, error) {
	return s.manager.HandleConfigurationUpdateRequest(ctx, req)
}

// Hello is a best-effort signal that a peer has started. It carries no
// obligations: the peer uses it to refresh its view of this node.
func (s *Service) Hello(_ context.Context, req *rpc.HelloRequest) (*rpc.HelloReply, error) {
	level.Debug(s.manager.logger).Log("msg", "received hello", "peer", req.Peer, "start_time", req.StartTime)

	return &rpc.HelloReply{Error: int32(Success)}, nil
}
