package cluster

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/config"
	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/rpc"
)

// JoinCluster starts the node's participation in the cluster. A node that is
// already part of the raft-0 configuration only checks whether its advertised
// configuration is still accurate; a new node enters the join retry loop
// against the seed servers.
func (m *Manager) JoinCluster() {
	if m.isAlreadyMember() {
		m.spawn(func() {
			m.maybeUpdateCurrentNodeConfiguration(context.Background())
		})

		return
	}

	m.spawn(func() {
		m.joinLoop(context.Background())
	})
}

func (m *Manager) isAlreadyMember() bool {
	return m.raft0.Config().ContainsBroker(m.self.ID)
}

func (m *Manager) joinLoop(ctx context.Context) {
	level.Debug(m.logger).Log("msg", "trying to join the cluster")

	req := &rpc.JoinNodeRequest{
		LogicalVersion: m.features.LatestLogicalVersion(),
		NodeUUID:       m.nodeUUID.Bytes(),
		Node:           m.self,
	}

	for {
		reply, err := m.dispatchJoinToSeedServers(ctx, req)

		success := err == nil && reply.Success
		if success || m.stopped() || m.isAlreadyMember() {
			break
		}

		retryIn := m.joinRetryJitter()
		level.Info(m.logger).Log("msg", "next cluster join attempt", "in", retryIn)

		if !m.sleep(retryIn) {
			level.Debug(m.logger).Log("msg", "aborting join sequence")
			return
		}
	}

	if m.isAlreadyMember() {
		m.maybeUpdateCurrentNodeConfiguration(ctx)
	}
}

// dispatchJoinToSeedServers walks the seed list in order and returns the
// first successful reply. A seed that is the local node is serviced locally.
func (m *Manager) dispatchJoinToSeedServers(
	ctx context.Context, req *rpc.JoinNodeRequest,
) (*rpc.JoinNodeReply, error) {
	for _, seed := range m.seedServers {
		var (
			reply *rpc.JoinNodeReply
			err   error
		)

		if seed.Address == m.self.RPCAddress {
			level.Debug(m.logger).Log("msg", "using current node as a seed server")
			reply, err = m.HandleJoinRequest(ctx, req)
		} else {
			reply, err = m.dispatchJoinToRemote(ctx, seed, req)
		}

		switch {
		case err != nil:
			level.Warn(m.logger).Log("msg", "error joining cluster using seed server", "seed", seed, "err", err)
		case !reply.Success:
			level.Warn(m.logger).Log("msg", "error joining cluster using seed server", "seed", seed, "err", "not allowed to join")
		default:
			return reply, nil
		}
	}

	return nil, SeedServersExhausted
}

// dispatchJoinToRemote sends the join request to a seed server over a
// one-shot connection.
func (m *Manager) dispatchJoinToRemote(
	ctx context.Context, seed config.SeedServer, req *rpc.JoinNodeRequest,
) (*rpc.JoinNodeReply, error) {
	level.Info(m.logger).Log("msg", "sending join request", "seed", seed)

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(ctx, seed.Address)
	if err != nil {
		return nil, fmt.Errorf("dial seed server: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	return conn.JoinNode(ctx, req)
}

// maybeUpdateCurrentNodeConfiguration compares the advertised broker record
// with the one stored in the replicated configuration and dispatches an
// update when they differ. Errors are logged and swallowed: the operation is
// a best-effort startup reconciliation.
func (m *Manager) maybeUpdateCurrentNodeConfiguration(ctx context.Context) {
	active, ok := m.raft0.Config().FindBroker(m.self.ID)
	if !ok {
		panic("current broker is expected to be present in members configuration")
	}

	if active.Equal(m.self) {
		return
	}

	level.Debug(m.logger).Log(
		"msg", "broker configuration changed",
		"from", active,
		"to", m.self,
	)

	if err := m.DispatchConfigurationUpdate(ctx, m.self); err != nil {
		level.Error(m.logger).Log("msg", "unable to update node configuration", "err", err)
		return
	}

	level.Info(m.logger).Log("msg", "node configuration updated successfully")
}

// HandleJoinRequest services a join request on behalf of the RPC layer. On a
// follower the request is forwarded to the current leader; on the leader it
// settles the joining node's identity and adds it to the raft-0 group.
func (m *Manager) HandleJoinRequest(
	ctx context.Context, req *rpc.JoinNodeRequest,
) (*rpc.JoinNodeReply, error) {
	assignmentActive := m.features.IsActive(FeatureNodeIDAssignment)
	hasUUID := len(req.NodeUUID) > 0

	if assignmentActive && !hasUUID {
		level.Warn(m.logger).Log("msg", "invalid join request, node uuid is required", "node", req.Node.ID)
		return nil, InvalidRequest
	}

	if !assignmentActive && !req.Node.ID.Assigned() {
		level.Warn(m.logger).Log("msg", "got request to assign node id, but feature not active")
		return nil, InvalidRequest
	}

	if hasUUID && len(req.NodeUUID) != model.NodeUUIDSize {
		level.Warn(m.logger).Log("msg", "invalid join request, malformed node uuid", "size", len(req.NodeUUID))
		return nil, InvalidRequest
	}

	if !hasUUID && !req.Node.ID.Assigned() {
		level.Warn(m.logger).Log("msg", "node id assignment attempt had no node uuid")
		return nil, InvalidRequest
	}

	var nodeUUID model.NodeUUID

	if hasUUID {
		var err error
		if nodeUUID, err = model.NodeUUIDFromBytes(req.NodeUUID); err != nil {
			return nil, InvalidRequest
		}
	}

	level.Info(m.logger).Log(
		"msg", "processing node join request",
		"node", req.Node.ID,
		"uuid", nodeUUID,
		"version", req.LogicalVersion,
	)

	if !m.raft0.IsElectedLeader() {
		level.Debug(m.logger).Log("msg", "not the leader, dispatching join request to leader node")

		reply, err := m.forwardJoinToLeader(ctx, req)
		if err != nil {
			if code, ok := CodeOf(err); ok && code == NoLeaderController {
				return nil, err
			}

			level.Warn(m.logger).Log("msg", "error while dispatching join request to leader node", "err", err)

			return nil, JoinRequestDispatchError
		}

		return reply, nil
	}

	if assignmentActive && hasUUID {
		m.mut.Lock()
		registeredID, known := m.registry.Lookup(nodeUUID)
		m.mut.Unlock()

		if !req.Node.ID.Assigned() {
			if !known {
				// The UUID is not yet registered. Replicate the registration
				// and reply with the assigned ID, expecting the node to come
				// back with another join request once it has adopted it.
				return m.replicateNewNodeUUID(ctx, nodeUUID, model.UnassignedNodeID)
			}

			// Duplicate request to assign a node ID: reply with the ID the
			// UUID is already registered under.
			return &rpc.JoinNodeReply{Success: true, NodeID: registeredID}, nil
		}

		if !known {
			// The node ID was provided by the caller and this is a new
			// attempt to register the UUID.
			reply, err := m.replicateNewNodeUUID(ctx, nodeUUID, req.Node.ID)
			if err != nil || !reply.Success {
				return reply, err
			}
		} else {
			if req.Node.ID != registeredID {
				return &rpc.JoinNodeReply{Success: false, NodeID: model.UnassignedNodeID}, nil
			}

			// A node removed from the cluster may not rejoin with the same UUID.
			if _, removed := m.tables[controllerShard].RemovedNodeMetadata(registeredID); removed {
				level.Warn(m.logger).Log(
					"msg", "preventing decommissioned node from joining the cluster",
					"node", registeredID,
					"uuid", nodeUUID,
				)

				return &rpc.JoinNodeReply{Success: false, NodeID: model.UnassignedNodeID}, nil
			}
		}
	}

	// If the configuration already contains the broker, treat the join as a
	// configuration update carrying data from the join request.
	if m.raft0.Config().ContainsBroker(req.Node.ID) {
		level.Info(m.logger).Log("msg", "broker is already a cluster member, updating configuration", "node", req.Node.ID)

		reply, err := m.HandleConfigurationUpdateRequest(ctx, &rpc.ConfigurationUpdateRequest{
			Node:       req.Node,
			TargetNode: m.self.ID,
		})
		if err != nil {
			return nil, err
		}

		if !reply.Success {
			return &rpc.JoinNodeReply{Success: false, NodeID: model.UnassignedNodeID}, nil
		}

		return &rpc.JoinNodeReply{Success: true, NodeID: req.Node.ID}, nil
	}

	// Without node ID assignment there is no way to tell two brokers behind
	// the same address apart, so duplicate addresses are rejected.
	if !assignmentActive && m.raft0.Config().ContainsAddress(req.Node.RPCAddress) {
		level.Info(m.logger).Log(
			"msg", "broker address conflicts with the address of another node",
			"node", req.Node.ID,
			"addr", req.Node.RPCAddress,
		)

		return &rpc.JoinNodeReply{Success: false, NodeID: model.UnassignedNodeID}, nil
	}

	if req.Node.ID != m.self.ID {
		m.conns.Update(req.Node.ID, req.Node.RPCAddress)
	}

	// Revisions are not used in the raft-0 configuration, it is always
	// revision 0.
	if err := m.raft0.AddGroupMembers(ctx, []model.Broker{req.Node}, 0); err != nil {
		level.Warn(m.logger).Log("msg", "error adding node to cluster", "node", req.Node, "err", err)
		return nil, err
	}

	return &rpc.JoinNodeReply{Success: true, NodeID: req.Node.ID}, nil
}

// replicateNewNodeUUID registers the UUID through the controller log and
// waits for the registration to be applied locally. When requested is the
// unassigned sentinel, the reply carries whatever ID was assigned.
func (m *Manager) replicateNewNodeUUID(
	ctx context.Context, uuid model.NodeUUID, requested model.NodeID,
) (*rpc.JoinNodeReply, error) {
	level.Debug(m.logger).Log("msg", "replicating node uuid registration", "uuid", uuid, "requested", requested)

	err := m.stm.ReplicateAndWait(ctx, RegisterNodeUUID{UUID: uuid, NodeID: requested}, m.deadline(replicateTimeout))

	level.Debug(m.logger).Log("msg", "node uuid registration completed", "uuid", uuid, "err", err)

	if err != nil {
		return nil, err
	}

	assigned := m.NodeID(uuid)

	if requested.Assigned() && assigned != requested {
		level.Warn(m.logger).Log(
			"msg", "node registration completed but uuid already assigned elsewhere",
			"uuid", uuid,
			"requested", requested,
			"assigned", assigned,
		)

		return nil, InvalidRequest
	}

	return &rpc.JoinNodeReply{Success: true, NodeID: assigned}, nil
}

func (m *Manager) forwardJoinToLeader(
	ctx context.Context, req *rpc.JoinNodeRequest,
) (*rpc.JoinNodeReply, error) {
	leaderID, ok := m.raft0.LeaderID()
	if !ok {
		return nil, NoLeaderController
	}

	leader, ok := m.raft0.Config().FindBroker(leaderID)
	if !ok {
		return nil, NoLeaderController
	}

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	m.conns.Update(leaderID, leader.RPCAddress)

	conn, err := m.conns.Get(ctx, leaderID)
	if err != nil {
		return nil, fmt.Errorf("connect to leader: %w", err)
	}

	return conn.JoinNode(ctx, req)
}
