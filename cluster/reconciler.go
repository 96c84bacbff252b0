package cluster

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
	"github.com/shorgi/redpanda/rpc"
)

// ChangedNodes is the diff between a replicated group configuration and the
// local members view, computed on every configuration change.
type ChangedNodes struct {
	Added   []model.Broker
	Updated []model.Broker
	Removed []model.NodeID
}

// calculateChangedNodes diffs the configuration brokers against the local
// members table: brokers missing from the table were added, brokers whose
// attributes differ were updated, and table entries absent from the
// configuration were removed.
func (m *Manager) calculateChangedNodes(cfg raft.GroupConfiguration) ChangedNodes {
	var changed ChangedNodes

	table := m.tables[controllerShard]

	for _, b := range cfg.Brokers {
		md, ok := table.NodeMetadata(b.ID)

		switch {
		case !ok:
			changed.Added = append(changed.Added, b)
		case !md.Broker.Equal(b):
			changed.Updated = append(changed.Updated, b)
		}
	}

	for id := range table.Nodes() {
		if !cfg.ContainsBroker(id) {
			changed.Removed = append(changed.Removed, id)
		}
	}

	return changed
}

// handleRaft0ConfigUpdate runs whenever a raft configuration batch is
// committed: it refreshes the allocator's node set, applies the new broker
// list to every members table replica, reconciles the connection pool, and
// emits an added update for every new broker in configuration order. The last
// two steps are skipped for an offset at or below the last connection update
// offset.
func (m *Manager) handleRaft0ConfigUpdate(
	ctx context.Context, cfg raft.GroupConfiguration, offset model.Offset,
) error {
	level.Debug(m.logger).Log("msg", "updating cluster configuration", "brokers", len(cfg.Brokers), "offset", offset)

	err := m.shards.InvokeOn(ctx, allocatorShard, func() {
		m.allocator.UpdateAllocationNodes(cfg.Brokers)
	})
	if err != nil {
		return fmt.Errorf("update allocation nodes: %w", err)
	}

	changed := m.calculateChangedNodes(cfg)

	err = m.shards.InvokeOnAll(ctx, func(shardID int) {
		m.tables[shardID].UpdateBrokers(offset, cfg.Brokers)
	})
	if err != nil {
		return fmt.Errorf("update members table replicas: %w", err)
	}

	// The same configuration may be replayed with an already seen offset;
	// skip the pool churn and the added updates in that case.
	m.mut.Lock()
	if offset <= m.lastConnUpdateOffset {
		m.mut.Unlock()
		return nil
	}

	m.updateConnections(changed)
	m.lastConnUpdateOffset = offset
	m.mut.Unlock()

	for _, b := range changed.Added {
		err := m.updates.PushEventually(NodeUpdate{
			ID:     b.ID,
			Type:   NodeUpdateAdded,
			Offset: offset,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// updateConnections reconciles the connection pool with a members diff. The
// local node never holds a connection to itself.
func (m *Manager) updateConnections(changed ChangedNodes) {
	for _, id := range changed.Removed {
		if id == m.self.ID {
			continue
		}

		m.conns.Remove(id)
	}

	for _, b := range changed.Added {
		if b.ID == m.self.ID {
			continue
		}

		m.conns.Update(b.ID, b.RPCAddress)
	}

	for _, b := range changed.Updated {
		if b.ID == m.self.ID {
			continue
		}

		m.conns.Update(b.ID, b.RPCAddress)
	}
}

// checkResultConfiguration validates a broker update against the current
// members view: the updated node must not shrink its core count, and no two
// nodes may end up listening on the same rpc address or advertising the same
// kafka endpoint.
func checkResultConfiguration(current map[model.NodeID]NodeMetadata, toUpdate model.Broker) error {
	for id, md := range current {
		if id == toUpdate.ID {
			if md.Broker.Properties.Cores > toUpdate.Properties.Cores {
				return fmt.Errorf("core count must not decrease on any broker")
			}

			continue
		}

		if md.Broker.RPCAddress == toUpdate.RPCAddress {
			return fmt.Errorf("duplicate rpc endpoint %s with existing node %s", toUpdate.RPCAddress, id)
		}

		for _, currentEp := range md.Broker.KafkaEndpoints {
			for _, ep := range toUpdate.KafkaEndpoints {
				if currentEp == ep {
					return fmt.Errorf("duplicate kafka advertised endpoint %s with existing node %s", currentEp, id)
				}
			}
		}
	}

	return nil
}

// HandleConfigurationUpdateRequest services an update_node_configuration
// request: it validates the new broker record, refreshes the local
// connection pool, and either applies the update to raft-0 (on the leader)
// or forwards it to the leader.
func (m *Manager) HandleConfigurationUpdateRequest(
	ctx context.Context, req *rpc.ConfigurationUpdateRequest,
) (*rpc.ConfigurationUpdateReply, error) {
	if req.TargetNode != m.self.ID {
		level.Warn(m.logger).Log(
			"msg", "ignoring configuration update for different target",
			"self", m.self.ID,
			"target", req.TargetNode,
		)

		return &rpc.ConfigurationUpdateReply{Success: false}, nil
	}

	level.Debug(m.logger).Log("msg", "handling node configuration update", "node", req.Node.ID)

	if err := checkResultConfiguration(m.tables[controllerShard].Nodes(), req.Node); err != nil {
		level.Warn(m.logger).Log(
			"msg", "rejecting invalid configuration update",
			"node", req.Node.ID,
			"reason", err,
		)

		return nil, InvalidConfigurationUpdate
	}

	m.updateConnections(ChangedNodes{Updated: []model.Broker{req.Node}})

	leaderID, ok := m.raft0.LeaderID()
	if !ok {
		level.Warn(m.logger).Log("msg", "unable to handle configuration update, no leader controller", "node", req.Node.ID)
		return nil, NoLeaderController
	}

	if leaderID == m.self.ID {
		if err := m.raft0.UpdateGroupMember(ctx, req.Node); err != nil {
			level.Warn(m.logger).Log("msg", "unable to handle configuration update", "err", err)
			return nil, err
		}

		return &rpc.ConfigurationUpdateReply{Success: true}, nil
	}

	leader, ok := m.tables[controllerShard].NodeMetadata(leaderID)
	if !ok {
		return nil, NoLeaderController
	}

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	m.conns.Update(leaderID, leader.Broker.RPCAddress)

	conn, err := m.conns.Get(ctx, leaderID)
	if err != nil {
		level.Warn(m.logger).Log("msg", "error while dispatching configuration update request", "err", err)
		return nil, JoinRequestDispatchError
	}

	reply, err := conn.UpdateNodeConfiguration(ctx, req)
	if err != nil {
		level.Warn(m.logger).Log("msg", "error while dispatching configuration update request", "err", err)
		return nil, JoinRequestDispatchError
	}

	return reply, nil
}

// DispatchConfigurationUpdate pushes a changed broker record towards the
// cluster until some node accepts it. Right after start the node may not
// know the current leader, so the request goes to any broker, which forwards
// it as needed.
func (m *Manager) DispatchConfigurationUpdate(ctx context.Context, broker model.Broker) error {
	for {
		brokers := m.raft0.Config().Brokers
		if len(brokers) == 0 {
			level.Debug(m.logger).Log("msg", "no brokers in the current configuration, retrying")

			if !m.sleep(m.joinRetryBase) {
				return ErrAborted
			}

			continue
		}

		leaderID, haveLeader := m.raft0.LeaderID()
		target := updateRequestTarget(brokers, leaderID, haveLeader)

		reply, err := m.doDispatchConfigurationUpdate(ctx, target, broker)
		if err == nil && reply.Success {
			return nil
		}

		if err != nil {
			level.Debug(m.logger).Log("msg", "configuration update attempt failed", "target", target.ID, "err", err)
		}

		if !m.sleep(m.joinRetryBase) {
			return ErrAborted
		}
	}
}

// updateRequestTarget prefers the current leader when it is known and still
// part of the broker list, and falls back to a random broker otherwise.
func updateRequestTarget(brokers []model.Broker, leaderID model.NodeID, haveLeader bool) model.Broker {
	if haveLeader {
		for _, b := range brokers {
			if b.ID == leaderID {
				return b
			}
		}
	}

	return brokers[rand.Intn(len(brokers))]
}

func (m *Manager) doDispatchConfigurationUpdate(
	ctx context.Context, target model.Broker, broker model.Broker,
) (*rpc.ConfigurationUpdateReply, error) {
	req := &rpc.ConfigurationUpdateRequest{
		Node:       broker,
		TargetNode: target.ID,
	}

	if target.ID == m.self.ID {
		return m.HandleConfigurationUpdateRequest(ctx, req)
	}

	level.Debug(m.logger).Log("msg", "dispatching configuration update request", "target", target.ID)

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	m.conns.Update(target.ID, target.RPCAddress)

	conn, err := m.conns.Get(ctx, target.ID)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target.ID, err)
	}

	return conn.UpdateNodeConfiguration(ctx, req)
}
