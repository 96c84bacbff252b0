package cluster

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/internal/shard"
	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
)

// Apply consumes a committed batch of the controller log. Batches arrive
// strictly in log order; the returned code is the command outcome, while the
// error reports shutdown or dispatch failures. Cross-shard divergence during
// application is an invariant violation and panics.
func (m *Manager) Apply(ctx context.Context, b RecordBatch) (ErrorCode, error) {
	if b.Type == BatchRaftConfiguration {
		return m.applyRaftConfigurationBatch(ctx, b)
	}

	if len(b.Records) != 1 {
		panic(fmt.Sprintf(
			"node management batches are expected to have exactly one record, current batch contains %d records",
			len(b.Records),
		))
	}

	offset := b.BaseOffset

	switch cmd := b.Records[0].Command.(type) {
	case DecommissionNode:
		return m.applyDecommission(ctx, offset, cmd)
	case RecommissionNode:
		return m.applyRecommission(ctx, offset, cmd)
	case FinishReallocations:
		// The members table is not involved: the command only signals the
		// backend that reallocations triggered by a node operation are done.
		err := m.updates.PushEventually(NodeUpdate{
			ID:     cmd.Node,
			Type:   NodeUpdateReallocationFinished,
			Offset: offset,
		})

		return Success, err
	case SetMaintenanceMode:
		return m.applyMaintenanceMode(ctx, offset, cmd)
	case RegisterNodeUUID:
		return m.applyRegisterNodeUUID(cmd), nil
	default:
		panic(fmt.Sprintf("unexpected command type %T", cmd))
	}
}

func (m *Manager) applyRaftConfigurationBatch(ctx context.Context, b RecordBatch) (ErrorCode, error) {
	if len(b.Records) != 1 {
		panic(fmt.Sprintf(
			"raft configuration batches are expected to have exactly one record, current batch contains %d records",
			len(b.Records),
		))
	}

	cfg := b.Records[0].Configuration
	if cfg == nil {
		panic("raft configuration record carries no configuration")
	}

	if err := m.handleRaft0ConfigUpdate(ctx, *cfg, b.BaseOffset); err != nil {
		return Success, err
	}

	return Success, nil
}

func (m *Manager) applyDecommission(
	ctx context.Context, offset model.Offset, cmd DecommissionNode,
) (ErrorCode, error) {
	code, err := m.dispatchUpdatesToCores(ctx, offset, cmd)
	if err != nil || code != Success {
		return code, err
	}

	err = m.shards.InvokeOn(ctx, allocatorShard, func() {
		m.allocator.DecommissionNode(cmd.Node)
	})
	if err != nil {
		return code, err
	}

	err = m.updates.PushEventually(NodeUpdate{
		ID:     cmd.Node,
		Type:   NodeUpdateDecommissioned,
		Offset: offset,
	})

	return code, err
}

func (m *Manager) applyRecommission(
	ctx context.Context, offset model.Offset, cmd RecommissionNode,
) (ErrorCode, error) {
	// A demoted voter that is about to be removed from the group must not be
	// recommissioned.
	if cfg := m.raft0.Config(); cfg.State == raft.ConfigurationJoint && cfg.Old != nil {
		for _, vn := range cfg.Old.Learners {
			if vn.ID == cmd.Node {
				return InvalidNodeOperation, nil
			}
		}
	}

	code, err := m.dispatchUpdatesToCores(ctx, offset, cmd)
	if err != nil || code != Success {
		return code, err
	}

	err = m.shards.InvokeOn(ctx, allocatorShard, func() {
		m.allocator.RecommissionNode(cmd.Node)
	})
	if err != nil {
		return code, err
	}

	err = m.updates.PushEventually(NodeUpdate{
		ID:     cmd.Node,
		Type:   NodeUpdateRecommissioned,
		Offset: offset,
	})

	return code, err
}

func (m *Manager) applyMaintenanceMode(
	ctx context.Context, offset model.Offset, cmd SetMaintenanceMode,
) (ErrorCode, error) {
	code, err := m.dispatchUpdatesToCores(ctx, offset, cmd)
	if err != nil || code != Success {
		return code, err
	}

	if cmd.Node != m.self.ID {
		return code, nil
	}

	err = m.shards.InvokeOnAll(ctx, func(shardID int) {
		if cmd.Enabled {
			m.drains[shardID].Drain()
		} else {
			m.drains[shardID].Restore()
		}
	})

	return code, err
}

func (m *Manager) applyRegisterNodeUUID(cmd RegisterNodeUUID) ErrorCode {
	m.mut.Lock()
	defer m.mut.Unlock()

	level.Info(m.logger).Log("msg", "applying node uuid registration", "uuid", cmd.UUID, "requested", cmd.NodeID)

	if cmd.NodeID.Assigned() {
		if m.registry.TryRegister(cmd.NodeID, cmd.UUID) {
			return Success
		}

		level.Warn(m.logger).Log(
			"msg", "could not register node uuid, node id already taken",
			"uuid", cmd.UUID,
			"id", cmd.NodeID,
		)

		return JoinRequestDispatchError
	}

	table := m.tables[controllerShard]

	id, ok := m.registry.GetOrAssign(cmd.UUID, func(id model.NodeID) bool {
		if table.Contains(id) {
			return true
		}

		_, removed := table.RemovedNodeMetadata(id)

		return removed
	})
	if !ok {
		level.Error(m.logger).Log("msg", "no more node ids to assign")
		return InvalidNodeOperation
	}

	level.Info(m.logger).Log("msg", "node uuid registered", "uuid", cmd.UUID, "id", id)

	return Success
}

// dispatchUpdatesToCores applies the command to every shard's members table
// replica and asserts that all replicas agreed on the outcome.
func (m *Manager) dispatchUpdatesToCores(
	ctx context.Context, offset model.Offset, cmd Command,
) (ErrorCode, error) {
	results, err := shard.Map(ctx, m.shards, func(shardID int) ErrorCode {
		return m.tables[shardID].Apply(offset, cmd)
	})
	if err != nil {
		return Success, err
	}

	sentinel := results[0]

	for _, code := range results {
		if code != sentinel {
			panic(fmt.Sprintf(
				"state inconsistency across shards detected, expected result %s, have %v",
				sentinel, results,
			))
		}
	}

	return sentinel, nil
}
