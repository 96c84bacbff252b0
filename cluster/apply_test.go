package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
)

// A committed decommission marks the node on every shard, tells the
// allocator once, and emits a decommissioned update before anything else.
func TestApplyDecommission(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	victim := testBroker(7, "10.0.0.7:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, victim)

	code := env.applyCommand(t, 100, DecommissionNode{Node: victim.ID})
	require.Equal(t, Success, code)

	for _, table := range env.tables {
		md, ok := table.NodeMetadata(victim.ID)
		require.True(t, ok)
		assert.Equal(t, MembershipDraining, md.Membership)
	}

	assert.Equal(t, []model.NodeID{victim.ID}, env.alloc.decommissioned)

	updates, err := env.m.GetNodeUpdates()
	require.NoError(t, err)
	require.Equal(t, []NodeUpdate{{ID: victim.ID, Type: NodeUpdateDecommissioned, Offset: 100}}, updates)
}

func TestApplyDecommissionUnknownNode(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	env := newTestEnv(t, self)
	env.installBrokers(1, self)

	code := env.applyCommand(t, 100, DecommissionNode{Node: 9})
	require.Equal(t, InvalidNodeOperation, code)

	// A failed command touches neither the allocator nor the update channel.
	assert.Empty(t, env.alloc.decommissioned)
}

func TestApplyRecommission(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	victim := testBroker(7, "10.0.0.7:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, victim)

	require.Equal(t, Success, env.applyCommand(t, 100, DecommissionNode{Node: victim.ID}))
	require.Equal(t, Success, env.applyCommand(t, 101, RecommissionNode{Node: victim.ID}))

	for _, table := range env.tables {
		md, ok := table.NodeMetadata(victim.ID)
		require.True(t, ok)
		assert.Equal(t, MembershipActive, md.Membership)
	}

	assert.Equal(t, []model.NodeID{victim.ID}, env.alloc.recommissioned)

	// Updates come out in apply order.
	updates, err := env.m.GetNodeUpdates()
	require.NoError(t, err)
	require.Equal(t, []NodeUpdate{
		{ID: victim.ID, Type: NodeUpdateDecommissioned, Offset: 100},
		{ID: victim.ID, Type: NodeUpdateRecommissioned, Offset: 101},
	}, updates)
}

// A demoted voter pending removal from a joint configuration must not be
// recommissioned.
func TestApplyRecommissionDemotedVoter(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	victim := testBroker(7, "10.0.0.7:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, victim)

	require.Equal(t, Success, env.applyCommand(t, 100, DecommissionNode{Node: victim.ID}))

	env.raft0.mut.Lock()
	env.raft0.cfg.State = raft.ConfigurationJoint
	env.raft0.cfg.Old = &raft.GroupView{
		Learners: []raft.VNode{{ID: victim.ID}},
	}
	env.raft0.mut.Unlock()

	code := env.applyCommand(t, 101, RecommissionNode{Node: victim.ID})
	require.Equal(t, InvalidNodeOperation, code)

	// The node stays draining and the allocator is not touched.
	md, ok := env.tables[0].NodeMetadata(victim.ID)
	require.True(t, ok)
	assert.Equal(t, MembershipDraining, md.Membership)
	assert.Empty(t, env.alloc.recommissioned)
}

// finish_reallocations only signals the backend; the members table stays
// untouched.
func TestApplyFinishReallocations(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self)

	before := env.tables[0].Version()

	code := env.applyCommand(t, 100, FinishReallocations{Node: 3})
	require.Equal(t, Success, code)

	assert.Equal(t, before, env.tables[0].Version())

	updates, err := env.m.GetNodeUpdates()
	require.NoError(t, err)
	require.Equal(t, []NodeUpdate{{ID: 3, Type: NodeUpdateReallocationFinished, Offset: 100}}, updates)
}

// Maintenance mode for the local node drains every shard; leaving it
// restores them.
func TestApplyMaintenanceModeSelf(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self)

	require.Equal(t, Success, env.applyCommand(t, 100, SetMaintenanceMode{Node: self.ID, Enabled: true}))

	for _, dm := range env.drains {
		assert.Equal(t, int32(1), dm.drains.Load())
		assert.Equal(t, int32(0), dm.restores.Load())
	}

	require.Equal(t, Success, env.applyCommand(t, 101, SetMaintenanceMode{Node: self.ID, Enabled: false}))

	for _, dm := range env.drains {
		assert.Equal(t, int32(1), dm.restores.Load())
	}
}

func TestApplyMaintenanceModeOtherNode(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	other := testBroker(2, "10.0.0.2:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, other)

	require.Equal(t, Success, env.applyCommand(t, 100, SetMaintenanceMode{Node: other.ID, Enabled: true}))

	for _, dm := range env.drains {
		assert.Equal(t, int32(0), dm.drains.Load())
	}
}

func TestApplyRegisterNodeUUID(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self)

	uuid := model.NewNodeUUID()

	// Registration with an explicit ID.
	require.Equal(t, Success, env.applyCommand(t, 100, RegisterNodeUUID{UUID: uuid, NodeID: 4}))
	assert.Equal(t, model.NodeID(4), env.m.NodeID(uuid))

	// The same ID cannot be taken by another UUID.
	code := env.applyCommand(t, 101, RegisterNodeUUID{UUID: model.NewNodeUUID(), NodeID: 4})
	assert.Equal(t, JoinRequestDispatchError, code)

	// Automatic assignment skips IDs in the members table and the registry.
	assigned := model.NewNodeUUID()
	require.Equal(t, Success, env.applyCommand(t, 102, RegisterNodeUUID{UUID: assigned, NodeID: model.UnassignedNodeID}))
	assert.Equal(t, model.NodeID(5), env.m.NodeID(assigned))
}

func TestApplyRaftConfigurationBatchSingleRecord(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	env := newTestEnv(t, self)

	cfg := raft.GroupConfiguration{Brokers: []model.Broker{self}}

	require.Panics(t, func() {
		_, _ = env.m.Apply(context.Background(), RecordBatch{
			Type:       BatchRaftConfiguration,
			BaseOffset: 5,
			Records:    []Record{{Configuration: &cfg}, {Configuration: &cfg}},
		})
	})
}

// Diverging members table replicas are an invariant violation: the applier
// must refuse to continue.
func TestApplyDivergedShardsPanics(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	victim := testBroker(7, "10.0.0.7:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, victim)

	// Corrupt one replica behind the applier's back.
	require.Equal(t, Success, env.tables[1].Apply(2, DecommissionNode{Node: victim.ID}))

	require.Panics(t, func() {
		_, _ = env.m.Apply(context.Background(), RecordBatch{
			Type:       BatchNodeManagementCommand,
			BaseOffset: 100,
			Records:    []Record{{Command: DecommissionNode{Node: victim.ID}}},
		})
	})
}

// Per-shard outcomes are identical for every command in a committed
// sequence, whatever the command mix.
func TestApplySequenceConsistentAcrossShards(t *testing.T) {
	self := testBroker(1, "10.0.0.1:33145")
	a := testBroker(2, "10.0.0.2:33145")
	b := testBroker(3, "10.0.0.3:33145")

	env := newTestEnv(t, self)
	env.installBrokers(1, self, a, b)

	cmds := []Command{
		DecommissionNode{Node: a.ID},
		DecommissionNode{Node: a.ID},
		RecommissionNode{Node: a.ID},
		RecommissionNode{Node: a.ID},
		SetMaintenanceMode{Node: b.ID, Enabled: true},
		DecommissionNode{Node: 99},
		SetMaintenanceMode{Node: 99, Enabled: true},
	}

	for i, cmd := range cmds {
		// applyCommand asserts cross-shard agreement internally; a panic
		// here would mean divergence.
		env.applyCommand(t, model.Offset(10+i), cmd)
	}

	require.Equal(t, env.tables[0].Nodes(), env.tables[1].Nodes())
}
