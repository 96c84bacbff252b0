package cluster

import (
	"sync"

	"github.com/shorgi/redpanda/model"
)

// MembershipState is the logical state of a node within the cluster, distinct
// from its raft group membership.
type MembershipState int8

const (
	MembershipActive MembershipState = iota + 1
	MembershipDraining
	MembershipRemoved
)

func (s MembershipState) String() string {
	switch s {
	case MembershipActive:
		return "active"
	case MembershipDraining:
		return "draining"
	case MembershipRemoved:
		return "removed"
	default:
		return ""
	}
}

// MaintenanceState tells whether a node is draining its responsibilities.
type MaintenanceState int8

const (
	MaintenanceInactive MaintenanceState = iota + 1
	MaintenanceActive
)

// NodeMetadata is everything the members table knows about a single node.
type NodeMetadata struct {
	Broker      model.Broker
	Membership  MembershipState
	Maintenance MaintenanceState
}

// MembersTable is the local view of cluster members. Every shard holds its
// own replica; replicas are mutated only through Apply and UpdateBrokers with
// identical inputs, so they stay in sync without cross-shard coordination.
type MembersTable struct {
	mut     sync.RWMutex
	nodes   map[model.NodeID]NodeMetadata
	removed map[model.NodeID]NodeMetadata
	version model.Offset
}

func NewMembersTable() *MembersTable {
	return &MembersTable{
		nodes:   make(map[model.NodeID]NodeMetadata),
		removed: make(map[model.NodeID]NodeMetadata),
	}
}

// Apply executes a node management command against the local replica and
// returns its outcome. Given the same command and offset, every replica
// returns the same code.
func (t *MembersTable) Apply(offset model.Offset, cmd Command) ErrorCode {
	t.mut.Lock()
	defer t.mut.Unlock()

	switch c := cmd.(type) {
	case DecommissionNode:
		md, ok := t.nodes[c.Node]
		if !ok || md.Membership != MembershipActive {
			return InvalidNodeOperation
		}

		md.Membership = MembershipDraining
		t.nodes[c.Node] = md
		t.version = offset

		return Success
	case RecommissionNode:
		md, ok := t.nodes[c.Node]
		if !ok || md.Membership != MembershipDraining {
			return InvalidNodeOperation
		}

		md.Membership = MembershipActive
		t.nodes[c.Node] = md
		t.version = offset

		return Success
	case SetMaintenanceMode:
		md, ok := t.nodes[c.Node]
		if !ok {
			return InvalidNodeOperation
		}

		if c.Enabled {
			md.Maintenance = MaintenanceActive
		} else {
			md.Maintenance = MaintenanceInactive
		}

		t.nodes[c.Node] = md
		t.version = offset

		return Success
	default:
		return InvalidNodeOperation
	}
}

// UpdateBrokers replaces the broker records with the ones from the replicated
// group configuration. Nodes that are no longer part of the configuration
// move to the removed set and keep their last known metadata.
func (t *MembersTable) UpdateBrokers(offset model.Offset, brokers []model.Broker) {
	t.mut.Lock()
	defer t.mut.Unlock()

	next := make(map[model.NodeID]NodeMetadata, len(brokers))

	for _, b := range brokers {
		if md, ok := t.nodes[b.ID]; ok {
			md.Broker = b
			next[b.ID] = md

			continue
		}

		delete(t.removed, b.ID)

		next[b.ID] = NodeMetadata{
			Broker:      b,
			Membership:  MembershipActive,
			Maintenance: MaintenanceInactive,
		}
	}

	for id, md := range t.nodes {
		if _, ok := next[id]; !ok {
			md.Membership = MembershipRemoved
			t.removed[id] = md
		}
	}

	t.nodes = next
	t.version = offset
}

// Nodes returns a copy of the current members view.
func (t *MembersTable) Nodes() map[model.NodeID]NodeMetadata {
	t.mut.RLock()
	defer t.mut.RUnlock()

	nodes := make(map[model.NodeID]NodeMetadata, len(t.nodes))
	for id, md := range t.nodes {
		nodes[id] = md
	}

	return nodes
}

// Contains returns true if the node is a current member, whatever its
// membership state; removed nodes are not included.
func (t *MembersTable) Contains(id model.NodeID) bool {
	t.mut.RLock()
	defer t.mut.RUnlock()

	_, ok := t.nodes[id]

	return ok
}

// NodeMetadata returns the metadata of a current member, whatever its
// membership state; removed nodes are not included.
func (t *MembersTable) NodeMetadata(id model.NodeID) (NodeMetadata, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	md, ok := t.nodes[id]

	return md, ok
}

// RemovedNodeMetadata returns the last known metadata of a node that has been
// removed from the cluster.
func (t *MembersTable) RemovedNodeMetadata(id model.NodeID) (NodeMetadata, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	md, ok := t.removed[id]

	return md, ok
}

// Version is the offset of the last applied mutation.
func (t *MembersTable) Version() model.Offset {
	t.mut.RLock()
	defer t.mut.RUnlock()

	return t.version
}
