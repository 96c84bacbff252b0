package cluster

import (
	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
)

// Command is a node management operation carried by the replicated controller
// log. Commands are applied in log order on every shard.
type Command interface {
	isCommand()
}

var (
	_ Command = DecommissionNode{}
	_ Command = RecommissionNode{}
	_ Command = FinishReallocations{}
	_ Command = SetMaintenanceMode{}
	_ Command = RegisterNodeUUID{}
)

// DecommissionNode removes a node from the allocation pool. The node stays a
// raft member until its partitions have been moved away.
type DecommissionNode struct {
	Node model.NodeID
}

func (DecommissionNode) isCommand() {}

// RecommissionNode reinstates a node that is being decommissioned.
type RecommissionNode struct {
	Node model.NodeID
}

func (RecommissionNode) isCommand() {}

// FinishReallocations signals that all partition reallocations triggered by a
// node operation have completed. It does not touch the members table.
type FinishReallocations struct {
	Node model.NodeID
}

func (FinishReallocations) isCommand() {}

// SetMaintenanceMode toggles the maintenance state of a node.
type SetMaintenanceMode struct {
	Node    model.NodeID
	Enabled bool
}

func (SetMaintenanceMode) isCommand() {}

// RegisterNodeUUID binds a node UUID to a node ID. When NodeID is the
// unassigned sentinel, the next free ID is picked when the command is applied.
type RegisterNodeUUID struct {
	UUID   model.NodeUUID
	NodeID model.NodeID
}

func (RegisterNodeUUID) isCommand() {}

// BatchType distinguishes the kinds of committed batches the applier accepts.
type BatchType int8

const (
	BatchNodeManagementCommand BatchType = iota + 1
	BatchRaftConfiguration
)

// Record is a single decoded record of a committed batch. Exactly one of the
// fields is set, depending on the batch type.
type Record struct {
	Command       Command
	Configuration *raft.GroupConfiguration
}

// RecordBatch is a committed slice of the controller log, already decoded.
// Encoding of the underlying records is handled by the log layer.
type RecordBatch struct {
	Type       BatchType
	BaseOffset model.Offset
	Records    []Record
}
