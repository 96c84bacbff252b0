package rpc

import (
	"github.com/shorgi/redpanda/model"
)

// Method identifies one of the controller RPC calls on the wire. It is the
// first byte of every request frame.
type Method uint8

const (
	MethodJoinNode Method = iota + 1
	MethodUpdateNodeConfiguration
	MethodHello
)

func (m Method) String() string {
	switch m {
	case MethodJoinNode:
		return "join_node"
	case MethodUpdateNodeConfiguration:
		return "update_node_configuration"
	case MethodHello:
		return "hello"
	default:
		return "unknown"
	}
}

// JoinNodeRequest asks the cluster to admit the sender as a member. NodeUUID
// may be empty on clusters that predate node ID assignment.
type JoinNodeRequest struct {
	LogicalVersion uint32
	NodeUUID       []byte
	Node           model.Broker
}

// JoinNodeReply reports the outcome of a join attempt. When the request
// carried no node ID, NodeID is the identifier the joining node must come
// back with.
type JoinNodeReply struct {
	Success bool
	NodeID  model.NodeID
}

// ConfigurationUpdateRequest carries a changed broker record towards the
// controller leader. TargetNode names the node the request is addressed to,
// so that misrouted requests are detectable.
type ConfigurationUpdateRequest struct {
	Node       model.Broker
	TargetNode model.NodeID
}

type ConfigurationUpdateReply struct {
	Success bool
}

// HelloRequest is a best-effort signal sent to peers on startup so they can
// react to the sender having restarted.
type HelloRequest struct {
	Peer      model.NodeID
	StartTime int64
}

// HelloReply carries a cluster error code; zero means success.
type HelloReply struct {
	Error int32
}
