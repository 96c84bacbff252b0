package cluster

import (
	"context"
	"time"

	"github.com/shorgi/redpanda/model"
)

// Feature names a cluster capability that is enabled once all nodes support it.
type Feature string

// FeatureNodeIDAssignment enables UUID-based automatic node ID assignment.
const FeatureNodeIDAssignment Feature = "node_id_assignment"

// FeatureTable reports which cluster features are active.
type FeatureTable interface {
	IsActive(f Feature) bool

	// LatestLogicalVersion is the highest logical version the local node
	// understands; it is advertised in join requests.
	LatestLogicalVersion() uint32
}

// Allocator is the partition allocator's node bookkeeping surface. It lives
// on a single designated shard.
type Allocator interface {
	UpdateAllocationNodes(brokers []model.Broker)
	DecommissionNode(id model.NodeID)
	RecommissionNode(id model.NodeID)
}

// DrainManager moves partition leaderships away from the local node when it
// enters maintenance mode. Each shard holds its own replica.
type DrainManager interface {
	Drain()
	Restore()
}

// ControllerSTM replicates a command through the controller log and waits for
// it to be applied locally, or for the deadline to pass.
type ControllerSTM interface {
	ReplicateAndWait(ctx context.Context, cmd Command, deadline time.Time) error
}
