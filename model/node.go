package model

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// NodeID is a cluster-wide node identifier assigned once per node. IDs are
// small non-negative integers; negative values mean the node has not been
// assigned an ID yet.
type NodeID int32

const (
	// UnassignedNodeID marks a broker that has not received a node ID.
	UnassignedNodeID NodeID = -1

	// MaxNodeID is the upper bound of the ID space. It is never handed out:
	// reaching it means the ID space is exhausted.
	MaxNodeID NodeID = math.MaxInt32
)

func (id NodeID) String() string {
	if id == UnassignedNodeID {
		return "unassigned"
	}

	return fmt.Sprintf("%d", id)
}

// Assigned returns true if the ID is a valid, assigned node ID.
func (id NodeID) Assigned() bool {
	return id >= 0
}

// NodeUUIDSize is the length of a node UUID in bytes.
const NodeUUIDSize = 16

// NodeUUID is an opaque identifier generated once per data directory at the
// first boot of a node. Unlike NodeID, it is chosen locally and never changes.
type NodeUUID [NodeUUIDSize]byte

// NewNodeUUID generates a fresh random node UUID.
func NewNodeUUID() NodeUUID {
	return NodeUUID(uuid.New())
}

// NodeUUIDFromBytes converts a raw byte slice into a NodeUUID. The slice must
// be exactly NodeUUIDSize bytes long.
func NodeUUIDFromBytes(b []byte) (NodeUUID, error) {
	var id NodeUUID
	if len(b) != NodeUUIDSize {
		return id, fmt.Errorf("node uuid must be %d bytes, got %d", NodeUUIDSize, len(b))
	}

	copy(id[:], b)

	return id, nil
}

func (id NodeUUID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the UUID as a freshly allocated byte slice.
func (id NodeUUID) Bytes() []byte {
	b := make([]byte, NodeUUIDSize)
	copy(b, id[:])

	return b
}

// IsZero returns true for the all-zero UUID, which is never generated.
func (id NodeUUID) IsZero() bool {
	return id == NodeUUID{}
}

// Offset is a position in the replicated controller log.
type Offset int64

// RevisionID is a revision number of a raft group configuration change.
type RevisionID int64
