package cluster

import (
	"fmt"
	"sync"

	"github.com/shorgi/redpanda/model"
)

// NodeUpdateType describes a node lifecycle transition.
type NodeUpdateType int8

const (
	NodeUpdateAdded NodeUpdateType = iota + 1
	NodeUpdateDecommissioned
	NodeUpdateRecommissioned
	NodeUpdateReallocationFinished
)

func (t NodeUpdateType) String() string {
	switch t {
	case NodeUpdateAdded:
		return "added"
	case NodeUpdateDecommissioned:
		return "decommissioned"
	case NodeUpdateRecommissioned:
		return "recommissioned"
	case NodeUpdateReallocationFinished:
		return "reallocation_finished"
	default:
		return "unknown"
	}
}

// NodeUpdate is a single node lifecycle event, emitted in the order the
// corresponding commands were committed to the controller log.
type NodeUpdate struct {
	ID     model.NodeID
	Type   NodeUpdateType
	Offset model.Offset
}

func (u NodeUpdate) String() string {
	return fmt.Sprintf("{node_id: %s, type: %s, offset: %d}", u.ID, u.Type, u.Offset)
}

// UpdateQueue is a bounded FIFO of node updates connecting the command
// applier to the node-update backend. A full queue suspends producers; an
// empty queue suspends the consumer. Abort wakes both sides.
type UpdateQueue struct {
	updates   chan NodeUpdate
	aborted   chan struct{}
	abortOnce sync.Once
}

func NewUpdateQueue(capacity int) *UpdateQueue {
	return &UpdateQueue{
		updates: make(chan NodeUpdate, capacity),
		aborted: make(chan struct{}),
	}
}

// PushEventually enqueues the update, blocking while the queue is full. It
// returns ErrAborted if the queue is aborted before space becomes available.
func (q *UpdateQueue) PushEventually(update NodeUpdate) error {
	select {
	case <-q.aborted:
		return ErrAborted
	default:
	}

	select {
	case q.updates <- update:
		return nil
	case <-q.aborted:
		return ErrAborted
	}
}

// GetNodeUpdates returns all currently buffered updates. If the queue is
// empty, it blocks until a single update arrives and returns just that one.
func (q *UpdateQueue) GetNodeUpdates() ([]NodeUpdate, error) {
	var first NodeUpdate

	select {
	case first = <-q.updates:
	default:
		// The queue is empty: wait for the next update or for abort.
		select {
		case first = <-q.updates:
		case <-q.aborted:
			return nil, ErrAborted
		}

		return []NodeUpdate{first}, nil
	}

	updates := []NodeUpdate{first}

	for {
		select {
		case update := <-q.updates:
			updates = append(updates, update)
		default:
			return updates, nil
		}
	}
}

// Abort wakes all pending producers and consumers with ErrAborted. Further
// pushes fail immediately.
func (q *UpdateQueue) Abort() {
	q.abortOnce.Do(func() {
		close(q.aborted)
	})
}
