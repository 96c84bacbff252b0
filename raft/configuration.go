package raft

import (
	"context"

	"github.com/shorgi/redpanda/model"
)

// ConfigurationState tells whether the group configuration describes a single
// voter set or an in-flight joint consensus transition.
type ConfigurationState int8

const (
	ConfigurationSimple ConfigurationState = iota
	ConfigurationJoint
)

func (s ConfigurationState) String() string {
	switch s {
	case ConfigurationSimple:
		return "simple"
	case ConfigurationJoint:
		return "joint"
	default:
		return ""
	}
}

// VNode identifies a member of a raft group at a particular revision.
type VNode struct {
	ID       model.NodeID
	Revision model.RevisionID
}

// GroupView is one side of a configuration: the voters, and the learners that
// receive entries without voting. During a joint transition, a demoted voter
// pending removal shows up as a learner of the old view.
type GroupView struct {
	Voters   []VNode
	Learners []VNode
}

// GroupConfiguration is the replicated configuration of a raft group as seen
// by the rest of the node. It is read-only to the membership layer.
type GroupConfiguration struct {
	Brokers []model.Broker
	State   ConfigurationState
	Old     *GroupView
}

// ContainsBroker returns true if a broker with the given ID is part of the
// configuration.
func (c GroupConfiguration) ContainsBroker(id model.NodeID) bool {
	_, ok := c.FindBroker(id)
	return ok
}

// FindBroker returns the broker record with the given ID, if present.
func (c GroupConfiguration) FindBroker(id model.NodeID) (model.Broker, bool) {
	for _, b := range c.Brokers {
		if b.ID == id {
			return b, true
		}
	}

	return model.Broker{}, false
}

// ContainsAddress returns true if any broker in the configuration advertises
// the given internal RPC address.
func (c GroupConfiguration) ContainsAddress(addr string) bool {
	for _, b := range c.Brokers {
		if b.RPCAddress == addr {
			return true
		}
	}

	return false
}

// Group is the surface of the cluster-wide consensus group (raft-0) consumed
// by the membership layer. The consensus engine itself lives elsewhere.
type Group interface {
	// Config returns the currently active group configuration.
	Config() GroupConfiguration

	// LeaderID returns the ID of the current group leader, if one is known.
	LeaderID() (model.NodeID, bool)

	// IsElectedLeader returns true if the local node is the elected leader.
	IsElectedLeader() bool

	// LatestConfigurationOffset returns the log offset at which the current
	// configuration was committed.
	LatestConfigurationOffset() model.Offset

	// AddGroupMembers adds the given brokers to the group at the given
	// configuration revision.
	AddGroupMembers(ctx context.Context, brokers []model.Broker, rev model.RevisionID) error

	// UpdateGroupMember replaces the broker record of an existing member.
	UpdateGroupMember(ctx context.Context, broker model.Broker) error
}
