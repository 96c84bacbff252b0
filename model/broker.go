package model

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Endpoint is a named address on which a broker serves the kafka protocol.
type Endpoint struct {
	Name    string
	Address string
}

func (e Endpoint) String() string {
	if e.Name == "" {
		return e.Address
	}

	return fmt.Sprintf("%s://%s", e.Name, e.Address)
}

// Properties describes the advertised capacity of a broker. Cores is the
// number of shards the node runs and must never decrease across restarts.
type Properties struct {
	Cores             uint32
	AvailableMemoryGB uint32
	AvailableDiskGB   uint32
}

// Broker is the advertised description of a cluster node: its identity, the
// internal RPC address other nodes dial, and the kafka endpoints clients use.
type Broker struct {
	ID             NodeID
	RPCAddress     string
	KafkaEndpoints []Endpoint
	Rack           string
	Properties     Properties
}

func (b Broker) String() string {
	return fmt.Sprintf("{id: %s, rpc: %s}", b.ID, b.RPCAddress)
}

// Equal reports whether two broker records are identical in every advertised
// attribute.
func (b Broker) Equal(other Broker) bool {
	return b.ID == other.ID &&
		b.RPCAddress == other.RPCAddress &&
		b.Rack == other.Rack &&
		b.Properties == other.Properties &&
		slices.Equal(b.KafkaEndpoints, other.KafkaEndpoints)
}
