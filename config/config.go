package config

import (
	"crypto/tls"
	"fmt"
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/shorgi/redpanda/model"
)

// SeedServer is a cluster entry point tried, in order, when a new node joins.
type SeedServer struct {
	Address string
}

func (s SeedServer) String() string {
	return s.Address
}

// Config is the node-local configuration of the membership layer, read once
// at construction time. Loading it from files or the environment is the
// caller's concern.
type Config struct {
	// Self is the broker record the local node advertises to the cluster.
	Self model.Broker

	// NodeUUID is the identity generated for the node's data directory at
	// first boot.
	NodeUUID model.NodeUUID

	// SeedServers are tried in order during the initial join.
	SeedServers []SeedServer

	// JoinRetryTimeout is the base interval between join attempts; the actual
	// sleep is jittered around it.
	JoinRetryTimeout time.Duration

	// UpdateQueueSize bounds the node-update queue.
	UpdateQueueSize int

	// RPCTLS is the TLS configuration for controller RPC. The membership layer
	// does not read it: outbound connections use the dialer passed to the
	// manager (see rpc.NetDialer.TLS).
	RPCTLS *tls.Config

	Logger kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		JoinRetryTimeout: 5 * time.Second,
		UpdateQueueSize:  100,
		Logger:           kitlog.NewNopLogger(),
	}
}

// Validate checks the parts of the configuration the membership layer cannot
// work without.
func (c Config) Validate() error {
	if c.Self.RPCAddress == "" {
		return fmt.Errorf("self broker has no rpc address")
	}

	if c.NodeUUID.IsZero() {
		return fmt.Errorf("node uuid is not set")
	}

	if c.JoinRetryTimeout <= 0 {
		return fmt.Errorf("join retry timeout must be positive")
	}

	if c.UpdateQueueSize <= 0 {
		return fmt.Errorf("update queue size must be positive")
	}

	return nil
}
