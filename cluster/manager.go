package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/config"
	"github.com/shorgi/redpanda/internal/shard"
	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
	"github.com/shorgi/redpanda/rpc"
)

const (
	// controllerShard hosts the unique manager instance; other shards hold
	// only the members table and drain manager replicas.
	controllerShard = 0

	// allocatorShard is the shard owning the partition allocator.
	allocatorShard = 0

	// joinTimeout bounds a single join or hello RPC.
	joinTimeout = 2 * time.Second

	// replicateTimeout bounds the wait for a replicated registration command.
	replicateTimeout = 30 * time.Second
)

// Dependencies are the collaborators the manager drives. Tables and
// DrainManagers hold one replica per shard of the group.
type Dependencies struct {
	Raft0         raft.Group
	STM           ControllerSTM
	Features      FeatureTable
	Allocator     Allocator
	Shards        *shard.Group
	Tables        []*MembersTable
	DrainManagers []DrainManager
	Connections   *rpc.Cache
	Dialer        rpc.Dialer
}

// Manager bootstraps the node's cluster membership, applies membership
// commands from the controller log, keeps the members table replicas coherent
// with the replicated configuration, and maintains the inter-node connection
// set.
type Manager struct {
	self          model.Broker
	nodeUUID      model.NodeUUID
	seedServers   []config.SeedServer
	joinRetryBase time.Duration
	logger        kitlog.Logger

	raft0     raft.Group
	stm       ControllerSTM
	features  FeatureTable
	allocator Allocator

	shards *shard.Group
	tables []*MembersTable
	drains []DrainManager

	conns  *rpc.Cache
	dialer rpc.Dialer

	updates *UpdateQueue

	// mut guards the identity registry and the connection update offset, both
	// of which belong to the controller shard.
	mut                  sync.Mutex
	registry             *IdentityRegistry
	lastConnUpdateOffset model.Offset

	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewManager(conf config.Config, deps Dependencies) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if deps.Shards.Count() != len(deps.Tables) || deps.Shards.Count() != len(deps.DrainManagers) {
		return nil, fmt.Errorf(
			"have %d shards but %d members table and %d drain manager replicas",
			deps.Shards.Count(), len(deps.Tables), len(deps.DrainManagers),
		)
	}

	return &Manager{
		self:          conf.Self,
		nodeUUID:      conf.NodeUUID,
		seedServers:   conf.SeedServers,
		joinRetryBase: conf.JoinRetryTimeout,
		logger:        conf.Logger,
		raft0:         deps.Raft0,
		stm:           deps.STM,
		features:      deps.Features,
		allocator:     deps.Allocator,
		shards:        deps.Shards,
		tables:        deps.Tables,
		drains:        deps.DrainManagers,
		conns:         deps.Connections,
		dialer:        deps.Dialer,
		updates:       NewUpdateQueue(conf.UpdateQueueSize),
		registry:      NewIdentityRegistry(conf.Logger),
		startTime:     time.Now(),
		stop:          make(chan struct{}),
	}, nil
}

// Start initialises connections to the brokers already present in the raft-0
// configuration and greets each of them with a best-effort hello, so peers
// can react to the newly started node.
func (m *Manager) Start(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "starting members manager")

	cfg := m.raft0.Config()

	for _, b := range cfg.Brokers {
		if b.ID == m.self.ID {
			continue
		}

		m.conns.Update(b.ID, b.RPCAddress)

		broker := b

		m.spawn(func() {
			m.initializeBrokerConnection(ctx, broker)
		})
	}

	m.mut.Lock()
	m.lastConnUpdateOffset = m.raft0.LatestConfigurationOffset()
	m.mut.Unlock()

	return nil
}

// Stop aborts the update queue, wakes all retry loops and waits for the
// in-flight background work to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		level.Info(m.logger).Log("msg", "stopping members manager")
		close(m.stop)
		m.updates.Abort()
	})

	m.wg.Wait()
}

// GetNodeUpdates hands buffered node updates to the downstream backend,
// blocking while there are none.
func (m *Manager) GetNodeUpdates() ([]NodeUpdate, error) {
	return m.updates.GetNodeUpdates()
}

// InstallInitialNodeUUIDMap seeds the identity registry from a controller
// snapshot. It must be called before the first command is applied.
func (m *Manager) InstallInitialNodeUUIDMap(idByUUID map[model.NodeUUID]model.NodeID) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if len(idByUUID) > 0 {
		level.Debug(m.logger).Log("msg", "installing initial node uuid map", "size", len(idByUUID))
	}

	m.registry.InstallInitialMap(idByUUID)
}

// NodeID returns the node ID registered for the UUID. Registration must have
// completed before calling.
func (m *Manager) NodeID(uuid model.NodeUUID) model.NodeID {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.registry.Get(uuid)
}

func (m *Manager) spawn(fn func()) {
	select {
	case <-m.stop:
		return
	default:
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// sleep waits for the given duration, returning false if the manager is
// stopped first.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Manager) deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func (m *Manager) joinRetryJitter() time.Duration {
	return m.joinRetryBase/2 + time.Duration(rand.Int63n(int64(m.joinRetryBase)))
}

func (m *Manager) initializeBrokerConnection(ctx context.Context, broker model.Broker) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	conn, err := m.conns.Get(ctx, broker.ID)
	if err != nil {
		level.Info(m.logger).Log("msg", "failed to connect to node", "node", broker.ID, "err", err)
		return
	}

	reply, err := conn.Hello(ctx, &rpc.HelloRequest{
		Peer:      m.self.ID,
		StartTime: m.startTime.Unix(),
	})
	if err != nil {
		level.Info(m.logger).Log("msg", "node did not respond to hello", "node", broker.ID, "err", err)
		return
	}

	if code := ErrorCode(reply.Error); code != Success {
		level.Info(m.logger).Log("msg", "hello response contained error", "node", broker.ID, "code", code)
	}
}
