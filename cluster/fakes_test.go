package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/shorgi/redpanda/config"
	"github.com/shorgi/redpanda/internal/shard"
	"github.com/shorgi/redpanda/model"
	"github.com/shorgi/redpanda/raft"
	"github.com/shorgi/redpanda/rpc"
)

const testShards = 2

type fakeRaftGroup struct {
	mut          sync.Mutex
	cfg          raft.GroupConfiguration
	leaderID     model.NodeID
	haveLeader   bool
	elected      bool
	latestOffset model.Offset
	added        []model.Broker
	updated      []model.Broker
	addErr       error
	updateErr    error
}

func (g *fakeRaftGroup) Config() raft.GroupConfiguration {
	g.mut.Lock()
	defer g.mut.Unlock()

	cfg := g.cfg
	cfg.Brokers = append([]model.Broker(nil), g.cfg.Brokers...)

	return cfg
}

func (g *fakeRaftGroup) LeaderID() (model.NodeID, bool) {
	g.mut.Lock()
	defer g.mut.Unlock()

	return g.leaderID, g.haveLeader
}

func (g *fakeRaftGroup) IsElectedLeader() bool {
	g.mut.Lock()
	defer g.mut.Unlock()

	return g.elected
}

func (g *fakeRaftGroup) LatestConfigurationOffset() model.Offset {
	g.mut.Lock()
	defer g.mut.Unlock()

	return g.latestOffset
}

func (g *fakeRaftGroup) AddGroupMembers(_ context.Context, brokers []model.Broker, _ model.RevisionID) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	if g.addErr != nil {
		return g.addErr
	}

	g.added = append(g.added, brokers...)
	g.cfg.Brokers = append(g.cfg.Brokers, brokers...)

	return nil
}

func (g *fakeRaftGroup) UpdateGroupMember(_ context.Context, broker model.Broker) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	if g.updateErr != nil {
		return g.updateErr
	}

	g.updated = append(g.updated, broker)

	for i, b := range g.cfg.Brokers {
		if b.ID == broker.ID {
			g.cfg.Brokers[i] = broker
		}
	}

	return nil
}

func (g *fakeRaftGroup) setLeader(id model.NodeID, elected bool) {
	g.mut.Lock()
	defer g.mut.Unlock()

	g.leaderID = id
	g.haveLeader = true
	g.elected = elected
}

func (g *fakeRaftGroup) setBrokers(brokers ...model.Broker) {
	g.mut.Lock()
	defer g.mut.Unlock()

	g.cfg.Brokers = brokers
}

// fakeSTM short-circuits the controller log: a replicated command is applied
// straight back through the manager at the next offset, the way a committed
// batch would come around.
type fakeSTM struct {
	mut    sync.Mutex
	m      *Manager
	offset model.Offset
	err    error
}

func (s *fakeSTM) ReplicateAndWait(ctx context.Context, cmd Command, _ time.Time) error {
	s.mut.Lock()
	if s.err != nil {
		defer s.mut.Unlock()
		return s.err
	}

	s.offset++
	offset := s.offset
	s.mut.Unlock()

	code, err := s.m.Apply(ctx, RecordBatch{
		Type:       BatchNodeManagementCommand,
		BaseOffset: offset,
		Records:    []Record{{Command: cmd}},
	})
	if err != nil {
		return err
	}

	if code != Success {
		return code
	}

	return nil
}

type fakeFeatures struct {
	active  map[Feature]bool
	version uint32
}

func (f *fakeFeatures) IsActive(feature Feature) bool {
	return f.active[feature]
}

func (f *fakeFeatures) LatestLogicalVersion() uint32 {
	return f.version
}

type fakeAllocator struct {
	mut            sync.Mutex
	updateCalls    int
	nodes          []model.Broker
	decommissioned []model.NodeID
	recommissioned []model.NodeID
}

func (a *fakeAllocator) UpdateAllocationNodes(brokers []model.Broker) {
	a.mut.Lock()
	defer a.mut.Unlock()

	a.updateCalls++
	a.nodes = append([]model.Broker(nil), brokers...)
}

func (a *fakeAllocator) DecommissionNode(id model.NodeID) {
	a.mut.Lock()
	defer a.mut.Unlock()

	a.decommissioned = append(a.decommissioned, id)
}

func (a *fakeAllocator) RecommissionNode(id model.NodeID) {
	a.mut.Lock()
	defer a.mut.Unlock()

	a.recommissioned = append(a.recommissioned, id)
}

type fakeDrainManager struct {
	drains   atomic.Int32
	restores atomic.Int32
}

func (d *fakeDrainManager) Drain() {
	d.drains.Add(1)
}

func (d *fakeDrainManager) Restore() {
	d.restores.Add(1)
}

// memDialer is an in-memory transport: addresses resolve to rpc handlers
// registered with the dialer.
type memDialer struct {
	mut      sync.Mutex
	handlers map[string]rpc.Handler
	errs     map[string]error
	dials    map[string]int
}

func newMemDialer() *memDialer {
	return &memDialer{
		handlers: make(map[string]rpc.Handler),
		errs:     make(map[string]error),
		dials:    make(map[string]int),
	}
}

func (d *memDialer) register(addr string, handler rpc.Handler) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.handlers[addr] = handler
}

func (d *memDialer) fail(addr string, err error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.errs[addr] = err
}

func (d *memDialer) DialContext(_ context.Context, addr string) (rpc.Conn, error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.dials[addr]++

	if err := d.errs[addr]; err != nil {
		return nil, err
	}

	handler, ok := d.handlers[addr]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", addr)
	}

	return &memConn{handler: handler}, nil
}

type memConn struct {
	handler rpc.Handler
	closed  atomic.Bool
}

func (c *memConn) JoinNode(ctx context.Context, req *rpc.JoinNodeRequest) (*rpc.JoinNodeReply, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection is closed")
	}

	return c.handler.JoinNode(ctx, req)
}

func (c *memConn) UpdateNodeConfiguration(
	ctx context.Context, req *rpc.ConfigurationUpdateRequest,
) (*rpc.ConfigurationUpdateReply, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection is closed")
	}

	return c.handler.UpdateNodeConfiguration(ctx, req)
}

func (c *memConn) Hello(ctx context.Context, req *rpc.HelloRequest) (*rpc.HelloReply, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection is closed")
	}

	return c.handler.Hello(ctx, req)
}

func (c *memConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *memConn) Close() error {
	c.closed.Store(true)
	return nil
}

// scriptedHandler is an rpc.Handler with pluggable behaviour per method.
type scriptedHandler struct {
	join   func(ctx context.Context, req *rpc.JoinNodeRequest) (*rpc.JoinNodeReply, error)
	update func(ctx context.Context, req *rpc.ConfigurationUpdateRequest) (*rpc.ConfigurationUpdateReply, error)
	hello  func(ctx context.Context, req *rpc.HelloRequest) (*rpc.HelloReply, error)
}

func (h *scriptedHandler) JoinNode(ctx context.Context, req *rpc.JoinNodeRequest) (*rpc.JoinNodeReply, error) {
	if h.join == nil {
		return nil, fmt.Errorf("unexpected join_node call")
	}

	return h.join(ctx, req)
}

func (h *scriptedHandler) UpdateNodeConfiguration(
	ctx context.Context, req *rpc.ConfigurationUpdateRequest,
) (*rpc.ConfigurationUpdateReply, error) {
	if h.update == nil {
		return nil, fmt.Errorf("unexpected update_node_configuration call")
	}

	return h.update(ctx, req)
}

func (h *scriptedHandler) Hello(ctx context.Context, req *rpc.HelloRequest) (*rpc.HelloReply, error) {
	if h.hello == nil {
		return nil, fmt.Errorf("unexpected hello call")
	}

	return h.hello(ctx, req)
}

type testEnv struct {
	m        *Manager
	self     model.Broker
	uuid     model.NodeUUID
	raft0    *fakeRaftGroup
	stm      *fakeSTM
	features *fakeFeatures
	alloc    *fakeAllocator
	drains   []*fakeDrainManager
	tables   []*MembersTable
	dialer   *memDialer
	conns    *rpc.Cache
}

func newTestEnv(t *testing.T, self model.Broker, seeds ...config.SeedServer) *testEnv {
	t.Helper()

	shards := shard.NewGroup(testShards)
	t.Cleanup(shards.Close)

	tables := make([]*MembersTable, testShards)
	drains := make([]*fakeDrainManager, testShards)
	drainIfaces := make([]DrainManager, testShards)

	for i := 0; i < testShards; i++ {
		tables[i] = NewMembersTable()
		drains[i] = &fakeDrainManager{}
		drainIfaces[i] = drains[i]
	}

	dialer := newMemDialer()
	conns := rpc.NewCache(dialer)

	raft0 := &fakeRaftGroup{}
	features := &fakeFeatures{
		active:  map[Feature]bool{FeatureNodeIDAssignment: true},
		version: 11,
	}
	alloc := &fakeAllocator{}
	stm := &fakeSTM{}

	conf := config.DefaultConfig()
	conf.Self = self
	conf.NodeUUID = model.NewNodeUUID()
	conf.SeedServers = seeds
	conf.JoinRetryTimeout = 20 * time.Millisecond
	conf.Logger = kitlog.NewNopLogger()

	m, err := NewManager(conf, Dependencies{
		Raft0:         raft0,
		STM:           stm,
		Features:      features,
		Allocator:     alloc,
		Shards:        shards,
		Tables:        tables,
		DrainManagers: drainIfaces,
		Connections:   conns,
		Dialer:        dialer,
	})
	require.NoError(t, err)

	stm.m = m
	t.Cleanup(m.Stop)

	return &testEnv{
		m:        m,
		self:     self,
		uuid:     conf.NodeUUID,
		raft0:    raft0,
		stm:      stm,
		features: features,
		alloc:    alloc,
		drains:   drains,
		tables:   tables,
		dialer:   dialer,
		conns:    conns,
	}
}

// installBrokers applies the broker list to every members table replica, the
// way a committed configuration batch would.
func (e *testEnv) installBrokers(offset model.Offset, brokers ...model.Broker) {
	for _, table := range e.tables {
		table.UpdateBrokers(offset, brokers)
	}
}

// applyConfigBatch feeds a raft configuration batch through the applier.
func (e *testEnv) applyConfigBatch(
	t *testing.T, offset model.Offset, cfg raft.GroupConfiguration,
) ErrorCode {
	t.Helper()

	code, err := e.m.Apply(context.Background(), RecordBatch{
		Type:       BatchRaftConfiguration,
		BaseOffset: offset,
		Records:    []Record{{Configuration: &cfg}},
	})
	require.NoError(t, err)

	return code
}

// applyCommand feeds a node management command through the applier.
func (e *testEnv) applyCommand(t *testing.T, offset model.Offset, cmd Command) ErrorCode {
	t.Helper()

	code, err := e.m.Apply(context.Background(), RecordBatch{
		Type:       BatchNodeManagementCommand,
		BaseOffset: offset,
		Records:    []Record{{Command: cmd}},
	})
	require.NoError(t, err)

	return code
}
