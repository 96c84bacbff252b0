package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shorgi/redpanda/internal/generic"
	"github.com/shorgi/redpanda/model"
)

const defaultDialTimeout = 5 * time.Second

// Cache keeps one connection per remote node, keyed by node ID. Addresses are
// registered through Update as the replicated configuration changes, while
// dialing happens lazily on the first Get. Concurrent Gets for the same node
// share a single dial attempt.
type Cache struct {
	mut         sync.RWMutex
	addrs       map[model.NodeID]string
	connections map[model.NodeID]Conn
	inProgress  generic.SyncMap[model.NodeID, chan struct{}]
	dialer      Dialer
	dialTimeout time.Duration
}

func NewCache(dialer Dialer) *Cache {
	return &Cache{
		addrs:       make(map[model.NodeID]string),
		connections: make(map[model.NodeID]Conn),
		dialer:      dialer,
		dialTimeout: defaultDialTimeout,
	}
}

// Update registers the address of a node. If the node already has a live
// connection to a different address, the stale connection is closed so that
// the next Get dials the new address.
func (c *Cache) Update(id model.NodeID, addr string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if prev, ok := c.addrs[id]; ok && prev == addr {
		return
	}

	c.addrs[id] = addr

	if conn, ok := c.connections[id]; ok {
		_ = conn.Close()
		delete(c.connections, id)
	}
}

// Remove forgets the node and closes its connection, if any.
func (c *Cache) Remove(id model.NodeID) {
	c.mut.Lock()
	defer c.mut.Unlock()

	delete(c.addrs, id)

	if conn, ok := c.connections[id]; ok {
		_ = conn.Close()
		delete(c.connections, id)
	}
}

// Contains returns true if an address is registered for the node.
func (c *Cache) Contains(id model.NodeID) bool {
	c.mut.RLock()
	defer c.mut.RUnlock()

	_, ok := c.addrs[id]

	return ok
}

func (c *Cache) get(id model.NodeID) (Conn, bool) {
	c.mut.RLock()

	conn, ok := c.connections[id]
	if !ok {
		c.mut.RUnlock()
		return nil, false
	}

	// The connection is present but was closed, so it is not usable. Need to
	// reacquire the lock and remove it from the cache.
	if conn.IsClosed() {
		c.mut.RUnlock()
		c.mut.Lock()

		// A new connection might have been created while we were waiting for the lock.
		if conn, ok := c.connections[id]; ok && !conn.IsClosed() {
			c.mut.Unlock()
			return conn, true
		}

		// Still closed? Remove it from the cache.
		delete(c.connections, id)
		c.mut.Unlock()

		return nil, false
	}

	c.mut.RUnlock()

	return conn, ok
}

// Get returns a connection to the given node, dialing it if necessary.
func (c *Cache) Get(ctx context.Context, id model.NodeID) (Conn, error) {
	if conn, ok := c.get(id); ok {
		return conn, nil
	}

	return c.connect(ctx, id)
}

func (c *Cache) connect(ctx context.Context, id model.NodeID) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var retry bool

	for {
		d := make(chan struct{})

		done, loaded := c.inProgress.LoadOrStore(id, d)

		// Store failed means another goroutine is already dialing the node.
		// Wait for it to finish or for the context to expire.
		if loaded {
			close(d)

			select {
			case <-done:
				// noop
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			// Try to get the connection created by the other goroutine.
			if conn, ok := c.get(id); ok {
				return conn, nil
			}

			// The other goroutine has failed to connect to the node. Make one more attempt.
			if !retry {
				retry = true
				continue
			}

			// We have already retried with no luck.
			return nil, fmt.Errorf("failed to connect in another goroutine")
		}

		defer c.inProgress.Delete(id)
		defer close(done)

		// Now we are the one dialing the node.
		c.mut.RLock()
		addr, ok := c.addrs[id]
		c.mut.RUnlock()

		if !ok {
			return nil, fmt.Errorf("no known address for node %s", id)
		}

		conn, err := c.dialer.DialContext(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}

		// Check if a connection has been added while we were dialing. If so,
		// discard the one we just created and use the existing one.
		c.mut.Lock()
		if actual, ok := c.connections[id]; ok && !actual.IsClosed() {
			c.mut.Unlock()
			_ = conn.Close()

			return actual, nil
		}

		c.connections[id] = conn
		c.mut.Unlock()

		return conn, nil
	}
}

// Shutdown closes all cached connections.
func (c *Cache) Shutdown() {
	c.mut.Lock()
	defer c.mut.Unlock()

	for id, conn := range c.connections {
		_ = conn.Close()
		delete(c.connections, id)
	}
}
