package rpc

import "context"

// Conn is a client to the controller endpoint of a cluster node.
type Conn interface {
	// JoinNode submits a join request on behalf of a (possibly new) node.
	JoinNode(ctx context.Context, req *JoinNodeRequest) (*JoinNodeReply, error)

	// UpdateNodeConfiguration forwards a changed broker record.
	UpdateNodeConfiguration(ctx context.Context, req *ConfigurationUpdateRequest) (*ConfigurationUpdateReply, error)

	// Hello announces the sender to the remote node.
	Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error)

	// IsClosed returns true once the connection can no longer be used. It is
	// meant for the connection cache rather than for normal operation.
	IsClosed() bool

	// Close closes the connection. It should only be called once the remote
	// node is no longer a cluster member, as the connection may be shared.
	Close() error
}

// Dialer establishes connections to the controller endpoints of other nodes.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (Conn, error)
}
