package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// errorFrame precedes every reply on the wire. An empty message means the
// call succeeded and the reply body follows.
type errorFrame struct {
	Message string
}

// NetDialer dials controller endpoints over TCP, optionally wrapped in TLS.
// The zero value is a plaintext dialer.
type NetDialer struct {
	TLS *tls.Config
}

// DialContext connects to the given address. The returned connection carries
// a single in-flight request at a time; concurrent calls are serialized.
func (d *NetDialer) DialContext(ctx context.Context, addr string) (Conn, error) {
	var nd net.Dialer

	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if d.TLS != nil {
		tlsConn := tls.Client(raw, d.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}

		raw = tlsConn
	}

	w := bufio.NewWriter(raw)
	handle := &codec.MsgpackHandle{}

	return &netConn{
		conn:   raw,
		w:      w,
		enc:    codec.NewEncoder(w, handle),
		dec:    codec.NewDecoder(bufio.NewReader(raw), handle),
		closed: make(chan struct{}),
	}, nil
}

type netConn struct {
	mut       sync.Mutex
	conn      net.Conn
	w         *bufio.Writer
	enc       *codec.Encoder
	dec       *codec.Decoder
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *netConn) JoinNode(ctx context.Context, req *JoinNodeRequest) (*JoinNodeReply, error) {
	reply := new(JoinNodeReply)
	if err := c.call(ctx, MethodJoinNode, req, reply); err != nil {
		return nil, err
	}

	return reply, nil
}

func (c *netConn) UpdateNodeConfiguration(
	ctx context.Context, req *ConfigurationUpdateRequest,
) (*ConfigurationUpdateReply, error) {
	reply := new(ConfigurationUpdateReply)
	if err := c.call(ctx, MethodUpdateNodeConfiguration, req, reply); err != nil {
		return nil, err
	}

	return reply, nil
}

func (c *netConn) Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error) {
	reply := new(HelloReply)
	if err := c.call(ctx, MethodHello, req, reply); err != nil {
		return nil, err
	}

	return reply, nil
}

func (c *netConn) call(ctx context.Context, method Method, req, reply interface{}) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.IsClosed() {
		return fmt.Errorf("connection is closed")
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if err := c.w.WriteByte(byte(method)); err != nil {
		c.markBroken()
		return fmt.Errorf("write method: %w", err)
	}

	if err := c.enc.Encode(req); err != nil {
		c.markBroken()
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	if err := c.w.Flush(); err != nil {
		c.markBroken()
		return fmt.Errorf("flush %s request: %w", method, err)
	}

	var ef errorFrame
	if err := c.dec.Decode(&ef); err != nil {
		c.markBroken()
		return fmt.Errorf("decode %s reply: %w", method, err)
	}

	if ef.Message != "" {
		return fmt.Errorf("remote error: %s", ef.Message)
	}

	if err := c.dec.Decode(reply); err != nil {
		c.markBroken()
		return fmt.Errorf("decode %s reply: %w", method, err)
	}

	return nil
}

// markBroken closes the underlying socket after a transport failure, since
// the request/reply framing can no longer be trusted.
func (c *netConn) markBroken() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *netConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *netConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})

	return err
}
