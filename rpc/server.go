package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Handler is the server side of the controller RPC surface.
type Handler interface {
	JoinNode(ctx context.Context, req *JoinNodeRequest) (*JoinNodeReply, error)
	UpdateNodeConfiguration(ctx context.Context, req *ConfigurationUpdateRequest) (*ConfigurationUpdateReply, error)
	Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error)
}

// Server accepts controller RPC connections and dispatches decoded requests
// to the handler. Each connection is served by its own goroutine and handles
// one request at a time.
type Server struct {
	handler Handler
	logger  kitlog.Logger
	tlsConf *tls.Config

	mut      sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopped  bool
}

func NewServer(handler Handler, logger kitlog.Logger, tlsConf *tls.Config) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
		tlsConf: tlsConf,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections from the listener until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	if s.tlsConf != nil {
		lis = tls.NewListener(lis, s.tlsConf)
	}

	s.mut.Lock()
	if s.stopped {
		s.mut.Unlock()
		return fmt.Errorf("server is stopped")
	}

	s.listener = lis
	s.mut.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mut.Lock()
			stopped := s.stopped
			s.mut.Unlock()

			if stopped {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		s.mut.Lock()
		s.conns[conn] = struct{}{}
		s.mut.Unlock()

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener and all active connections, then waits for the
// per-connection goroutines to drain.
func (s *Server) Stop() {
	s.mut.Lock()
	s.stopped = true

	if s.listener != nil {
		_ = s.listener.Close()
	}

	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mut.Unlock()

	s.wg.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()

		s.mut.Lock()
		delete(s.conns, conn)
		s.mut.Unlock()
	}()

	handle := &codec.MsgpackHandle{}
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, handle)
	enc := codec.NewEncoder(w, handle)

	for {
		method, err := r.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				level.Debug(s.logger).Log("msg", "failed to read request", "err", err)
			}

			return
		}

		if err := s.dispatch(conn, Method(method), dec, enc); err != nil {
			level.Warn(s.logger).Log(
				"msg", "failed to serve request",
				"method", Method(method),
				"remote", conn.RemoteAddr(),
				"err", err,
			)

			return
		}

		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, method Method, dec *codec.Decoder, enc *codec.Encoder) error {
	ctx := context.Background()

	var (
		reply   interface{}
		callErr error
	)

	switch method {
	case MethodJoinNode:
		req := new(JoinNodeRequest)
		if err := dec.Decode(req); err != nil {
			return fmt.Errorf("decode join_node request: %w", err)
		}

		reply, callErr = s.handler.JoinNode(ctx, req)
	case MethodUpdateNodeConfiguration:
		req := new(ConfigurationUpdateRequest)
		if err := dec.Decode(req); err != nil {
			return fmt.Errorf("decode update_node_configuration request: %w", err)
		}

		reply, callErr = s.handler.UpdateNodeConfiguration(ctx, req)
	case MethodHello:
		req := new(HelloRequest)
		if err := dec.Decode(req); err != nil {
			return fmt.Errorf("decode hello request: %w", err)
		}

		reply, callErr = s.handler.Hello(ctx, req)
	default:
		return fmt.Errorf("unknown method %d", method)
	}

	if callErr != nil {
		return enc.Encode(errorFrame{Message: callErr.Error()})
	}

	if err := enc.Encode(errorFrame{}); err != nil {
		return err
	}

	return enc.Encode(reply)
}
