// ============================================================================
// Dispatcher-side gRPC transport
// ============================================================================
//
// Every calculation node opens one Connect stream. The stream's first message
// must be a Ready; the Acceptor then turns the connection into an invoker and
// returns the handler that receives every later message. When the stream ends
// for any reason the handler receives ConnectionState{Failed} and the
// Acceptor is told to release the connection.
//
// A gRPC stream cannot be resumed, so this transport never reports Reset: a
// node that reconnects opens a new stream and becomes a new connection.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/protocol"
)

var (
	// ErrHandshake is returned when a stream does not open with Ready.
	ErrHandshake = errors.New("transport: handshake failed")
	// ErrConnClosed is returned by Send on a finished connection.
	ErrConnClosed = errors.New("transport: connection closed")
)

// Conn is the dispatcher's view of one node connection.
type Conn interface {
	ID() string
	Peer() string
	Send(msg protocol.Message) error
}

// Acceptor decides what to do with new node connections.
type Acceptor interface {
	// Accept is called once the node sent its initial Ready. A non-nil error
	// rejects the connection.
	Accept(conn Conn, ready *protocol.Ready) (protocol.Handler, error)
	// Release is called after the handler received the final Failed state.
	Release(conn Conn)
}

// Server accepts node streams.
type Server struct {
	acceptor Acceptor
	grpc     *grpc.Server
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*serverConn
}

// NewServer builds a server; opts are appended to the transport's own options.
func NewServer(acceptor Acceptor, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		acceptor: acceptor,
		logger:   logger.Named("transport"),
		conns:    make(map[string]*serverConn),
	}
	opts = append(opts,
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(protocol.MaxMessageBytes),
		grpc.MaxSendMsgSize(protocol.MaxMessageBytes),
	)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks accepting node streams on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("accepting calculation nodes", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop closes the listeners and every open stream.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// Connections returns the number of accepted, still open streams.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) connect(stream grpc.ServerStream) error {
	conn := &serverConn{
		id:     uuid.NewString(),
		peer:   peerAddr(stream.Context()),
		stream: stream,
	}
	logger := s.logger.With(zap.String("conn", conn.id), zap.String("peer", conn.peer))

	first, err := conn.recv()
	if protocol.IsViolation(err) {
		logger.Warn("undecodable handshake", zap.Error(err))
		return status.Error(codes.InvalidArgument, fmt.Sprintf("%v: %v", ErrHandshake, err))
	}
	if err != nil {
		return err
	}
	ready, ok := first.(*protocol.Ready)
	if !ok {
		logger.Warn("node did not open with ready", zap.Stringer("kind", first.Kind()))
		return status.Error(codes.FailedPrecondition, fmt.Sprintf("%v: first message is %s", ErrHandshake, first.Kind()))
	}

	handler, err := s.acceptor.Accept(conn, ready)
	if err != nil {
		logger.Warn("connection rejected", zap.Error(err))
		return status.Error(codes.Unavailable, err.Error())
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	logger.Info("node connected", zap.String("node", ready.NodeID), zap.Int32("capacity", ready.Capacity))

	err = s.receiveLoop(conn, handler, logger)

	conn.close()
	cause := "stream closed"
	if err != nil {
		cause = err.Error()
	}
	handler.Receive(&protocol.ConnectionState{State: protocol.StateFailed, Cause: cause})

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()
	s.acceptor.Release(conn)
	logger.Info("node disconnected", zap.String("cause", cause))

	if err == nil || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

// receiveLoop returns nil when the node half-closed the stream.
func (s *Server) receiveLoop(conn *serverConn, handler protocol.Handler, logger *zap.Logger) error {
	for {
		msg, err := conn.recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if protocol.IsViolation(err) {
			logger.Warn("undecodable message from node, dropped", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		if msg.Kind() == protocol.KindConnectionState {
			logger.Warn("node sent a connection state, dropped")
			continue
		}
		handler.Receive(msg)
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// serverConn serializes sends on one stream; gRPC allows a single concurrent
// sender per stream.
type serverConn struct {
	id     string
	peer   string
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
}

func (c *serverConn) ID() string   { return c.id }
func (c *serverConn) Peer() string { return c.peer }

func (c *serverConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.stream.SendMsg(&frame{msg: msg})
}

func (c *serverConn) recv() (protocol.Message, error) {
	f := &frame{}
	if err := c.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f.message()
}

// close makes further sends fail; the stream must not be used once the
// handler returned.
func (c *serverConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
