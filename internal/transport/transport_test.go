package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/calcnode/internal/protocol"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingAcceptor hands every connection a handler that forwards messages
// to a channel.
type recordingAcceptor struct {
	reject error

	mu       sync.Mutex
	conns    []Conn
	ready    []*protocol.Ready
	msgs     chan protocol.Message
	released chan string
}

func newRecordingAcceptor() *recordingAcceptor {
	return &recordingAcceptor{
		msgs:     make(chan protocol.Message, 16),
		released: make(chan string, 4),
	}
}

func (a *recordingAcceptor) Accept(conn Conn, ready *protocol.Ready) (protocol.Handler, error) {
	if a.reject != nil {
		return nil, a.reject
	}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.ready = append(a.ready, ready)
	a.mu.Unlock()
	return protocol.HandlerFunc(func(msg protocol.Message) { a.msgs <- msg }), nil
}

func (a *recordingAcceptor) Release(conn Conn) { a.released <- conn.ID() }

func (a *recordingAcceptor) conn(t *testing.T) Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.conns) > 0
	}, 5*time.Second, 5*time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[0]
}

func (a *recordingAcceptor) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-a.msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message reached the handler")
		return nil
	}
}

func startServer(t *testing.T, acceptor Acceptor) (*Server, func(context.Context) (*ClientLink, error)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(acceptor, zap.NewNop(), grpc.WaitForHandlers(true))
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Serve(lis))
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-done
	})

	dial := func(ctx context.Context) (*ClientLink, error) {
		return Dial(ctx, "passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}))
	}
	return srv, dial
}

func TestHandshakeAndMessageFlow(t *testing.T) {
	acc := newRecordingAcceptor()
	srv, dial := startServer(t, acc)

	link, err := dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Send(&protocol.Ready{Capacity: 3, NodeID: "node-a"}))
	conn := acc.conn(t)
	assert.NotEmpty(t, conn.ID())
	assert.NotEmpty(t, conn.Peer())
	assert.Equal(t, int32(3), acc.ready[0].Capacity)
	assert.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)

	// dispatcher -> node
	job := types.Job{
		Spec:  types.JobSpecification{ViewProcessID: "vp", CycleID: 1, JobID: 1},
		Items: []types.JobItem{{TargetID: "SEC-1", FunctionID: "pv"}},
	}
	require.NoError(t, conn.Send(&protocol.Execute{Job: job}))
	msg, err := link.Recv()
	require.NoError(t, err)
	assert.Equal(t, job, msg.(*protocol.Execute).Job)

	// node -> dispatcher
	require.NoError(t, link.Send(&protocol.Result{
		Result: types.JobResult{Spec: job.Spec, NodeID: "node-a", Items: []types.JobResultItem{{Status: types.ItemSuccess}}},
		Ready:  &protocol.Ready{Capacity: 3},
	}))
	res, ok := acc.next(t).(*protocol.Result)
	require.True(t, ok)
	assert.Equal(t, job.Spec, res.Result.Spec)
	require.NotNil(t, res.Ready)
}

func TestStreamEndDeliversFailedThenRelease(t *testing.T) {
	acc := newRecordingAcceptor()
	srv, dial := startServer(t, acc)

	link, err := dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, link.Send(&protocol.Ready{Capacity: 1}))
	conn := acc.conn(t)

	require.NoError(t, link.Close())

	state, ok := acc.next(t).(*protocol.ConnectionState)
	require.True(t, ok)
	assert.Equal(t, protocol.StateFailed, state.State)

	select {
	case id := <-acc.released:
		assert.Equal(t, conn.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not released")
	}
	assert.Equal(t, 0, srv.Connections())
	assert.ErrorIs(t, conn.Send(&protocol.Execute{}), ErrConnClosed)
}

func TestNodeMustOpenWithReady(t *testing.T) {
	acc := newRecordingAcceptor()
	_, dial := startServer(t, acc)

	link, err := dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Send(&protocol.Result{}))
	_, err = link.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrHandshake.Error())

	acc.mu.Lock()
	defer acc.mu.Unlock()
	assert.Empty(t, acc.conns)
}

func TestAcceptorCanReject(t *testing.T) {
	acc := newRecordingAcceptor()
	acc.reject = errors.New("dispatcher stopped")
	_, dial := startServer(t, acc)

	link, err := dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Send(&protocol.Ready{Capacity: 1}))
	_, err = link.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher stopped")
}

func TestServerStopFailsOpenConnections(t *testing.T) {
	acc := newRecordingAcceptor()
	srv, dial := startServer(t, acc)

	link, err := dial(context.Background())
	require.NoError(t, err)
	defer link.Close()
	require.NoError(t, link.Send(&protocol.Ready{Capacity: 1}))
	acc.conn(t)

	srv.Stop()

	state, ok := acc.next(t).(*protocol.ConnectionState)
	require.True(t, ok)
	assert.Equal(t, protocol.StateFailed, state.State)
	<-acc.released

	_, err = link.Recv()
	assert.Error(t, err)
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	var c Codec
	_, err := c.Marshal("not a frame")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, new(int)))
	assert.Equal(t, "calcnode", c.Name())
}

// rawCodec lets a test client put arbitrary bytes on the Connect stream.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) { return v.([]byte), nil }
func (rawCodec) Unmarshal(data []byte, v any) error {
	*(v.(*[]byte)) = append([]byte(nil), data...)
	return nil
}
func (rawCodec) Name() string { return "raw" }

func dialRaw(t *testing.T, lis *bufconn.Listener) grpc.ClientStream {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		cc.Close()
	})
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], connectMethod)
	require.NoError(t, err)
	return stream
}

func startRawServer(t *testing.T, acceptor Acceptor) (*Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(acceptor, zap.NewNop(), grpc.WaitForHandlers(true))
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Serve(lis))
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-done
	})
	return srv, lis
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := protocol.Encode(msg)
	require.NoError(t, err)
	return b
}

func TestUndecodableMessageIsDroppedAndStreamSurvives(t *testing.T) {
	acc := newRecordingAcceptor()
	srv, lis := startRawServer(t, acc)
	stream := dialRaw(t, lis)

	require.NoError(t, stream.SendMsg(encode(t, &protocol.Ready{Capacity: 2})))
	conn := acc.conn(t)

	// an envelope carrying only an unknown role, then a truncated one
	unknown := protowire.AppendBytes(protowire.AppendTag(nil, 9, protowire.BytesType), nil)
	require.NoError(t, stream.SendMsg(unknown))
	truncated := encode(t, &protocol.Ready{Capacity: 3, NodeID: "node-a"})
	require.NoError(t, stream.SendMsg(truncated[:len(truncated)-2]))

	require.NoError(t, stream.SendMsg(encode(t, &protocol.Ready{Capacity: 5})))
	ready, ok := acc.next(t).(*protocol.Ready)
	require.True(t, ok, "the next message to reach the handler must be the Ready")
	assert.Equal(t, int32(5), ready.Capacity)

	assert.Equal(t, 1, srv.Connections())
	select {
	case id := <-acc.released:
		t.Fatalf("connection %s was released", id)
	default:
	}

	// the dispatcher can still reach the node
	require.NoError(t, conn.Send(&protocol.Execute{Job: types.Job{Spec: types.JobSpecification{JobID: 1}}}))
	var got []byte
	require.NoError(t, stream.RecvMsg(&got))
	msg, err := protocol.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindExecute, msg.Kind())
}

func TestUndecodableHandshakeIsRejected(t *testing.T) {
	acc := newRecordingAcceptor()
	_, lis := startRawServer(t, acc)
	stream := dialRaw(t, lis)

	require.NoError(t, stream.SendMsg([]byte{0xff}))
	var got []byte
	err := stream.RecvMsg(&got)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, err.Error(), ErrHandshake.Error())

	acc.mu.Lock()
	defer acc.mu.Unlock()
	assert.Empty(t, acc.conns)
}

func TestCodecRefusesUnknownItemStatus(t *testing.T) {
	var c Codec
	_, err := c.Marshal(&frame{msg: &protocol.Result{Result: types.JobResult{
		Items: []types.JobResultItem{{Status: "weird"}},
	}}})
	assert.ErrorIs(t, err, protocol.ErrUnknownStatus)
}

func TestCodecReportsViolationOnFrame(t *testing.T) {
	var c Codec
	f := &frame{}
	require.NoError(t, c.Unmarshal([]byte{0xff}, f))
	_, err := f.message()
	assert.True(t, protocol.IsViolation(err))
}
