package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/calcnode/internal/protocol"
)

// ClientLink is the node side of one Connect stream.
type ClientLink struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
}

// Dial opens a Connect stream to the dispatcher at target. The stream outlives
// ctx; it ends with Close or when the dispatcher goes away. Extra options are
// applied after the defaults (plaintext, forced codec).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*ClientLink, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(Codec{}),
			grpc.MaxCallRecvMsgSize(protocol.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(protocol.MaxMessageBytes),
		),
	}
	cc, err := grpc.NewClient(target, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("open stream to %s: %w", target, err)
	}

	return &ClientLink{cc: cc, stream: stream, cancel: cancel}, nil
}

// Send is safe for concurrent use.
func (l *ClientLink) Send(msg protocol.Message) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.stream.SendMsg(&frame{msg: msg})
}

// Recv blocks for the next dispatcher message. An error for which
// protocol.IsViolation holds leaves the stream usable.
func (l *ClientLink) Recv() (protocol.Message, error) {
	f := &frame{}
	if err := l.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f.message()
}

// Close cancels the stream and releases the underlying connection.
func (l *ClientLink) Close() error {
	l.cancel()
	return l.cc.Close()
}
