package transport

import (
	"fmt"

	"github.com/ChuLiYu/calcnode/internal/protocol"
)

// frame carries one protocol message through gRPC's SendMsg/RecvMsg.
// err is set instead of msg when the bytes arrived but did not decode.
type frame struct {
	msg protocol.Message
	err error
}

// message returns the decoded message or the decode failure.
func (f *frame) message() (protocol.Message, error) {
	if f.err != nil {
		return nil, fmt.Errorf("transport: dropped frame: %w", f.err)
	}
	return f.msg, nil
}

// Codec plugs the protocol encoding into gRPC. It is forced on both ends, so
// no protobuf generated types are involved.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("transport: cannot marshal %T", v)
	}
	return protocol.Encode(f.msg)
}

func (Codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("transport: cannot unmarshal into %T", v)
	}
	// decode failures travel on the frame so the stream survives them
	f.msg, f.err = protocol.Decode(data)
	return nil
}

func (Codec) Name() string { return "calcnode" }
