package transport

import (
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "calcnode.v1.CalcNode"

const connectMethod = "/" + ServiceName + "/Connect"

// connectHandler is implemented by Server.
type connectHandler interface {
	connect(stream grpc.ServerStream) error
}

// serviceDesc declares one bidirectional stream per calculation node:
//
//	service CalcNode { rpc Connect(stream Envelope) returns (stream Envelope); }
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*connectHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       handleConnect,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "calcnode/v1/calcnode.proto",
}

func handleConnect(srv any, stream grpc.ServerStream) error {
	return srv.(connectHandler).connect(stream)
}
