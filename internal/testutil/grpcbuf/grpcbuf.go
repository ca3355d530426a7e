// Package grpcbuf provides a minimal fixed-schema gRPC echo service that
// pkg/rpcclient's tests register on a live loopback listener to exercise
// dynamic method invocation against a real server.
package grpcbuf

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// EchoServer defines a minimal echo service used in tests.
type EchoServer interface {
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func _Echo_Ping_Handler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EchoServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/test.Echo/Ping",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EchoServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// EchoServiceDesc describes the test.Echo/Ping service registered against a
// real listener by rpcclient's tests.
var EchoServiceDesc = grpc.ServiceDesc{
	ServiceName: "test.Echo",
	HandlerType: (*EchoServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: _Echo_Ping_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "echo_test",
}
