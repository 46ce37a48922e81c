package simrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tradesim.Simulator"

// Full method paths, shared by the server descriptor and the client
const (
	MethodHeartbeat          = "/tradesim.Simulator/Heartbeat"
	MethodStreamExchangeData = "/tradesim.Simulator/StreamExchangeData"
	MethodSubmitOrder        = "/tradesim.Simulator/SubmitOrder"
	MethodCancelOrder        = "/tradesim.Simulator/CancelOrder"
	MethodSubmitConviction   = "/tradesim.Simulator/SubmitConviction"
)

// SimulatorServer is the server side of the simulator contract. Order and
// conviction handlers report rejections inside the response body; a failed
// RPC is reserved for transport-level problems.
type SimulatorServer interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	StreamExchangeData(req *StreamRequest, stream ExchangeDataStream) error
	SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error)
	SubmitConviction(ctx context.Context, req *SubmitConvictionRequest) (*SubmitConvictionResponse, error)
}

// ExchangeDataStream is the server's send side of the exchange data stream
type ExchangeDataStream interface {
	Send(*ExchangeDataUpdate) error
	Context() context.Context
}

type exchangeDataStream struct {
	grpc.ServerStream
}

func (s *exchangeDataStream) Send(update *ExchangeDataUpdate) error {
	return s.ServerStream.SendMsg(update)
}

// Register attaches a SimulatorServer implementation to a gRPC server
func Register(s *grpc.Server, srv SimulatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "SubmitOrder", Handler: submitOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
		{MethodName: "SubmitConviction", Handler: submitConvictionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamExchangeData",
			Handler:       streamExchangeDataHandler,
			ServerStreams: true,
		},
	},
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulatorServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHeartbeat}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimulatorServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulatorServer).SubmitOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmitOrder}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimulatorServer).SubmitOrder(ctx, req.(*SubmitOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulatorServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCancelOrder}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimulatorServer).CancelOrder(ctx, req.(*CancelOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitConvictionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitConvictionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulatorServer).SubmitConviction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmitConviction}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimulatorServer).SubmitConviction(ctx, req.(*SubmitConvictionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamExchangeDataHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SimulatorServer).StreamExchangeData(req, &exchangeDataStream{stream})
}
