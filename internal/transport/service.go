package transport

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName and methodName name the single bidi-streaming RPC every node
// uses to exchange wire.Message traffic with every other node. Hand-rolled
// in place of protoc-gen-go-grpc output: the ServiceDesc below is exactly
// the shape that generator would emit for one streaming method, but is
// written directly since the payload (envelope) travels through the
// custom jsonCodec registered in codec.go rather than generated protobuf
// types.
const (
	serviceName = "cluckd.transport.Cluck"
	methodName  = "Exchange"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// exchangeHandler is implemented by whatever accepts inbound Exchange
// streams; Server (server.go) is the only implementation.
type exchangeHandler interface {
	handleExchange(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeHandler)(nil),
	Methods:     nil,
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       exchangeStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "cluckd/internal/transport/service.go",
}

func exchangeStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeHandler).handleExchange(stream)
}

// exchangeClientStream is the client-side handle for one Exchange call,
// typed over *envelope instead of the any the raw grpc.ClientStream offers.
type exchangeClientStream struct {
	grpc.ClientStream
}

func openExchangeClient(ctx context.Context, cc grpc.ClientConnInterface) (*exchangeClientStream, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &exchangeClientStream{ClientStream: stream}, nil
}

func (s *exchangeClientStream) Send(e *envelope) error {
	return s.ClientStream.SendMsg(e)
}

func (s *exchangeClientStream) Recv() (*envelope, error) {
	e := new(envelope)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// exchangeServerStream is the server-side typed handle for one Exchange
// stream, the mirror image of exchangeClientStream.
type exchangeServerStream struct {
	grpc.ServerStream
}

func (s *exchangeServerStream) Send(e *envelope) error {
	return s.ServerStream.SendMsg(e)
}

func (s *exchangeServerStream) Recv() (*envelope, error) {
	e := new(envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}
