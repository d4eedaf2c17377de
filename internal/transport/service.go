package transport

import (
	"context"

	"google.golang.org/grpc"
)

// Service and method names on the wire.
const (
	ServiceName    = "synergy.Consensus"
	DeliverMethod  = "/synergy.Consensus/Deliver"
	deliverHandler = "Deliver"
)

// Handler receives envelopes delivered by peers. Implementations decide
// whether the enclosed message was accepted; an error is reported to the
// sender as a gRPC status.
type Handler interface {
	Deliver(ctx context.Context, env *Envelope) (*Ack, error)
}

// serviceDesc declares synergy.Consensus without generated stubs.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: deliverHandler,
			Handler:    deliverUnary,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synergy/consensus",
}

func deliverUnary(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterHandler registers h as the synergy.Consensus service on s.
func RegisterHandler(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
