// Package handoffv1 declares the gRPC services spoken by handoff daemons,
// their peers and clients. Messages are protobuf well-known types so no code
// generation step is needed; convert.go maps them to domain values.
package handoffv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	HandoffService = "handoff.v1.Handoff"
	PeerService    = "handoff.v1.Peer"
	ClusterService = "handoff.v1.Cluster"
)

// HandoffServer is the client-facing directory API.
type HandoffServer interface {
	Initiate(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Complete(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	// Subscribe keeps the registration alive for as long as the stream is open
	// and sends one label per availability notification.
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[wrapperspb.StringValue]) error
	Unsubscribe(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// PeerServer is called by other directory nodes.
type PeerServer interface {
	Drain(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Notify(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// ClusterServer handles membership.
type ClusterServer interface {
	Join(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	Leave(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Members(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor the way protoc-gen-go-grpc would.
func unary[Srv any, Req, Resp proto.Message](service, method string, newReq func() Req, call func(Srv, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Srv), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Srv), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HandoffServer).Subscribe(in, &grpc.GenericServerStream[structpb.Struct, wrapperspb.StringValue]{ServerStream: stream})
}

var HandoffServiceDesc = grpc.ServiceDesc{
	ServiceName: HandoffService,
	HandlerType: (*HandoffServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(HandoffService, "Initiate", newStruct, HandoffServer.Initiate),
		unary(HandoffService, "Complete", newString, HandoffServer.Complete),
		unary(HandoffService, "Unsubscribe", newStruct, HandoffServer.Unsubscribe),
		unary(HandoffService, "Stats", newEmpty, HandoffServer.Stats),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: PeerService,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PeerService, "Drain", newString, PeerServer.Drain),
		unary(PeerService, "Notify", newString, PeerServer.Notify),
	},
}

var ClusterServiceDesc = grpc.ServiceDesc{
	ServiceName: ClusterService,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ClusterService, "Join", newStruct, ClusterServer.Join),
		unary(ClusterService, "Leave", newStruct, ClusterServer.Leave),
		unary(ClusterService, "Members", newEmpty, ClusterServer.Members),
	},
}

func RegisterHandoffServer(s grpc.ServiceRegistrar, srv HandoffServer) {
	s.RegisterService(&HandoffServiceDesc, srv)
}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&PeerServiceDesc, srv)
}

func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&ClusterServiceDesc, srv)
}
