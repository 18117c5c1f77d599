package handoffv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// HandoffClient calls the Handoff service.
type HandoffClient struct {
	cc grpc.ClientConnInterface
}

func NewHandoffClient(cc grpc.ClientConnInterface) *HandoffClient {
	return &HandoffClient{cc: cc}
}

func (c *HandoffClient) Initiate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, fullMethod(HandoffService, "Initiate"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HandoffClient) Complete(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod(HandoffService, "Complete"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the notification stream. The registration lives until ctx
// is cancelled or the stream breaks.
func (c *HandoffClient) Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.StringValue], error) {
	stream, err := c.cc.NewStream(ctx, &HandoffServiceDesc.Streams[0], fullMethod(HandoffService, "Subscribe"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, wrapperspb.StringValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *HandoffClient) Unsubscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, fullMethod(HandoffService, "Unsubscribe"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HandoffClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(HandoffService, "Stats"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PeerClient calls another node's Peer service.
type PeerClient struct {
	cc grpc.ClientConnInterface
}

func NewPeerClient(cc grpc.ClientConnInterface) *PeerClient {
	return &PeerClient{cc: cc}
}

func (c *PeerClient) Drain(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod(PeerService, "Drain"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PeerClient) Notify(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, fullMethod(PeerService, "Notify"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterClient calls the Cluster service.
type ClusterClient struct {
	cc grpc.ClientConnInterface
}

func NewClusterClient(cc grpc.ClientConnInterface) *ClusterClient {
	return &ClusterClient{cc: cc}
}

func (c *ClusterClient) Join(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod(ClusterService, "Join"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClusterClient) Leave(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, fullMethod(ClusterService, "Leave"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClusterClient) Members(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod(ClusterService, "Members"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
