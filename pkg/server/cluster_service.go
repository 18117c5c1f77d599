package server

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"handoff/api/handoffv1"
	"handoff/pkg/cluster"
)

// Registry is a membership view that accepts joins and leaves.
type Registry interface {
	cluster.Membership
	Join(ctx context.Context, req cluster.JoinRequest) error
	Leave(ctx context.Context, id string) error
}

// StaticRegistry adapts the heartbeat manager to Registry.
type StaticRegistry struct {
	*cluster.Manager
}

func (r StaticRegistry) Join(_ context.Context, req cluster.JoinRequest) error {
	r.Manager.Join(req.ID, req.Address)
	return nil
}

func (r StaticRegistry) Leave(_ context.Context, id string) error {
	r.Manager.Leave(id)
	return nil
}

// ClusterService implements the Cluster gRPC service
type ClusterService struct {
	registry Registry
}

var _ handoffv1.ClusterServer = (*ClusterService)(nil)

// NewClusterService creates a new Cluster service
func NewClusterService(registry Registry) *ClusterService {
	return &ClusterService{registry: registry}
}

// Join records the caller and replies with this node first, then its peers.
func (s *ClusterService) Join(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	m := handoffv1.DecodeMember(req)
	if m.ID == "" || m.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "member id and address are required")
	}
	if err := s.registry.Join(ctx, cluster.JoinRequest{ID: m.ID, Address: m.Address, RaftAddress: m.RaftAddress}); err != nil {
		return nil, status.Errorf(codes.Unavailable, "join %s: %v", m.ID, err)
	}
	nodes := append([]cluster.Node{s.registry.Self()}, cluster.PeersOf(s.registry)...)
	return handoffv1.EncodeMembers(cluster.MembersFromNodes(nodes)), nil
}

// Leave removes a member
func (s *ClusterService) Leave(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	m := handoffv1.DecodeMember(req)
	if m.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "member id is required")
	}
	if err := s.registry.Leave(ctx, m.ID); err != nil {
		return nil, status.Errorf(codes.Unavailable, "leave %s: %v", m.ID, err)
	}
	return &emptypb.Empty{}, nil
}

// Members returns all cluster nodes
func (s *ClusterService) Members(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return handoffv1.EncodeMembers(cluster.MembersFromNodes(s.registry.Members())), nil
}
