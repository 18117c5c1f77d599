package server

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/api/handoffv1"
	"handoff/pkg/cluster"
	"handoff/pkg/record"
)

// PeerService answers other nodes' pulls and availability notices.
type PeerService struct {
	handler cluster.PeerHandler
}

var _ handoffv1.PeerServer = (*PeerService)(nil)

func NewPeerService(handler cluster.PeerHandler) *PeerService {
	return &PeerService{handler: handler}
}

// Drain hands the whole local queue for a label to the calling peer.
func (s *PeerService) Drain(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	label := record.Label(req.GetValue())
	if label == "" {
		return nil, invalidLabel()
	}
	recs, err := s.handler.HandleDrain(ctx, label)
	if err != nil {
		return nil, toStatus(err)
	}
	return handoffv1.EncodeRecords(recs), nil
}

func (s *PeerService) Notify(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	label := record.Label(req.GetValue())
	if label == "" {
		return nil, invalidLabel()
	}
	s.handler.HandleNotify(ctx, label)
	return &emptypb.Empty{}, nil
}
